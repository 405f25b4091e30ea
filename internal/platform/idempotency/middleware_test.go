package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/store-api/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

type countingHandler struct {
	calls  int
	status int
	body   string
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.calls++
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Date", "Mon, 01 Jan 2024 12:00:00 GMT")
	status := h.status
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(h.body))
}

func post(t *testing.T, h http.Handler, uid, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return payload.Error
}

func TestMiddlewareRequiresKey(t *testing.T) {
	next := &countingHandler{}
	h := Middleware(newMemoryStore(), WithClock(fixedClock))(next)

	rr := post(t, h, "user_1", "", `{"sku":"A"}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "idempotency_key_required" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
	if next.calls != 0 {
		t.Fatal("handler ran without a key")
	}
}

func TestMiddlewareOptionalKeyPassesThrough(t *testing.T) {
	next := &countingHandler{}
	h := Middleware(newMemoryStore(), WithOptionalKey())(next)

	post(t, h, "user_1", "", `{}`)
	post(t, h, "user_1", "", `{}`)
	if next.calls != 2 {
		t.Fatalf("expected both unkeyed requests to run, got %d", next.calls)
	}
}

func TestMiddlewareRejectsLongKey(t *testing.T) {
	h := Middleware(newMemoryStore())(&countingHandler{})
	rr := post(t, h, "user_1", strings.Repeat("k", 256), `{}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "idempotency_key_invalid" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareRejectsLargeBody(t *testing.T) {
	next := &countingHandler{}
	h := Middleware(newMemoryStore(), WithMaxBodyBytes(8))(next)
	rr := post(t, h, "user_1", "k1", `{"sku":"too-long"}`)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if next.calls != 0 {
		t.Fatal("handler ran with an oversized body")
	}
}

func TestMiddlewareIgnoresUnguardedMethods(t *testing.T) {
	next := &countingHandler{status: http.StatusOK}
	h := Middleware(newMemoryStore())(next)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || next.calls != 1 {
		t.Fatalf("GET should pass through, got %d after %d calls", rr.Code, next.calls)
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	next := &countingHandler{body: `{"order_id":"ord_1"}`}
	h := Middleware(newMemoryStore(), WithClock(fixedClock))(next)

	first := post(t, h, "user_1", "abc-123", `{"sku":"A"}`)
	second := post(t, h, "user_1", "abc-123", `{"sku":"A"}`)

	if next.calls != 1 {
		t.Fatalf("handler ran %d times", next.calls)
	}
	if first.Header().Get(replayHeader) != "" {
		t.Fatal("first response marked as replay")
	}
	if second.Code != http.StatusCreated || second.Header().Get(replayHeader) != "true" {
		t.Fatalf("replay: %d %v", second.Code, second.Header())
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatal("content type not replayed")
	}
	if second.Header().Get("Date") != "" {
		t.Fatal("per-response headers must not be replayed")
	}
}

func TestMiddlewareKeyReuseWithDifferentPayload(t *testing.T) {
	next := &countingHandler{}
	h := Middleware(newMemoryStore(), WithClock(fixedClock))(next)

	post(t, h, "user_1", "same", `{"sku":"A"}`)
	rr := post(t, h, "user_1", "same", `{"sku":"B"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "idempotency_key_conflict" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
	if next.calls != 1 {
		t.Fatalf("handler ran %d times", next.calls)
	}
}

func TestMiddlewareScopesKeysPerCaller(t *testing.T) {
	next := &countingHandler{}
	h := Middleware(newMemoryStore(), WithClock(fixedClock))(next)

	post(t, h, "user_1", "shared", `{"sku":"A"}`)
	rr := post(t, h, "user_2", "shared", `{"sku":"A"}`)
	if rr.Code != http.StatusCreated || rr.Header().Get(replayHeader) != "" {
		t.Fatalf("second caller should not see a replay: %d", rr.Code)
	}
	if next.calls != 2 {
		t.Fatalf("handler ran %d times", next.calls)
	}
}

func TestMiddlewareInFlight(t *testing.T) {
	store := &stubStore{claim: func(context.Context, string, string) (Claim, error) {
		return Claim{Outcome: OutcomeInFlight}, nil
	}}
	next := &countingHandler{}
	rr := post(t, Middleware(store)(next), "user_1", "k", `{}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "idempotency_in_progress" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
	if next.calls != 0 {
		t.Fatal("handler ran while key was in flight")
	}
}

func TestMiddlewareReleasesOnServerError(t *testing.T) {
	store := newMemoryStore()
	next := &countingHandler{status: http.StatusServiceUnavailable}
	h := Middleware(store, WithClock(fixedClock))(next)

	first := post(t, h, "user_1", "retry-me", `{}`)
	if first.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", first.Code)
	}
	next.status = http.StatusCreated
	second := post(t, h, "user_1", "retry-me", `{}`)
	if second.Code != http.StatusCreated || second.Header().Get(replayHeader) != "" {
		t.Fatalf("retry after 5xx should run again, got %d", second.Code)
	}
	if next.calls != 2 {
		t.Fatalf("handler ran %d times", next.calls)
	}
}

func TestMiddlewareStoreFailures(t *testing.T) {
	var released bool
	store := &stubStore{
		claim: func(context.Context, string, string) (Claim, error) { return Claim{Outcome: OutcomeAcquired}, nil },
		complete: func(context.Context, string, string, Response) error {
			return errors.New("disk full")
		},
		release: func(context.Context, string) error { released = true; return nil },
	}
	rr := post(t, Middleware(store)(&countingHandler{}), "user_1", "k", `{}`)
	if rr.Code != http.StatusInternalServerError || errorCode(t, rr) != "idempotency_store_error" {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
	if !released {
		t.Fatal("claim not released after failed completion")
	}

	store.claim = func(context.Context, string, string) (Claim, error) { return Claim{}, errors.New("db down") }
	next := &countingHandler{}
	rr = post(t, Middleware(store)(next), "user_1", "k", `{}`)
	if rr.Code != http.StatusInternalServerError || next.calls != 0 {
		t.Fatalf("claim failure: %d after %d calls", rr.Code, next.calls)
	}
}

func TestMiddlewareExpiredKeyRunsAgain(t *testing.T) {
	store := newMemoryStore()
	now := fixedTime
	next := &countingHandler{}
	h := Middleware(store, WithTTL(time.Hour), WithClock(func() time.Time { return now }))(next)

	post(t, h, "user_1", "k", `{}`)
	now = now.Add(2 * time.Hour)
	rr := post(t, h, "user_1", "k", `{}`)
	if rr.Header().Get(replayHeader) != "" || next.calls != 2 {
		t.Fatalf("expired key replayed: calls=%d", next.calls)
	}
}

func TestPurgeExpiredDrainsBacklog(t *testing.T) {
	var batches []int
	remaining := 7
	store := purgeFunc(func(_ context.Context, _ time.Time, limit int) (int, error) {
		n := min(limit, remaining)
		remaining -= n
		batches = append(batches, n)
		return n, nil
	})
	if total := purgeExpired(context.Background(), store, 3, zap.NewNop()); total != 7 {
		t.Fatalf("purged %d, want 7", total)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 passes, got %v", batches)
	}
}

type purgeFunc func(ctx context.Context, now time.Time, limit int) (int, error)

func (f purgeFunc) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	return f(ctx, now, limit)
}

type memoryEntry struct {
	fingerprint string
	completed   bool
	response    Response
	expiresAt   time.Time
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *memoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || !entry.expiresAt.After(now) {
		s.entries[key] = &memoryEntry{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return Claim{Outcome: OutcomeAcquired}, nil
	}
	if entry.fingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if !entry.completed {
		return Claim{Outcome: OutcomeInFlight}, nil
	}
	return Claim{Outcome: OutcomeReplay, Response: entry.response}, nil
}

func (s *memoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.fingerprint != fingerprint {
		return ErrKeyReused
	}
	entry.completed = true
	entry.response = resp
	entry.expiresAt = now.Add(ttl)
	return nil
}

func (s *memoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && !entry.completed {
		delete(s.entries, key)
	}
	return nil
}

func (s *memoryStore) Purge(_ context.Context, now time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

type stubStore struct {
	claim    func(ctx context.Context, key, fingerprint string) (Claim, error)
	complete func(ctx context.Context, key, fingerprint string, resp Response) error
	release  func(ctx context.Context, key string) error
}

func (s *stubStore) Claim(ctx context.Context, key, fingerprint string, _ time.Time, _ time.Duration) (Claim, error) {
	return s.claim(ctx, key, fingerprint)
}

func (s *stubStore) Complete(ctx context.Context, key, fingerprint string, resp Response, _ time.Time, _ time.Duration) error {
	if s.complete == nil {
		return nil
	}
	return s.complete(ctx, key, fingerprint, resp)
}

func (s *stubStore) Release(ctx context.Context, key string) error {
	if s.release == nil {
		return nil
	}
	return s.release(ctx, key)
}

func (s *stubStore) Purge(context.Context, time.Time, int) (int, error) { return 0, nil }
