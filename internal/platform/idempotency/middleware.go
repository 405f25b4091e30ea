package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/store-api/internal/platform/auth"
	"github.com/hanko-field/store-api/internal/platform/httpx"
)

const (
	defaultHeader       = "Idempotency-Key"
	replayHeader        = "X-Idempotent-Replay"
	maxKeyLength        = 255
	defaultMaxBodyBytes = 1 << 20
)

type settings struct {
	header       string
	ttl          time.Duration
	methods      []string
	optional     bool
	maxBodyBytes int64
	clock        func() time.Time
	logger       *zap.Logger
}

type Option func(*settings)

func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long a claimed key and its stored response are kept.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMethods limits the guard to methods; other requests pass straight through. Defaults to POST.
func WithMethods(methods ...string) Option {
	return func(s *settings) {
		var upper []string
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				upper = append(upper, m)
			}
		}
		if len(upper) > 0 {
			s.methods = upper
		}
	}
}

// WithOptionalKey lets requests without the header run unguarded instead of failing with 400.
func WithOptionalKey() Option {
	return func(s *settings) { s.optional = true }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Middleware guards handlers with Idempotency-Key semantics:
//
//   - first request with a key runs and its non-5xx response is stored
//   - a retry with the same caller, key and payload gets the stored response and X-Idempotent-Replay: true
//   - a retry while the first is still running gets 409 idempotency_in_progress
//   - the same key with a different payload gets 409 idempotency_key_conflict
//   - a 5xx response releases the key so the client may retry
//
// Keys are scoped to the authenticated caller, so it must run after authentication.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	s := settings{
		header:       defaultHeader,
		ttl:          DefaultTTL,
		methods:      []string{http.MethodPost},
		maxBodyBytes: defaultMaxBodyBytes,
		clock:        time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(s.methods, r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			rawKey := strings.TrimSpace(r.Header.Get(s.header))
			switch {
			case rawKey == "" && s.optional:
				next.ServeHTTP(w, r)
				return
			case rawKey == "":
				fail(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing "+s.header+" header")
				return
			case len(rawKey) > maxKeyLength:
				fail(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", s.header+" must be at most 255 characters")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					fail(ctx, w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
					return
				}
				fail(ctx, w, http.StatusBadRequest, "invalid_payload", "unable to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := callerOf(ctx)
			key := digest([]byte(caller), []byte(rawKey))
			fingerprint := digest([]byte(r.Method), []byte(r.URL.Path), []byte(caller), body)
			logger := s.logger.With(zap.String("idempotency_key", key[:16]))

			claim, err := store.Claim(ctx, key, fingerprint, s.clock().UTC(), s.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				fail(ctx, w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
				return
			case err != nil:
				logger.Error("idempotency claim failed", zap.Error(err))
				fail(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
				return
			}
			switch claim.Outcome {
			case OutcomeReplay:
				replay(w, claim.Response)
				return
			case OutcomeInFlight:
				fail(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			}

			buf := &bufferedResponse{header: make(http.Header)}
			next.ServeHTTP(buf, r)

			releaseCtx := context.WithoutCancel(ctx)
			if buf.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(releaseCtx, key); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
				buf.flush(w)
				return
			}
			resp := Response{Status: buf.statusCode(), Header: replayableHeader(buf.header), Body: buf.body.Bytes()}
			if err := store.Complete(releaseCtx, key, fingerprint, resp, s.clock().UTC(), s.ttl); err != nil {
				logger.Error("idempotency response not stored", zap.Error(err))
				if err := store.Release(releaseCtx, key); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
				fail(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
				return
			}
			buf.flush(w)
		})
	}
}

func callerOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func fail(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// bufferedResponse holds the handler's response until the outcome has been stored.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
