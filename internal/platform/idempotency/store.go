// Package idempotency lets clients retry order creation safely. A request carrying an
// Idempotency-Key claims the key for its caller; the first completed response is stored and replayed
// to every retry with the same payload until the key expires.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

const DefaultTTL = 24 * time.Hour

// ErrKeyReused means the key was already claimed by a request with a different payload.
var ErrKeyReused = errors.New("idempotency: key reused with a different request")

// Outcome is the result of claiming a key.
type Outcome int

const (
	// OutcomeAcquired: the caller owns the key and must Complete or Release it.
	OutcomeAcquired Outcome = iota
	// OutcomeReplay: a stored response exists.
	OutcomeReplay
	// OutcomeInFlight: another request holds the key and has not finished.
	OutcomeInFlight
)

type Claim struct {
	Outcome  Outcome
	Response Response
}

// Response is a completed HTTP response kept for replay.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists claims. Claim must be atomic: two concurrent claims of a free key cannot both
// observe OutcomeAcquired.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

func digest(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// replayableHeader drops hop-by-hop and per-response headers from stored responses.
func replayableHeader(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Trailer", "X-Request-Id":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}
