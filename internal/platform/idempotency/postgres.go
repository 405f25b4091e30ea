package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hanko-field/store-api/internal/platform/postgres"
)

const defaultPurgeLimit = 100

// PostgresStore keeps claims in the idempotency_keys table.
type PostgresStore struct {
	db postgres.Querier
}

func NewPostgresStore(db postgres.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Claim inserts a pending row, or takes over an expired one, in a single statement. When the key is
// live the existing row decides the outcome.
func (s *PostgresStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()

	const insert = `
INSERT INTO idempotency_keys (key, fingerprint, completed, created_at, expires_at)
VALUES ($1, $2, FALSE, $3, $4)
ON CONFLICT (key) DO UPDATE SET
    fingerprint = EXCLUDED.fingerprint,
    completed = FALSE,
    response_status = 0,
    response_headers = '{}',
    response_body = NULL,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
RETURNING key`

	var claimed string
	err := s.db.QueryRow(ctx, insert, key, fingerprint, now, now.Add(ttl)).Scan(&claimed)
	if err == nil {
		return Claim{Outcome: OutcomeAcquired}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, fmt.Errorf("idempotency: claim: %w", err)
	}

	const existing = `
SELECT fingerprint, completed, response_status, response_headers, response_body
FROM idempotency_keys WHERE key = $1`

	var (
		storedFingerprint string
		completed         bool
		resp              Response
		rawHeader         []byte
	)
	err = s.db.QueryRow(ctx, existing, key).Scan(&storedFingerprint, &completed, &resp.Status, &rawHeader, &resp.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the two statements; the caller may retry.
		return Claim{Outcome: OutcomeInFlight}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("idempotency: load claim: %w", err)
	}
	if storedFingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if !completed {
		return Claim{Outcome: OutcomeInFlight}, nil
	}
	if len(rawHeader) > 0 {
		if err := json.Unmarshal(rawHeader, &resp.Header); err != nil {
			return Claim{}, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return Claim{Outcome: OutcomeReplay, Response: resp}, nil
}

// Complete stores the response on a claim this caller holds.
func (s *PostgresStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	rawHeader, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("idempotency: encode headers: %w", err)
	}

	const update = `
UPDATE idempotency_keys
SET completed = TRUE, response_status = $3, response_headers = $4, response_body = $5, expires_at = $6
WHERE key = $1 AND fingerprint = $2`

	tag, err := s.db.Exec(ctx, update, key, fingerprint, resp.Status, rawHeader, resp.Body, now.UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyReused
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND NOT completed`, key); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// Purge deletes up to limit expired rows, oldest first.
func (s *PostgresStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	const purge = `
DELETE FROM idempotency_keys
WHERE key IN (SELECT key FROM idempotency_keys WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2)`

	tag, err := s.db.Exec(ctx, purge, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
