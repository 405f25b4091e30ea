package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/store-api/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Provider owns the shared connection pool and transaction boundary.
type Provider struct {
	pool       *pgxpool.Pool
	txAttempts int
	txTimeout  time.Duration
	closed     atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithTxAttempts overrides how many times RunInTx retries serialization failures.
func WithTxAttempts(attempts int) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.txAttempts = attempts
		}
	}
}

// WithTxTimeout bounds the duration of every transaction started by RunInTx.
func WithTxTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.txTimeout = timeout
		}
	}
}

// NewProvider opens the pool described by cfg and verifies connectivity.
func NewProvider(ctx context.Context, cfg config.DatabaseConfig, opts ...ProviderOption) (*Provider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres: database url is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return NewProviderFromPool(pool, opts...), nil
}

// NewProviderFromPool wraps an existing pool, mainly for tests.
func NewProviderFromPool(pool *pgxpool.Pool, opts ...ProviderOption) *Provider {
	provider := &Provider{
		pool:       pool,
		txAttempts: defaultTxAttempts,
		txTimeout:  defaultTxTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Pool exposes the underlying pool.
func (p *Provider) Pool() *pgxpool.Pool {
	return p.pool
}

// Querier returns the transaction bound to ctx, or the pool when no transaction is active.
func (p *Provider) Querier(ctx context.Context) Querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return p.pool
}

// Ping verifies the database is reachable. Used by readiness checks.
func (p *Provider) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProviderClosed
	}
	return p.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (p *Provider) Close(context.Context) error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.pool.Close()
	return nil
}
