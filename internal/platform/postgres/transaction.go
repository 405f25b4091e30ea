package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
)

type txKey struct{}

func txFromContext(ctx context.Context) (pgx.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	_, ok := txFromContext(ctx)
	return ok
}

// RunInTx executes fn inside a read-committed transaction. Repositories resolve the transaction from the
// context handed to fn. Nested calls join the outer transaction. Serialization failures and deadlocks
// are retried; any other error rolls back and is returned unchanged.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if InTx(ctx) {
		return fn(ctx)
	}
	if p.closed.Load() {
		return ErrProviderClosed
	}

	txnCtx := ctx
	if p.txTimeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > p.txTimeout {
			var cancel context.CancelFunc
			txnCtx, cancel = context.WithTimeout(ctx, p.txTimeout)
			defer cancel()
		}
	}

	var err error
	for attempt := 1; attempt <= p.txAttempts; attempt++ {
		err = p.runOnce(txnCtx, fn)
		if err == nil || !IsRetryable(err) {
			break
		}
	}
	return err
}

func (p *Provider) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("transaction.begin", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return WrapError("transaction.commit", err)
	}
	return nil
}
