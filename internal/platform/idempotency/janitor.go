package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger is the part of Store the janitor needs.
type Purger interface {
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// RunJanitor purges expired keys every interval until ctx is done. A full batch is followed
// immediately by another pass so a backlog drains without waiting for the next tick.
func RunJanitor(ctx context.Context, store Purger, interval time.Duration, batch int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeExpired(ctx, store, batch, logger)
		}
	}
}

func purgeExpired(ctx context.Context, store Purger, batch int, logger *zap.Logger) int {
	total := 0
	for ctx.Err() == nil {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		removed, err := store.Purge(runCtx, time.Now().UTC(), batch)
		cancel()
		if err != nil {
			logger.Error("idempotency purge failed", zap.Error(err))
			break
		}
		total += removed
		if batch <= 0 || removed < batch {
			break
		}
	}
	if total > 0 {
		logger.Info("idempotency keys purged", zap.Int("count", total))
	}
	return total
}
