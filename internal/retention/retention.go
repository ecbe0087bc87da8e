// Package retention deletes web-vital rows older than the configured horizon.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is the slice of the storage surface the retention job needs.
type Store interface {
	DeleteVitalsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Run sweeps immediately, then once per interval until ctx is canceled.
func Run(ctx context.Context, store Store, horizon, interval time.Duration, logger *zap.SugaredLogger) {
	sweep(ctx, store, horizon, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, store, horizon, logger)
		}
	}
}

func sweep(ctx context.Context, store Store, horizon time.Duration, logger *zap.SugaredLogger) {
	cutoff := time.Now().UTC().Add(-horizon)
	deleted, err := store.DeleteVitalsBefore(ctx, cutoff)
	if err != nil {
		logger.Errorf("retention sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		logger.Infow("retention sweep", "deleted", deleted, "cutoff", cutoff)
	}
}
