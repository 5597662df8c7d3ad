package engine

import (
	"context"
	"log/slog"
	"time"
)

// PurgeOnce deletes tokens that expired more than retention ago.
func (e *Engine) PurgeOnce(ctx context.Context, retention time.Duration) (int, error) {
	return e.Tokens.PurgeExpired(ctx, e.clock.Now().Add(-retention))
}

// RunMaintenance purges expired tokens every interval until ctx is done. A
// failed pass is logged and retried on the next tick.
func (e *Engine) RunMaintenance(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.PurgeOnce(ctx, retention); err != nil && ctx.Err() == nil {
				e.logger.Error("token purge failed", slog.String("error", err.Error()))
			}
		}
	}
}
