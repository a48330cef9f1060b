package storage

import (
	"context"
	"log/slog"
	"time"
)

// RunTTLSweep deletes result records older than ttl every interval, until
// ctx is done. It runs as a background goroutine for the lifetime of the
// process; callers do not need to wait on it.
func RunTTLSweep(ctx context.Context, repo Repository, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteExpired(ctx, time.Now().Add(-ttl))
			if err != nil {
				slog.Warn("result ttl sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("result ttl sweep removed expired records", "count", n)
			}
		}
	}
}
