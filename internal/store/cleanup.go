package store

import (
	"context"
	"log/slog"
	"time"
)

// StartCleanupWorker runs a background goroutine that periodically removes
// session and transcript rows whose last update is older than the TTL. It
// stops when the context is canceled.
func StartCleanupWorker(ctx context.Context, repo Repository, interval, ttl time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Cleanup worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepStaleSessions(ctx, repo, ttl, logger)
			case <-ctx.Done():
				logger.Info("Cleanup worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepStaleSessions(ctx context.Context, repo Repository, ttl time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	deleted, err := repo.CleanupSessions(ctx, ttl)
	if err != nil {
		logger.Error("Session cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		logger.Info("Cleaned up stale sessions", "deleted", deleted)
	}
}
