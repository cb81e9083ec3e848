package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/viberlabs/realtime/internal/store"
)

// StartRetentionWorker runs a background goroutine that periodically removes
// finished agent sessions and resolved errors older than the retention
// window. Ephemeral copies of the same records expire on their own TTLs;
// this keeps the durable tables from growing without bound.
func StartRetentionWorker(ctx context.Context, repo store.Repository, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, repo store.Repository, retention time.Duration) {
	if deleted, err := repo.CleanupAgentSessions(ctx, retention); err != nil {
		slog.Error("Retention worker failed to cleanup agent sessions", "error", err)
	} else if deleted > 0 {
		slog.Info("Retention worker removed finished agent sessions", "count", deleted)
	}

	if deleted, err := repo.CleanupResolvedErrors(ctx, retention); err != nil {
		slog.Error("Retention worker failed to cleanup resolved errors", "error", err)
	} else if deleted > 0 {
		slog.Info("Retention worker removed resolved errors", "count", deleted)
	}
}
