package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetrySQLiteConflict runs fn, retrying with exponential backoff while it
// fails with a SQLite concurrency error (SQLITE_BUSY / database is locked).
// Backoff doubles per attempt starting at baseDelay. Any other error, or
// context cancellation, stops the retries immediately.
func RetrySQLiteConflict(ctx context.Context, attempts int, baseDelay time.Duration, op string, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
