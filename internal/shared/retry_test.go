//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := RetrySQLiteConflict(context.Background(), 3, time.Millisecond, "test op", func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY: database is busy")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	wantErr := errors.New("constraint violation")
	err := RetrySQLiteConflict(context.Background(), 3, time.Millisecond, "test op", func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Non-conflict errors should not be retried, got %d calls", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := RetrySQLiteConflict(context.Background(), 3, time.Millisecond, "test op", func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Error("Expected final error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetrySQLiteConflict(ctx, 3, time.Minute, "test op", func() error {
		return errors.New("SQLITE_BUSY")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	if IsSQLiteConflictError(nil) {
		t.Error("nil is not a conflict")
	}
	if !IsSQLiteConflictError(errors.New("SQLITE_BUSY (5)")) {
		t.Error("Expected SQLITE_BUSY to be a conflict")
	}
	if !IsSQLiteConflictError(errors.New("database is locked")) {
		t.Error("Expected locked error to be a conflict")
	}
	if IsSQLiteConflictError(errors.New("syntax error")) {
		t.Error("Unrelated errors are not conflicts")
	}
}
