// Package bridge implements the durable record bridge: canonical persistence
// plus a normalized change-event feed for recovery and cross-instance
// consistency.
//
// The gateway never talks to the persistence technology directly. It saves
// and loads records through the bridge, and registers change callbacks that
// fire for every row-level mutation of a backing table, whichever process
// performed it. If the ephemeral store is flushed or an instance restarts,
// current state is reconstructed by reading back through the bridge.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/viberlabs/realtime/internal/domain"
	"github.com/viberlabs/realtime/internal/shared"
	"github.com/viberlabs/realtime/internal/store"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// ChangeEvent is a normalized record-change notification.
type ChangeEvent struct {
	EntityKind string
	ChangeType string
	EntityID   string
	// Payload holds the current record (*domain.ProjectContext,
	// *domain.AgentSession, ...) or nil for deletes.
	Payload any
}

// Callback receives change events for a subscribed entity kind. Callbacks
// run on the feed goroutine and must not block.
type Callback func(ChangeEvent)

// KindAll subscribes a callback to every entity kind.
const KindAll = "*"

// Bridge persists canonical records and re-emits their changes.
type Bridge struct {
	repo store.Repository
	feed *ChangeFeed

	mu        sync.RWMutex
	callbacks map[string][]Callback
}

// New creates a bridge over the given repository. pollInterval controls how
// often the change feed tails the repository's change log.
func New(repo store.Repository, pollInterval time.Duration) *Bridge {
	b := &Bridge{
		repo:      repo,
		callbacks: make(map[string][]Callback),
	}
	b.feed = newChangeFeed(repo, pollInterval, b.dispatch)
	return b
}

// Start launches the change feed. It stops when ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	return b.feed.start(ctx)
}

// Wait blocks until the change feed goroutine has exited.
func (b *Bridge) Wait() {
	b.feed.wait()
}

// OnChange registers cb for changes to the given entity kind (or KindAll).
func (b *Bridge) OnChange(entityKind string, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks[entityKind] = append(b.callbacks[entityKind], cb)
}

func (b *Bridge) dispatch(ev ChangeEvent) {
	b.mu.RLock()
	cbs := append([]Callback(nil), b.callbacks[ev.EntityKind]...)
	cbs = append(cbs, b.callbacks[KindAll]...)
	b.mu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// retryWrite wraps a durable write with conflict retries. Failures after the
// final attempt are returned to the caller, who reports them as a
// {success:false} acknowledgment; they never crash the process.
func (b *Bridge) retryWrite(ctx context.Context, op string, fn func() error) error {
	return shared.RetrySQLiteConflict(ctx, writeAttempts, writeBaseDelay, op, fn)
}

// SaveProjectContext persists a project context document.
func (b *Bridge) SaveProjectContext(ctx context.Context, pc *domain.ProjectContext) error {
	return b.retryWrite(ctx, "save project context", func() error {
		return b.repo.UpsertProjectContext(ctx, pc)
	})
}

// GetProjectContext loads a project context document, or nil.
func (b *Bridge) GetProjectContext(ctx context.Context, projectID string) (*domain.ProjectContext, error) {
	return b.repo.GetProjectContext(ctx, projectID)
}

// SaveAgentSession persists an agent session record.
func (b *Bridge) SaveAgentSession(ctx context.Context, s *domain.AgentSession) error {
	return b.retryWrite(ctx, "save agent session", func() error {
		return b.repo.UpsertAgentSession(ctx, s)
	})
}

// GetAgentSession loads an agent session by id, or nil.
func (b *Bridge) GetAgentSession(ctx context.Context, id string) (*domain.AgentSession, error) {
	return b.repo.GetAgentSession(ctx, id)
}

// GetCurrentAgentSession loads the newest non-terminal session for a project.
func (b *Bridge) GetCurrentAgentSession(ctx context.Context, projectID string) (*domain.AgentSession, error) {
	return b.repo.GetCurrentAgentSession(ctx, projectID)
}

// SaveErrorRecord persists a detected error.
func (b *Bridge) SaveErrorRecord(ctx context.Context, rec *domain.ErrorRecord) error {
	return b.retryWrite(ctx, "save error record", func() error {
		return b.repo.InsertErrorRecord(ctx, rec)
	})
}

// ResolveErrorRecord marks a persisted error fixed.
func (b *Bridge) ResolveErrorRecord(ctx context.Context, errorID string, resolvedAt time.Time) error {
	return b.retryWrite(ctx, "resolve error record", func() error {
		return b.repo.ResolveErrorRecord(ctx, errorID, resolvedAt)
	})
}

// ListErrorRecords loads recent errors for a project, newest first.
func (b *Bridge) ListErrorRecords(ctx context.Context, projectID string, limit int) ([]*domain.ErrorRecord, error) {
	return b.repo.ListErrorRecords(ctx, projectID, limit)
}

// SaveProgress persists a project's progress record.
func (b *Bridge) SaveProgress(ctx context.Context, p *domain.Progress) error {
	return b.retryWrite(ctx, "save progress", func() error {
		return b.repo.UpsertProgress(ctx, p)
	})
}

// GetProgress loads a project's progress record, or nil.
func (b *Bridge) GetProgress(ctx context.Context, projectID string) (*domain.Progress, error) {
	return b.repo.GetProgress(ctx, projectID)
}

// SaveUserSettings persists a user's settings.
func (b *Bridge) SaveUserSettings(ctx context.Context, s *domain.UserSettings) error {
	return b.retryWrite(ctx, "save user settings", func() error {
		return b.repo.UpsertUserSettings(ctx, s)
	})
}

// GetUserSettings loads a user's settings, or nil.
func (b *Bridge) GetUserSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	return b.repo.GetUserSettings(ctx, userID)
}
