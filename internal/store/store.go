// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/viberlabs/realtime/internal/domain"
)

// Entity kinds recorded in the change log. The bridge re-emits these names
// verbatim in its normalized change events.
const (
	KindProjectContext = "project_context"
	KindAgentSession   = "agent_session"
	KindErrorRecord    = "error_record"
	KindProgress       = "progress"
	KindUserSettings   = "user_settings"
)

// Change types recorded in the change log.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// RecordChange is one row-level change captured by the backing store.
type RecordChange struct {
	Seq        int64
	EntityKind string
	ChangeType string
	EntityID   string
	ChangedAt  time.Time
}

// Repository defines the interface for canonical record persistence.
//
// Every mutation is also captured in an append-only change log that
// ChangesSince exposes; the bridge tails it to rebuild ephemeral state and to
// keep instances eventually consistent.
type Repository interface {
	// UpsertProjectContext creates or replaces the context document for a
	// project.
	UpsertProjectContext(ctx context.Context, pc *domain.ProjectContext) error

	// GetProjectContext retrieves a project's context document, or nil if
	// none has been saved.
	GetProjectContext(ctx context.Context, projectID string) (*domain.ProjectContext, error)

	// UpsertAgentSession creates or updates an agent session record.
	UpsertAgentSession(ctx context.Context, s *domain.AgentSession) error

	// GetAgentSession retrieves an agent session by id, or nil.
	GetAgentSession(ctx context.Context, id string) (*domain.AgentSession, error)

	// GetCurrentAgentSession returns the newest non-terminal session for a
	// project, or nil if every session has finished.
	GetCurrentAgentSession(ctx context.Context, projectID string) (*domain.AgentSession, error)

	// ListAgentSessions returns up to limit sessions for a project, newest
	// first.
	ListAgentSessions(ctx context.Context, projectID string, limit int) ([]*domain.AgentSession, error)

	// InsertErrorRecord persists a newly detected error.
	InsertErrorRecord(ctx context.Context, rec *domain.ErrorRecord) error

	// GetErrorRecord retrieves an error record by id, or nil.
	GetErrorRecord(ctx context.Context, id string) (*domain.ErrorRecord, error)

	// ResolveErrorRecord marks an error fixed. Resolving an already
	// resolved or unknown error is not an error.
	ResolveErrorRecord(ctx context.Context, errorID string, resolvedAt time.Time) error

	// ListErrorRecords returns up to limit errors for a project, newest
	// first.
	ListErrorRecords(ctx context.Context, projectID string, limit int) ([]*domain.ErrorRecord, error)

	// UpsertProgress creates or replaces a project's progress record.
	UpsertProgress(ctx context.Context, p *domain.Progress) error

	// GetProgress retrieves a project's progress record, or nil.
	GetProgress(ctx context.Context, projectID string) (*domain.Progress, error)

	// UpsertUserSettings creates or replaces a user's settings.
	UpsertUserSettings(ctx context.Context, s *domain.UserSettings) error

	// GetUserSettings retrieves a user's settings, or nil.
	GetUserSettings(ctx context.Context, userID string) (*domain.UserSettings, error)

	// ChangesSince returns up to limit change-log rows with Seq greater
	// than seq, in sequence order.
	ChangesSince(ctx context.Context, seq int64, limit int) ([]RecordChange, error)

	// LatestChangeSeq returns the highest sequence number in the change
	// log, or 0 when the log is empty.
	LatestChangeSeq(ctx context.Context) (int64, error)

	// CleanupAgentSessions removes terminal sessions whose last activity
	// is older than the retention window. Returns rows deleted.
	CleanupAgentSessions(ctx context.Context, retention time.Duration) (int64, error)

	// CleanupResolvedErrors removes resolved errors older than the
	// retention window. Returns rows deleted.
	CleanupResolvedErrors(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
