package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/viberlabs/realtime/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
//
// Row-level change capture is done with AFTER INSERT/UPDATE/DELETE triggers
// that append to the record_changes table; the bridge's change feed tails
// that table, so no write path needs to remember to log its own change.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS project_contexts (
		project_id TEXT PRIMARY KEY,
		context_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		updated_by TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_task TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_project ON agent_sessions(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_activity ON agent_sessions(last_activity);

	CREATE TABLE IF NOT EXISTS error_records (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		session_id TEXT,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_error_records_project ON error_records(project_id, created_at);

	CREATE TABLE IF NOT EXISTS progress_records (
		project_id TEXT PRIMARY KEY,
		total_features INTEGER NOT NULL DEFAULT 0,
		completed_features INTEGER NOT NULL DEFAULT 0,
		current_feature TEXT,
		percentage INTEGER NOT NULL DEFAULT 0,
		milestones_json TEXT,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		settings_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS record_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_kind TEXT NOT NULL,
		change_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		changed_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return s.initTriggers()
}

// changeTriggerTables maps each logged table to its entity kind and id column.
var changeTriggerTables = []struct {
	table    string
	kind     string
	idColumn string
}{
	{"project_contexts", KindProjectContext, "project_id"},
	{"agent_sessions", KindAgentSession, "id"},
	{"error_records", KindErrorRecord, "id"},
	{"progress_records", KindProgress, "project_id"},
	{"user_settings", KindUserSettings, "user_id"},
}

func (s *SQLiteStore) initTriggers() error {
	ops := []struct {
		event      string
		changeType string
		ref        string
	}{
		{"INSERT", ChangeInsert, "NEW"},
		{"UPDATE", ChangeUpdate, "NEW"},
		{"DELETE", ChangeDelete, "OLD"},
	}
	for _, t := range changeTriggerTables {
		for _, op := range ops {
			stmt := fmt.Sprintf(`
				CREATE TRIGGER IF NOT EXISTS trg_%s_%s AFTER %s ON %s
				BEGIN
					INSERT INTO record_changes (entity_kind, change_type, entity_id, changed_at)
					VALUES ('%s', '%s', %s.%s, unixepoch());
				END;`,
				t.table, op.changeType, op.event, t.table,
				t.kind, op.changeType, op.ref, t.idColumn,
			)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("create %s %s trigger: %w", t.table, op.changeType, err)
			}
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertProjectContext creates or replaces the context document for a project.
func (s *SQLiteStore) UpsertProjectContext(ctx context.Context, pc *domain.ProjectContext) error {
	contextJSON, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal project context: %w", err)
	}

	query := `
	INSERT INTO project_contexts (project_id, context_json, version, updated_by, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id) DO UPDATE SET
		context_json = excluded.context_json,
		version = excluded.version,
		updated_by = excluded.updated_by,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, query,
		pc.ProjectID, string(contextJSON), pc.Version, pc.UpdatedBy, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert project context: %w", err)
	}
	return nil
}

// GetProjectContext retrieves a project's context document.
func (s *SQLiteStore) GetProjectContext(ctx context.Context, projectID string) (*domain.ProjectContext, error) {
	query := `SELECT context_json FROM project_contexts WHERE project_id = ?`
	row := s.db.QueryRowContext(ctx, query, projectID)

	var contextJSON string
	err := row.Scan(&contextJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project context: %w", err)
	}

	var pc domain.ProjectContext
	if err := json.Unmarshal([]byte(contextJSON), &pc); err != nil {
		return nil, fmt.Errorf("unmarshal project context: %w", err)
	}
	return &pc, nil
}

// UpsertAgentSession creates or updates an agent session record.
func (s *SQLiteStore) UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error {
	query := `
	INSERT INTO agent_sessions (id, user_id, project_id, status, current_task, progress, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		current_task = excluded.current_task,
		progress = excluded.progress,
		last_activity = excluded.last_activity`

	var currentTask interface{}
	if session.CurrentTask != "" {
		currentTask = session.CurrentTask
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.ProjectID, string(session.Status),
		currentTask, session.Progress,
		session.CreatedAt.Unix(), session.LastActivity.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

const agentSessionColumns = `id, user_id, project_id, status, current_task, progress, created_at, last_activity`

func scanAgentSession(row interface{ Scan(...interface{}) error }) (*domain.AgentSession, error) {
	var session domain.AgentSession
	var status string
	var currentTask sql.NullString
	var createdAt, lastActivity int64

	err := row.Scan(
		&session.ID, &session.UserID, &session.ProjectID, &status,
		&currentTask, &session.Progress, &createdAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatus(status)
	session.CurrentTask = currentTask.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastActivity = time.Unix(lastActivity, 0)
	return &session, nil
}

// GetAgentSession retrieves an agent session by id.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, id string) (*domain.AgentSession, error) {
	query := `SELECT ` + agentSessionColumns + ` FROM agent_sessions WHERE id = ?`
	session, err := scanAgentSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}
	return session, nil
}

// GetCurrentAgentSession returns the newest non-terminal session for a project.
func (s *SQLiteStore) GetCurrentAgentSession(ctx context.Context, projectID string) (*domain.AgentSession, error) {
	query := `
		SELECT ` + agentSessionColumns + ` FROM agent_sessions
		WHERE project_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`
	session, err := scanAgentSession(s.db.QueryRowContext(ctx, query,
		projectID, string(domain.StatusActive), string(domain.StatusPaused)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan current agent session: %w", err)
	}
	return session, nil
}

// ListAgentSessions returns up to limit sessions for a project, newest first.
func (s *SQLiteStore) ListAgentSessions(ctx context.Context, projectID string, limit int) ([]*domain.AgentSession, error) {
	query := `
		SELECT ` + agentSessionColumns + ` FROM agent_sessions
		WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query agent sessions: %w", err)
	}
	defer closeRows(rows, "agent sessions")

	var sessions []*domain.AgentSession
	for rows.Next() {
		session, err := scanAgentSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent sessions: %w", err)
	}
	return sessions, nil
}

// InsertErrorRecord persists a newly detected error.
func (s *SQLiteStore) InsertErrorRecord(ctx context.Context, rec *domain.ErrorRecord) error {
	query := `
	INSERT INTO error_records (id, project_id, session_id, type, message, resolved, created_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	var sessionID interface{}
	if rec.SessionID != "" {
		sessionID = rec.SessionID
	}
	var resolvedAt interface{}
	if rec.ResolvedAt != nil {
		resolvedAt = rec.ResolvedAt.Unix()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ProjectID, sessionID, rec.Type, rec.Message,
		rec.Resolved, rec.CreatedAt.Unix(), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// GetErrorRecord retrieves an error record by id.
func (s *SQLiteStore) GetErrorRecord(ctx context.Context, id string) (*domain.ErrorRecord, error) {
	query := `
		SELECT id, project_id, session_id, type, message, resolved, created_at, resolved_at
		FROM error_records WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var rec domain.ErrorRecord
	var sessionID sql.NullString
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.ProjectID, &sessionID, &rec.Type, &rec.Message,
		&rec.Resolved, &createdAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan error record: %w", err)
	}

	rec.SessionID = sessionID.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		ts := time.Unix(resolvedAt.Int64, 0)
		rec.ResolvedAt = &ts
	}
	return &rec, nil
}

// ResolveErrorRecord marks an error fixed.
func (s *SQLiteStore) ResolveErrorRecord(ctx context.Context, errorID string, resolvedAt time.Time) error {
	query := `UPDATE error_records SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`
	result, err := s.db.ExecContext(ctx, query, resolvedAt.Unix(), errorID)
	if err != nil {
		return fmt.Errorf("resolve error record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("ResolveErrorRecord affected 0 rows", "error_id", errorID)
	}
	return nil
}

// ListErrorRecords returns up to limit errors for a project, newest first.
func (s *SQLiteStore) ListErrorRecords(ctx context.Context, projectID string, limit int) ([]*domain.ErrorRecord, error) {
	query := `
		SELECT id, project_id, session_id, type, message, resolved, created_at, resolved_at
		FROM error_records WHERE project_id = ?
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query error records: %w", err)
	}
	defer closeRows(rows, "error records")

	var records []*domain.ErrorRecord
	for rows.Next() {
		var rec domain.ErrorRecord
		var sessionID sql.NullString
		var createdAt int64
		var resolvedAt sql.NullInt64

		if err := rows.Scan(
			&rec.ID, &rec.ProjectID, &sessionID, &rec.Type, &rec.Message,
			&rec.Resolved, &createdAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan error record row: %w", err)
		}

		rec.SessionID = sessionID.String
		rec.CreatedAt = time.Unix(createdAt, 0)
		if resolvedAt.Valid {
			ts := time.Unix(resolvedAt.Int64, 0)
			rec.ResolvedAt = &ts
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return records, nil
}

// UpsertProgress creates or replaces a project's progress record.
func (s *SQLiteStore) UpsertProgress(ctx context.Context, p *domain.Progress) error {
	var milestonesJSON interface{}
	if len(p.Milestones) > 0 {
		data, err := json.Marshal(p.Milestones)
		if err != nil {
			return fmt.Errorf("marshal milestones: %w", err)
		}
		milestonesJSON = string(data)
	}

	query := `
	INSERT INTO progress_records (project_id, total_features, completed_features, current_feature, percentage, milestones_json, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id) DO UPDATE SET
		total_features = excluded.total_features,
		completed_features = excluded.completed_features,
		current_feature = excluded.current_feature,
		percentage = excluded.percentage,
		milestones_json = excluded.milestones_json,
		last_updated = excluded.last_updated`

	var currentFeature interface{}
	if p.CurrentFeature != "" {
		currentFeature = p.CurrentFeature
	}

	_, err := s.db.ExecContext(ctx, query,
		p.ProjectID, p.TotalFeatures, p.CompletedFeatures,
		currentFeature, p.Percentage, milestonesJSON, p.LastUpdated.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// GetProgress retrieves a project's progress record.
func (s *SQLiteStore) GetProgress(ctx context.Context, projectID string) (*domain.Progress, error) {
	query := `
		SELECT project_id, total_features, completed_features, current_feature, percentage, milestones_json, last_updated
		FROM progress_records WHERE project_id = ?`
	row := s.db.QueryRowContext(ctx, query, projectID)

	var p domain.Progress
	var currentFeature, milestonesJSON sql.NullString
	var lastUpdated int64

	err := row.Scan(
		&p.ProjectID, &p.TotalFeatures, &p.CompletedFeatures,
		&currentFeature, &p.Percentage, &milestonesJSON, &lastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan progress: %w", err)
	}

	p.CurrentFeature = currentFeature.String
	p.LastUpdated = time.Unix(lastUpdated, 0)
	if milestonesJSON.Valid {
		if err := json.Unmarshal([]byte(milestonesJSON.String), &p.Milestones); err != nil {
			return nil, fmt.Errorf("unmarshal milestones: %w", err)
		}
	}
	return &p, nil
}

// UpsertUserSettings creates or replaces a user's settings.
func (s *SQLiteStore) UpsertUserSettings(ctx context.Context, settings *domain.UserSettings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal user settings: %w", err)
	}

	query := `
	INSERT INTO user_settings (user_id, settings_json, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		settings_json = excluded.settings_json,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, query, settings.UserID, string(settingsJSON), now, now)
	if err != nil {
		return fmt.Errorf("upsert user settings: %w", err)
	}
	return nil
}

// GetUserSettings retrieves a user's settings.
func (s *SQLiteStore) GetUserSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	query := `SELECT settings_json FROM user_settings WHERE user_id = ?`
	row := s.db.QueryRowContext(ctx, query, userID)

	var settingsJSON string
	err := row.Scan(&settingsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user settings: %w", err)
	}

	var settings domain.UserSettings
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return nil, fmt.Errorf("unmarshal user settings: %w", err)
	}
	return &settings, nil
}

// ChangesSince returns change-log rows with seq greater than the given value.
func (s *SQLiteStore) ChangesSince(ctx context.Context, seq int64, limit int) ([]RecordChange, error) {
	query := `
		SELECT seq, entity_kind, change_type, entity_id, changed_at
		FROM record_changes WHERE seq > ? ORDER BY seq LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("query record changes: %w", err)
	}
	defer closeRows(rows, "record changes")

	var changes []RecordChange
	for rows.Next() {
		var c RecordChange
		var changedAt int64
		if err := rows.Scan(&c.Seq, &c.EntityKind, &c.ChangeType, &c.EntityID, &changedAt); err != nil {
			return nil, fmt.Errorf("scan record change row: %w", err)
		}
		c.ChangedAt = time.Unix(changedAt, 0)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record changes: %w", err)
	}
	return changes, nil
}

// LatestChangeSeq returns the highest sequence number in the change log.
func (s *SQLiteStore) LatestChangeSeq(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM record_changes`)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("scan latest change seq: %w", err)
	}
	return seq, nil
}

// CleanupAgentSessions removes terminal sessions past the retention window.
func (s *SQLiteStore) CleanupAgentSessions(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	query := `DELETE FROM agent_sessions WHERE status IN (?, ?) AND last_activity < ?`
	result, err := s.db.ExecContext(ctx, query,
		string(domain.StatusCompleted), string(domain.StatusError), threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup agent sessions: %w", err)
	}
	return result.RowsAffected()
}

// CleanupResolvedErrors removes resolved errors past the retention window.
func (s *SQLiteStore) CleanupResolvedErrors(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	query := `DELETE FROM error_records WHERE resolved = 1 AND created_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup resolved errors: %w", err)
	}
	return result.RowsAffected()
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
