package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/viberlabs/realtime/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return repo
}

func TestProjectContextRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	pc := &domain.ProjectContext{
		ProjectID:   "proj-1",
		Title:       "Todo App",
		Description: "A simple todo application",
		TechStack:   []string{"react", "node"},
		Version:     3,
		UpdatedBy:   "user-1",
		UpdatedAt:   time.Now(),
	}
	if err := repo.UpsertProjectContext(ctx, pc); err != nil {
		t.Fatalf("UpsertProjectContext failed: %v", err)
	}

	got, err := repo.GetProjectContext(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProjectContext failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected context, got nil")
	}
	if got.Title != "Todo App" || got.Version != 3 || got.UpdatedBy != "user-1" {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if len(got.TechStack) != 2 {
		t.Errorf("Expected 2 tech stack entries, got %d", len(got.TechStack))
	}
}

func TestGetProjectContextMissing(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetProjectContext(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetProjectContext failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing context, got %+v", got)
	}
}

func TestUpsertProjectContextReplaces(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	pc := &domain.ProjectContext{ProjectID: "proj-1", Title: "v1", Version: 1}
	if err := repo.UpsertProjectContext(ctx, pc); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}

	pc.Title = "v2"
	pc.Version = 2
	if err := repo.UpsertProjectContext(ctx, pc); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	got, err := repo.GetProjectContext(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProjectContext failed: %v", err)
	}
	if got.Title != "v2" || got.Version != 2 {
		t.Errorf("Expected replaced context, got %+v", got)
	}
}

func TestAgentSessionRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	s := domain.NewAgentSession("sess-1", "user-1", "proj-1")
	s.CurrentTask = "scaffolding"
	s.Progress = 25
	if err := repo.UpsertAgentSession(ctx, s); err != nil {
		t.Fatalf("UpsertAgentSession failed: %v", err)
	}

	got, err := repo.GetAgentSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetAgentSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected session, got nil")
	}
	if got.Status != domain.StatusActive || got.CurrentTask != "scaffolding" || got.Progress != 25 {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}

func TestGetCurrentAgentSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := domain.NewAgentSession("sess-old", "user-1", "proj-1")
	old.CreatedAt = time.Now().Add(-time.Hour)
	old.Complete()
	if err := repo.UpsertAgentSession(ctx, old); err != nil {
		t.Fatalf("Upsert old session failed: %v", err)
	}

	current, err := repo.GetCurrentAgentSession(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetCurrentAgentSession failed: %v", err)
	}
	if current != nil {
		t.Errorf("Expected no current session when all are terminal, got %+v", current)
	}

	active := domain.NewAgentSession("sess-new", "user-1", "proj-1")
	if err := repo.UpsertAgentSession(ctx, active); err != nil {
		t.Fatalf("Upsert active session failed: %v", err)
	}

	current, err = repo.GetCurrentAgentSession(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetCurrentAgentSession failed: %v", err)
	}
	if current == nil || current.ID != "sess-new" {
		t.Errorf("Expected sess-new, got %+v", current)
	}

	// Paused sessions still count as current.
	active.Pause()
	if err := repo.UpsertAgentSession(ctx, active); err != nil {
		t.Fatalf("Upsert paused session failed: %v", err)
	}
	current, err = repo.GetCurrentAgentSession(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetCurrentAgentSession failed: %v", err)
	}
	if current == nil || current.Status != domain.StatusPaused {
		t.Errorf("Expected paused current session, got %+v", current)
	}
}

func TestListAgentSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"s1", "s2", "s3"} {
		s := domain.NewAgentSession(id, "user-1", "proj-1")
		s.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if err := repo.UpsertAgentSession(ctx, s); err != nil {
			t.Fatalf("Upsert %s failed: %v", id, err)
		}
	}

	sessions, err := repo.ListAgentSessions(ctx, "proj-1", 2)
	if err != nil {
		t.Fatalf("ListAgentSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "s3" {
		t.Errorf("Expected newest first, got %s", sessions[0].ID)
	}
}

func TestErrorRecordLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	rec := &domain.ErrorRecord{
		ID:        "err-1",
		ProjectID: "proj-1",
		SessionID: "sess-1",
		Type:      "runtime",
		Message:   "undefined is not a function",
		CreatedAt: time.Now(),
	}
	if err := repo.InsertErrorRecord(ctx, rec); err != nil {
		t.Fatalf("InsertErrorRecord failed: %v", err)
	}

	got, err := repo.GetErrorRecord(ctx, "err-1")
	if err != nil {
		t.Fatalf("GetErrorRecord failed: %v", err)
	}
	if got == nil || got.Resolved {
		t.Fatalf("Expected unresolved record, got %+v", got)
	}

	if err := repo.ResolveErrorRecord(ctx, "err-1", time.Now()); err != nil {
		t.Fatalf("ResolveErrorRecord failed: %v", err)
	}
	// Resolving again is a no-op.
	if err := repo.ResolveErrorRecord(ctx, "err-1", time.Now()); err != nil {
		t.Fatalf("Repeated resolve failed: %v", err)
	}
	// Resolving an unknown id is not an error.
	if err := repo.ResolveErrorRecord(ctx, "absent", time.Now()); err != nil {
		t.Fatalf("Resolve of unknown id failed: %v", err)
	}

	got, err = repo.GetErrorRecord(ctx, "err-1")
	if err != nil {
		t.Fatalf("GetErrorRecord failed: %v", err)
	}
	if !got.Resolved || got.ResolvedAt == nil {
		t.Errorf("Expected resolved record, got %+v", got)
	}

	records, err := repo.ListErrorRecords(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("ListErrorRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(records))
	}
}

func TestProgressRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	p := &domain.Progress{
		ProjectID:         "proj-1",
		TotalFeatures:     10,
		CompletedFeatures: 4,
		CurrentFeature:    "auth",
		Percentage:        40,
		Milestones:        []string{"scaffold", "database"},
		LastUpdated:       time.Now(),
	}
	if err := repo.UpsertProgress(ctx, p); err != nil {
		t.Fatalf("UpsertProgress failed: %v", err)
	}

	got, err := repo.GetProgress(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected progress, got nil")
	}
	if got.Percentage != 40 || got.CurrentFeature != "auth" || len(got.Milestones) != 2 {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}

func TestUserSettingsRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	s := &domain.UserSettings{
		UserID:        "user-1",
		AIModel:       "default",
		Theme:         "dark",
		Notifications: true,
		Extensions:    []string{"linter"},
	}
	if err := repo.UpsertUserSettings(ctx, s); err != nil {
		t.Fatalf("UpsertUserSettings failed: %v", err)
	}

	got, err := repo.GetUserSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserSettings failed: %v", err)
	}
	if got == nil || got.Theme != "dark" || !got.Notifications {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}

func TestChangeLogCapturesWrites(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base, err := repo.LatestChangeSeq(ctx)
	if err != nil {
		t.Fatalf("LatestChangeSeq failed: %v", err)
	}

	if err := repo.UpsertProjectContext(ctx, &domain.ProjectContext{ProjectID: "proj-1", Version: 1}); err != nil {
		t.Fatalf("UpsertProjectContext failed: %v", err)
	}
	if err := repo.UpsertAgentSession(ctx, domain.NewAgentSession("sess-1", "u", "proj-1")); err != nil {
		t.Fatalf("UpsertAgentSession failed: %v", err)
	}

	changes, err := repo.ChangesSince(ctx, base, 100)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("Expected 2 change rows, got %d", len(changes))
	}
	if changes[0].EntityKind != KindProjectContext || changes[0].ChangeType != ChangeInsert {
		t.Errorf("Unexpected first change: %+v", changes[0])
	}
	if changes[1].EntityKind != KindAgentSession || changes[1].EntityID != "sess-1" {
		t.Errorf("Unexpected second change: %+v", changes[1])
	}
	if changes[0].Seq >= changes[1].Seq {
		t.Error("Expected strictly increasing sequence numbers")
	}

	// An update on an existing row logs an update, not an insert.
	if err := repo.UpsertProjectContext(ctx, &domain.ProjectContext{ProjectID: "proj-1", Version: 2}); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	changes, err = repo.ChangesSince(ctx, changes[1].Seq, 100)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(changes) != 1 || changes[0].ChangeType != ChangeUpdate {
		t.Errorf("Expected a single update change, got %+v", changes)
	}

	latest, err := repo.LatestChangeSeq(ctx)
	if err != nil {
		t.Fatalf("LatestChangeSeq failed: %v", err)
	}
	if latest != changes[0].Seq {
		t.Errorf("Expected latest seq %d, got %d", changes[0].Seq, latest)
	}
}

func TestCleanupAgentSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := domain.NewAgentSession("sess-old", "u", "proj-1")
	old.Complete()
	old.LastActivity = time.Now().Add(-48 * time.Hour)
	if err := repo.UpsertAgentSession(ctx, old); err != nil {
		t.Fatalf("Upsert old session failed: %v", err)
	}

	// Active sessions are never cleaned up regardless of age.
	stale := domain.NewAgentSession("sess-stale", "u", "proj-1")
	stale.LastActivity = time.Now().Add(-48 * time.Hour)
	if err := repo.UpsertAgentSession(ctx, stale); err != nil {
		t.Fatalf("Upsert stale session failed: %v", err)
	}

	deleted, err := repo.CleanupAgentSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupAgentSessions failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted session, got %d", deleted)
	}

	got, err := repo.GetAgentSession(ctx, "sess-stale")
	if err != nil {
		t.Fatalf("GetAgentSession failed: %v", err)
	}
	if got == nil {
		t.Error("Active session should survive cleanup")
	}
}

func TestCleanupResolvedErrors(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := &domain.ErrorRecord{
		ID: "err-old", ProjectID: "p", Type: "runtime", Message: "m",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	old.Resolve()
	if err := repo.InsertErrorRecord(ctx, old); err != nil {
		t.Fatalf("Insert old error failed: %v", err)
	}

	open := &domain.ErrorRecord{
		ID: "err-open", ProjectID: "p", Type: "runtime", Message: "m",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := repo.InsertErrorRecord(ctx, open); err != nil {
		t.Fatalf("Insert open error failed: %v", err)
	}

	deleted, err := repo.CleanupResolvedErrors(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupResolvedErrors failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted error, got %d", deleted)
	}

	got, err := repo.GetErrorRecord(ctx, "err-open")
	if err != nil {
		t.Fatalf("GetErrorRecord failed: %v", err)
	}
	if got == nil {
		t.Error("Unresolved error should survive cleanup")
	}
}
