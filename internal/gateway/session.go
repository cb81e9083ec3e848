package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viberlabs/realtime/internal/bridge"
	"github.com/viberlabs/realtime/internal/domain"
	"github.com/viberlabs/realtime/internal/ephemeral"
)

// transition identifies a requested agent-session state change.
type transition int

const (
	transitionPause transition = iota
	transitionResume
	transitionStop
)

// handleSessionStart creates a new active session for a project. Starting is
// rejected while a non-terminal session exists for the same project; every
// other lifecycle event is a broadcast-on-change no-op.
func (g *Gateway) handleSessionStart(ctx context.Context, c *conn, sess *domain.ConnectionSession, raw json.RawMessage) error {
	var p sessionStartPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" {
		return fmt.Errorf("invalid start payload: %w", errInvalidPayload(err))
	}

	if current, _ := g.currentSession(ctx, p.ProjectID); current != nil && !current.Status.Terminal() {
		c.send(EvSessionError, map[string]string{
			"error":     "a build session is already running for this project",
			"sessionId": current.ID,
			"timestamp": timestamp(),
		})
		return nil
	}

	session := domain.NewAgentSession(uuid.NewString(), sess.UserID, p.ProjectID)
	g.storeSession(ctx, session)
	g.durable("save agent session", func(ctx context.Context) error {
		return g.bridge.SaveAgentSession(ctx, session)
	})

	g.publish(ctx, topicProject(p.ProjectID), EvSessionStarted, map[string]any{
		"sessionId": session.ID,
		"projectId": p.ProjectID,
		"status":    session.Status,
		"timestamp": timestamp(),
	})
	return nil
}

// handleSessionTransition applies pause/resume/stop through the state
// machine. Transitions that do not change state are silent no-ops: no
// broadcast, no error.
func (g *Gateway) handleSessionTransition(ctx context.Context, c *conn, raw json.RawMessage, t transition) error {
	var p sessionRefPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return fmt.Errorf("invalid session payload: %w", errInvalidPayload(err))
	}

	session, err := g.loadSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		c.send(EvSessionError, map[string]string{
			"error":     "unknown session",
			"sessionId": p.SessionID,
			"timestamp": timestamp(),
		})
		return nil
	}

	var changed bool
	var event string
	switch t {
	case transitionPause:
		changed, event = session.Pause(), EvSessionPaused
	case transitionResume:
		changed, event = session.Resume(), EvSessionResumed
	case transitionStop:
		changed, event = session.Complete(), EvSessionStopped
	}
	if !changed {
		return nil
	}

	g.storeSession(ctx, session)
	g.durable("save agent session", func(ctx context.Context) error {
		return g.bridge.SaveAgentSession(ctx, session)
	})

	payload := map[string]any{
		"sessionId": session.ID,
		"projectId": session.ProjectID,
		"timestamp": timestamp(),
	}
	if t == transitionStop {
		payload["finalProgress"] = session.Progress
	}
	g.publish(ctx, topicProject(session.ProjectID), event, payload)
	return nil
}

// storeSession writes the session to the fast path: one entry keyed by
// session id, and a pointer from the project to its current session.
func (g *Gateway) storeSession(ctx context.Context, session *domain.AgentSession) {
	data, err := json.Marshal(session)
	if err != nil {
		slog.Error("Failed to marshal agent session", "session_id", session.ID, "error", err)
		return
	}
	if err := g.eph.Set(ctx, keySession(session.ID), data, g.cfg.SessionTTL); err != nil {
		slog.Warn("Failed to cache agent session", "session_id", session.ID, "error", err)
	}
	if err := g.eph.Set(ctx, keyCurrentSession(session.ProjectID), []byte(session.ID), g.cfg.SessionTTL); err != nil {
		slog.Warn("Failed to cache current session pointer", "project_id", session.ProjectID, "error", err)
	}
}

// loadSession reads a session from the ephemeral store, falling back to the
// bridge when the fast path has expired or this instance has restarted.
func (g *Gateway) loadSession(ctx context.Context, sessionID string) (*domain.AgentSession, error) {
	data, err := g.eph.Get(ctx, keySession(sessionID))
	switch {
	case err == nil:
		var session domain.AgentSession
		if err := json.Unmarshal(data, &session); err == nil {
			return &session, nil
		}
		slog.Warn("Corrupt cached agent session, reloading", "session_id", sessionID)
	case !errors.Is(err, ephemeral.ErrNotFound):
		slog.Warn("Ephemeral session read failed", "session_id", sessionID, "error", err)
	}

	session, err := g.bridge.GetAgentSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load agent session: %w", err)
	}
	if session != nil {
		g.storeSession(ctx, session)
	}
	return session, nil
}

// currentSession resolves the project's current session, preferring the
// ephemeral pointer and falling back to the durable record.
func (g *Gateway) currentSession(ctx context.Context, projectID string) (*domain.AgentSession, error) {
	if id, err := g.eph.Get(ctx, keyCurrentSession(projectID)); err == nil {
		return g.loadSession(ctx, string(id))
	}
	session, err := g.bridge.GetCurrentAgentSession(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load current agent session: %w", err)
	}
	if session != nil {
		g.storeSession(ctx, session)
	}
	return session, nil
}

// repairAgentSession refreshes the ephemeral mirror when the change feed
// reports an agent-session mutation from elsewhere.
func (g *Gateway) repairAgentSession(ev bridge.ChangeEvent) {
	session, ok := ev.Payload.(*domain.AgentSession)
	if !ok || session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.storeSession(ctx, session)
}

// errInvalidPayload normalizes nil unmarshal errors so handlers can wrap a
// single failure cause.
func errInvalidPayload(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing required fields")
}
