package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/viberlabs/realtime/internal/domain"
	"github.com/viberlabs/realtime/internal/ephemeral"
)

// handleUserApproval records a one-shot approval decision and notifies the
// session's project topic. The decision is write-once per request: a second
// answer for the same session is dropped so the waiting agent only ever sees
// the first response.
func (g *Gateway) handleUserApproval(ctx context.Context, c *conn, raw json.RawMessage) error {
	var p approvalPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return fmt.Errorf("invalid approval payload: %w", errInvalidPayload(err))
	}

	if _, err := g.eph.Get(ctx, keyApproval(p.SessionID)); err == nil {
		slog.Debug("Dropping duplicate approval", "session_id", p.SessionID)
		return nil
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		slog.Warn("Approval read failed", "session_id", p.SessionID, "error", err)
	}

	decision := &domain.ApprovalDecision{
		SessionID: p.SessionID,
		Approved:  p.Approved,
		Feedback:  p.Feedback,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal approval decision: %w", err)
	}
	if err := g.eph.Set(ctx, keyApproval(p.SessionID), data, g.cfg.ApprovalTTL); err != nil {
		slog.Warn("Failed to store approval decision", "session_id", p.SessionID, "error", err)
	}

	session, err := g.loadSession(ctx, p.SessionID)
	if err != nil || session == nil {
		// The decision is stored either way; without a session there is no
		// topic to notify.
		return err
	}

	g.publish(ctx, topicProject(session.ProjectID), EvUserResponse, map[string]any{
		"sessionId": p.SessionID,
		"approved":  p.Approved,
		"feedback":  p.Feedback,
		"timestamp": timestamp(),
	})
	return nil
}

// handleCaptureRequest forwards a screenshot request to the project topic,
// where the editor extension picks it up. The gateway only carries the
// envelope; capture mechanics live in the extension.
func (g *Gateway) handleCaptureRequest(ctx context.Context, raw json.RawMessage) error {
	var p capturePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" || p.RequestID == "" {
		return fmt.Errorf("invalid capture payload: %w", errInvalidPayload(err))
	}

	g.publish(ctx, topicProject(p.ProjectID), EvCaptureRequested, map[string]any{
		"requestId": p.RequestID,
		"url":       p.URL,
		"timestamp": timestamp(),
	})
	return nil
}

// handleVisualChanged appends the observed state to the project's bounded
// visual history and rebroadcasts it.
func (g *Gateway) handleVisualChanged(ctx context.Context, raw json.RawMessage) error {
	var p visualPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" {
		return fmt.Errorf("invalid visual payload: %w", errInvalidPayload(err))
	}

	state := &domain.VisualState{
		ProjectID:     p.ProjectID,
		ScreenshotRef: p.Screenshot,
		DOMChanges:    p.Changes,
		Timestamp:     time.Now(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal visual state: %w", err)
	}
	if err := g.eph.Append(ctx, keyVisualRing(p.ProjectID), data, g.cfg.VisualHistoryMax, g.cfg.ContextTTL); err != nil {
		slog.Warn("Failed to record visual state", "project_id", p.ProjectID, "error", err)
	}

	g.publish(ctx, topicProject(p.ProjectID), EvVisualChanged, map[string]any{
		"projectId":  p.ProjectID,
		"changes":    p.Changes,
		"screenshot": p.Screenshot,
		"timestamp":  timestamp(),
	})
	return nil
}

// handleErrorDetected records the error in the fast-path ring and the
// durable store, rebroadcasts it, and asks the project's agent for a fix.
func (g *Gateway) handleErrorDetected(ctx context.Context, raw json.RawMessage) error {
	var p errorDetectedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" || p.Error == "" {
		return fmt.Errorf("invalid error payload: %w", errInvalidPayload(err))
	}

	if p.ErrorID == "" {
		p.ErrorID = uuid.NewString()
	}
	rec := &domain.ErrorRecord{
		ID:        p.ErrorID,
		ProjectID: p.ProjectID,
		SessionID: p.SessionID,
		Type:      p.Severity,
		Message:   p.Error,
		CreatedAt: time.Now(),
	}
	if rec.Type == "" {
		rec.Type = "error"
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	if err := g.eph.Append(ctx, keyErrorRing(p.ProjectID), data, g.cfg.ErrorHistoryMax, g.cfg.SessionTTL); err != nil {
		slog.Warn("Failed to record error", "project_id", p.ProjectID, "error", err)
	}
	g.durable("save error record", func(ctx context.Context) error {
		return g.bridge.SaveErrorRecord(ctx, rec)
	})

	topic := topicProject(p.ProjectID)
	g.publish(ctx, topic, EvErrorDetected, map[string]any{
		"projectId": p.ProjectID,
		"errorId":   p.ErrorID,
		"error":     p.Error,
		"severity":  rec.Type,
		"timestamp": timestamp(),
	})
	g.publish(ctx, topic, EvErrorFixRequest, map[string]any{
		"errorId":     p.ErrorID,
		"error":       p.Error,
		"codeContext": p.CodeContext,
		"timestamp":   timestamp(),
	})
	return nil
}

// handleErrorFixed resolves the durable record and rebroadcasts the fix.
func (g *Gateway) handleErrorFixed(ctx context.Context, raw json.RawMessage) error {
	var p errorFixedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" || p.ErrorID == "" {
		return fmt.Errorf("invalid error-fixed payload: %w", errInvalidPayload(err))
	}

	g.durable("resolve error record", func(ctx context.Context) error {
		return g.bridge.ResolveErrorRecord(ctx, p.ErrorID, time.Now())
	})

	g.publish(ctx, topicProject(p.ProjectID), EvErrorFixed, map[string]any{
		"projectId": p.ProjectID,
		"errorId":   p.ErrorID,
		"fix":       p.Fix,
		"timestamp": timestamp(),
	})
	return nil
}
