package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viberlabs/realtime/internal/domain"
	"github.com/viberlabs/realtime/internal/ephemeral"
)

// cachedContext is the ephemeral representation of a project context: the
// raw client document plus the metadata the gateway maintains around it.
type cachedContext struct {
	ProjectID string          `json:"projectId"`
	Context   json.RawMessage `json:"context"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updatedBy"`
}

// handleContextUpdate applies a fast-path context write and broadcasts it.
// Writes resolve last-write-wins; the version counter is bumped on every
// accepted write so collaborators can detect that they raced each other.
// Nothing durable happens here; persistence waits for an explicit save.
func (g *Gateway) handleContextUpdate(ctx context.Context, c *conn, sess *domain.ConnectionSession, raw json.RawMessage) error {
	var p contextUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" || len(p.Context) == 0 {
		return fmt.Errorf("invalid context payload: %w", errInvalidPayload(err))
	}

	cached, err := g.loadContext(ctx, p.ProjectID)
	if err != nil {
		slog.Warn("Context load failed, starting fresh", "project_id", p.ProjectID, "error", err)
	}
	var version int64
	if cached != nil {
		version = cached.Version
		if p.Version != 0 && p.Version < version {
			slog.Debug("Stale context write accepted last-write-wins",
				"project_id", p.ProjectID, "client_version", p.Version, "current_version", version)
		}
	}
	version++

	next := &cachedContext{
		ProjectID: p.ProjectID,
		Context:   p.Context,
		Version:   version,
		UpdatedBy: sess.UserID,
	}
	g.storeContext(ctx, next)

	g.publish(ctx, topicProject(p.ProjectID), EvContextUpdated, map[string]any{
		"projectId": p.ProjectID,
		"context":   p.Context,
		"version":   version,
		"updatedBy": sess.UserID,
		"timestamp": timestamp(),
	})
	return nil
}

// handleContextSave flushes the context to durable storage. Unlike the
// fire-and-forget writes elsewhere, an explicit save waits for the durable
// result and acknowledges {success:false} to the caller when it fails; the
// ephemeral write and broadcast that preceded it stand either way.
func (g *Gateway) handleContextSave(ctx context.Context, c *conn, sess *domain.ConnectionSession, raw json.RawMessage) error {
	var p contextUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" || len(p.Context) == 0 {
		return fmt.Errorf("invalid context payload: %w", errInvalidPayload(err))
	}

	cached, _ := g.loadContext(ctx, p.ProjectID)
	var version int64
	if cached != nil {
		version = cached.Version
	}
	version++

	next := &cachedContext{
		ProjectID: p.ProjectID,
		Context:   p.Context,
		Version:   version,
		UpdatedBy: sess.UserID,
	}
	g.storeContext(ctx, next)

	pc := contextDocument(next)
	success := true
	if err := g.bridge.SaveProjectContext(ctx, pc); err != nil {
		slog.Error("Durable context save failed",
			"project_id", p.ProjectID, "user_id", sess.UserID, "error", err)
		success = false
	}

	c.send(EvContextSaved, map[string]any{
		"success":   success,
		"projectId": p.ProjectID,
		"version":   version,
		"timestamp": timestamp(),
	})
	return nil
}

func (g *Gateway) storeContext(ctx context.Context, cached *cachedContext) {
	data, err := json.Marshal(cached)
	if err != nil {
		slog.Error("Failed to marshal context", "project_id", cached.ProjectID, "error", err)
		return
	}
	if err := g.eph.Set(ctx, keyContext(cached.ProjectID), data, g.cfg.ContextTTL); err != nil {
		slog.Warn("Failed to cache context", "project_id", cached.ProjectID, "error", err)
	}
}

// loadContext reads the fast-path context, falling back to the durable
// record after an ephemeral flush or restart.
func (g *Gateway) loadContext(ctx context.Context, projectID string) (*cachedContext, error) {
	data, err := g.eph.Get(ctx, keyContext(projectID))
	if err == nil {
		var cached cachedContext
		if err := json.Unmarshal(data, &cached); err == nil {
			return &cached, nil
		}
		slog.Warn("Corrupt cached context, reloading", "project_id", projectID)
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		slog.Warn("Ephemeral context read failed", "project_id", projectID, "error", err)
	}

	pc, err := g.bridge.GetProjectContext(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project context: %w", err)
	}
	if pc == nil {
		return nil, nil
	}

	doc, err := json.Marshal(pc)
	if err != nil {
		return nil, fmt.Errorf("marshal recovered context: %w", err)
	}
	cached := &cachedContext{
		ProjectID: projectID,
		Context:   doc,
		Version:   pc.Version,
		UpdatedBy: pc.UpdatedBy,
	}
	g.storeContext(ctx, cached)
	return cached, nil
}

// contextDocument converts the cached form into the durable record. The
// client document is stored as-is; title and friends live inside it.
func contextDocument(cached *cachedContext) *domain.ProjectContext {
	var pc domain.ProjectContext
	// Tolerate free-form documents: unknown fields are preserved only in
	// the ephemeral copy, known fields map onto the durable columns.
	_ = json.Unmarshal(cached.Context, &pc)
	pc.ProjectID = cached.ProjectID
	pc.Version = cached.Version
	pc.UpdatedBy = cached.UpdatedBy
	pc.UpdatedAt = time.Now()
	return &pc
}
