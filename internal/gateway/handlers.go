package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viberlabs/realtime/internal/bridge"
	"github.com/viberlabs/realtime/internal/domain"
	"github.com/viberlabs/realtime/internal/ephemeral"
)

// handleProgressRequest answers the caller directly with the project's
// current progress. There is no history replay on join; late joiners ask.
func (g *Gateway) handleProgressRequest(ctx context.Context, c *conn, raw json.RawMessage) error {
	var p progressRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" {
		return fmt.Errorf("invalid progress request: %w", errInvalidPayload(err))
	}

	progress, err := g.loadProgress(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	if progress == nil {
		progress = &domain.Progress{ProjectID: p.ProjectID, LastUpdated: time.Now()}
	}

	c.send(EvProgressUpdated, map[string]any{
		"projectId": p.ProjectID,
		"progress":  progress,
		"timestamp": timestamp(),
	})
	return nil
}

// handleProgressUpdate records build progress reported by the agent and
// fans it out to the project topic.
func (g *Gateway) handleProgressUpdate(ctx context.Context, raw json.RawMessage) error {
	var p progressUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ProjectID == "" {
		return fmt.Errorf("invalid progress payload: %w", errInvalidPayload(err))
	}
	if p.Percentage < 0 || p.Percentage > 100 {
		return fmt.Errorf("percentage out of range: %d", p.Percentage)
	}

	progress := &domain.Progress{
		ProjectID:         p.ProjectID,
		TotalFeatures:     p.TotalFeatures,
		CompletedFeatures: p.CompletedFeatures,
		CurrentFeature:    p.CurrentFeature,
		Percentage:        p.Percentage,
		Milestones:        p.Milestones,
		LastUpdated:       time.Now(),
	}
	g.storeProgress(ctx, progress)
	g.durable("save progress", func(ctx context.Context) error {
		return g.bridge.SaveProgress(ctx, progress)
	})

	g.publish(ctx, topicProject(p.ProjectID), EvProgressUpdated, map[string]any{
		"projectId": p.ProjectID,
		"progress":  progress,
		"timestamp": timestamp(),
	})
	return nil
}

func (g *Gateway) storeProgress(ctx context.Context, progress *domain.Progress) {
	data, err := json.Marshal(progress)
	if err != nil {
		slog.Error("Failed to marshal progress", "project_id", progress.ProjectID, "error", err)
		return
	}
	if err := g.eph.Set(ctx, keyProgress(progress.ProjectID), data, g.cfg.SessionTTL); err != nil {
		slog.Warn("Failed to cache progress", "project_id", progress.ProjectID, "error", err)
	}
}

func (g *Gateway) loadProgress(ctx context.Context, projectID string) (*domain.Progress, error) {
	data, err := g.eph.Get(ctx, keyProgress(projectID))
	if err == nil {
		var progress domain.Progress
		if err := json.Unmarshal(data, &progress); err == nil {
			return &progress, nil
		}
		slog.Warn("Corrupt cached progress, reloading", "project_id", projectID)
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		slog.Warn("Ephemeral progress read failed", "project_id", projectID, "error", err)
	}

	progress, err := g.bridge.GetProgress(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if progress != nil {
		g.storeProgress(ctx, progress)
	}
	return progress, nil
}

// repairProgress refreshes the ephemeral mirror when the change feed reports
// a progress mutation from elsewhere.
func (g *Gateway) repairProgress(ev bridge.ChangeEvent) {
	progress, ok := ev.Payload.(*domain.Progress)
	if !ok || progress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.storeProgress(ctx, progress)
}

// handleSettingsUpdate persists the caller's settings and synchronizes every
// tab the user has open. Settings are durable with a long ephemeral cache;
// like explicit saves, the ack reports the durable outcome.
func (g *Gateway) handleSettingsUpdate(ctx context.Context, c *conn, sess *domain.ConnectionSession, raw json.RawMessage) error {
	var p settingsUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil || len(p.Settings) == 0 {
		return fmt.Errorf("invalid settings payload: %w", errInvalidPayload(err))
	}

	var settings domain.UserSettings
	if err := json.Unmarshal(p.Settings, &settings); err != nil {
		return fmt.Errorf("invalid settings document: %w", err)
	}
	settings.UserID = sess.UserID

	data, err := json.Marshal(&settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := g.eph.Set(ctx, keySettings(sess.UserID), data, g.cfg.SettingsTTL); err != nil {
		slog.Warn("Failed to cache settings", "user_id", sess.UserID, "error", err)
	}

	// On success the ack travels on the user topic so every tab of the same
	// user converges, the caller included. Failures are the caller's problem
	// alone and go back directly.
	if err := g.bridge.SaveUserSettings(ctx, &settings); err != nil {
		slog.Error("Durable settings save failed", "user_id", sess.UserID, "error", err)
		c.send(EvSettingsUpdated, map[string]any{
			"success":   false,
			"settings":  &settings,
			"timestamp": timestamp(),
		})
		return nil
	}

	g.publish(ctx, topicUser(sess.UserID), EvSettingsUpdated, map[string]any{
		"success":   true,
		"settings":  &settings,
		"timestamp": timestamp(),
	})
	return nil
}
