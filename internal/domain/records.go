package domain

import (
	"time"
)

// ConnectionSession is the gateway-owned record of one authenticated
// connection. It is mirrored into the ephemeral store with a bounded TTL so
// orphaned entries self-clean even if disconnect handling is missed.
type ConnectionSession struct {
	SocketID    string    `json:"socketId"`
	UserID      string    `json:"userId"`
	ProjectID   string    `json:"projectId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ApprovalDecision is a one-shot user response gating an agent's next action.
type ApprovalDecision struct {
	SessionID string    `json:"sessionId"`
	Approved  bool      `json:"approved"`
	Feedback  string    `json:"feedback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VisualState captures one observed frontend state for a project.
type VisualState struct {
	ProjectID     string         `json:"projectId"`
	ScreenshotRef string         `json:"screenshotRef,omitempty"`
	DOMChanges    map[string]any `json:"domChanges,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ErrorRecord is a detected build or runtime error for a project.
type ErrorRecord struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	SessionID  string     `json:"sessionId,omitempty"`
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Resolve marks the error fixed. Idempotent.
func (e *ErrorRecord) Resolve() {
	if e.Resolved {
		return
	}
	e.Resolved = true
	now := time.Now()
	e.ResolvedAt = &now
}

// Progress summarizes build progress for a project.
type Progress struct {
	ProjectID         string    `json:"projectId"`
	TotalFeatures     int       `json:"totalFeatures"`
	CompletedFeatures int       `json:"completedFeatures"`
	CurrentFeature    string    `json:"currentFeature,omitempty"`
	Percentage        int       `json:"percentage"`
	Milestones        []string  `json:"milestones,omitempty"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// UserSettings holds per-user preferences, durable with a long-lived
// ephemeral cache.
type UserSettings struct {
	UserID        string   `json:"userId"`
	AIModel       string   `json:"aiModel,omitempty"`
	Editor        string   `json:"editor,omitempty"`
	Theme         string   `json:"theme,omitempty"`
	Notifications bool     `json:"notifications"`
	AutoApproval  bool     `json:"autoApproval"`
	Extensions    []string `json:"extensions,omitempty"`
	CustomPrompts []string `json:"customPrompts,omitempty"`
}
