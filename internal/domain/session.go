// Package domain contains core domain types for the realtime sync server.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of an agent build session.
type SessionStatus string

const (
	// StatusActive means the agent is currently building.
	StatusActive SessionStatus = "active"
	// StatusPaused means the build is suspended and can be resumed.
	StatusPaused SessionStatus = "paused"
	// StatusCompleted means the build finished. Terminal.
	StatusCompleted SessionStatus = "completed"
	// StatusError means the build failed. Terminal.
	StatusError SessionStatus = "error"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusError:
		return true
	}
	return false
}

// AgentSession tracks one autonomous build run against a project.
//
// Status only ever changes through the transition methods below:
// active <-> paused, active|paused -> completed, any non-terminal -> error.
// Terminal states are absorbing; transitions requested on them are no-ops.
type AgentSession struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	ProjectID    string        `json:"projectId"`
	Status       SessionStatus `json:"status"`
	CurrentTask  string        `json:"currentTask,omitempty"`
	Progress     int           `json:"progress"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// NewAgentSession creates an active session with zero progress.
func NewAgentSession(id, userID, projectID string) *AgentSession {
	now := time.Now()
	return &AgentSession{
		ID:           id,
		UserID:       userID,
		ProjectID:    projectID,
		Status:       StatusActive,
		Progress:     0,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Pause suspends an active session. Returns true if the status changed.
func (s *AgentSession) Pause() bool {
	if s.Status != StatusActive {
		return false
	}
	s.Status = StatusPaused
	s.touch()
	return true
}

// Resume reactivates a paused session. Returns true if the status changed.
func (s *AgentSession) Resume() bool {
	if s.Status != StatusPaused {
		return false
	}
	s.Status = StatusActive
	s.touch()
	return true
}

// Complete finishes an active or paused session. Calling it again, or on a
// failed session, is a no-op.
func (s *AgentSession) Complete() bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = StatusCompleted
	s.touch()
	return true
}

// Fail moves any non-terminal session into the error state.
func (s *AgentSession) Fail() bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = StatusError
	s.touch()
	return true
}

// UpdateProgress records build progress, clamped to 0-100.
func (s *AgentSession) UpdateProgress(task string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	s.CurrentTask = task
	s.Progress = progress
	s.touch()
}

func (s *AgentSession) touch() {
	s.LastActivity = time.Now()
}
