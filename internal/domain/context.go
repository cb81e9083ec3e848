package domain

import (
	"time"
)

// ProjectContext is the shared mutable description of what is being built.
//
// Concurrent writers resolve last-write-wins; Version is a monotonic counter
// bumped by the gateway on every accepted update so clients can detect when
// they have raced another collaborator.
type ProjectContext struct {
	ProjectID    string    `json:"projectId"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	TechStack    []string  `json:"techStack,omitempty"`
	Requirements []string  `json:"requirements,omitempty"`
	Stories      []Story   `json:"stories,omitempty"`
	Version      int64     `json:"version"`
	UpdatedBy    string    `json:"updatedBy,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Story is a single user story inside a project context.
type Story struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}
