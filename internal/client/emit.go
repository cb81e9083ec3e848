package client

import "encoding/json"

// Typed emit helpers. Each one is a silent no-op while the binding is not
// authenticated; state-carrying events are re-requested after reconnect
// rather than queued.

// UpdateContext broadcasts a shared context document for the project.
// Version is the last version the caller saw; pass 0 to let the server
// assign one.
func (b *Binding) UpdateContext(projectID string, doc json.RawMessage, version int64) {
	b.emit(EvContextUpdate, map[string]any{
		"projectId": projectID,
		"context":   doc,
		"version":   version,
	})
}

// SaveContext persists the context document and requests an ack
// (context:saved) once the durable write completes.
func (b *Binding) SaveContext(projectID string, doc json.RawMessage, version int64) {
	b.emit(EvContextSave, map[string]any{
		"projectId": projectID,
		"context":   doc,
		"version":   version,
	})
}

// StartAgentSession requests a new build session for the project.
func (b *Binding) StartAgentSession(projectID string) {
	b.emit(EvSessionStart, map[string]string{"projectId": projectID})
}

// PauseAgentSession pauses a running session.
func (b *Binding) PauseAgentSession(sessionID string) {
	b.emit(EvSessionPause, map[string]string{"sessionId": sessionID})
}

// ResumeAgentSession resumes a paused session.
func (b *Binding) ResumeAgentSession(sessionID string) {
	b.emit(EvSessionResume, map[string]string{"sessionId": sessionID})
}

// StopAgentSession stops a session. Stopping an already-stopped session is
// accepted and ignored by the server.
func (b *Binding) StopAgentSession(sessionID string) {
	b.emit(EvSessionStop, map[string]string{"sessionId": sessionID})
}

// RespondToApproval records the user's decision for a pending approval
// request. Only the first decision per session takes effect.
func (b *Binding) RespondToApproval(sessionID string, approved bool, feedback string) {
	b.emit(EvUserApproval, map[string]any{
		"sessionId": sessionID,
		"approved":  approved,
		"feedback":  feedback,
	})
}

// RequestCapture asks preview agents to capture the given URL.
func (b *Binding) RequestCapture(projectID, url, requestID string) {
	b.emit(EvCaptureRequest, map[string]string{
		"projectId": projectID,
		"url":       url,
		"requestId": requestID,
	})
}

// ReportVisualChange publishes a DOM/preview state change.
func (b *Binding) ReportVisualChange(projectID string, changes map[string]any, screenshot string) {
	b.emit(EvVisualChanged, map[string]any{
		"projectId":  projectID,
		"changes":    changes,
		"screenshot": screenshot,
	})
}

// ReportError reports a detected runtime or build error. codeContext, when
// present, is forwarded to fix agents alongside the error.
func (b *Binding) ReportError(projectID, message, severity, sessionID, codeContext string) {
	b.emit(EvErrorDetected, map[string]string{
		"projectId":   projectID,
		"error":       message,
		"severity":    severity,
		"sessionId":   sessionID,
		"codeContext": codeContext,
	})
}

// ReportErrorFixed marks a previously reported error as resolved.
func (b *Binding) ReportErrorFixed(projectID, errorID, fix string) {
	b.emit(EvErrorFixed, map[string]string{
		"projectId": projectID,
		"errorId":   errorID,
		"fix":       fix,
	})
}

// RequestProgress asks for the project's current progress snapshot. The
// reply (progress:updated) is delivered only to this connection.
func (b *Binding) RequestProgress(projectID string) {
	b.emit(EvProgressRequest, map[string]string{"projectId": projectID})
}

// UpdateProgress publishes a progress snapshot for the project.
func (b *Binding) UpdateProgress(projectID string, total, completed, percentage int, currentFeature string, milestones []string) {
	b.emit(EvProgressUpdate, map[string]any{
		"projectId":         projectID,
		"totalFeatures":     total,
		"completedFeatures": completed,
		"currentFeature":    currentFeature,
		"percentage":        percentage,
		"milestones":        milestones,
	})
}

// UpdateSettings saves the user's settings document. The ack
// (settings:updated) carries success=false when the durable write failed.
func (b *Binding) UpdateSettings(settings json.RawMessage) {
	b.emit(EvSettingsUpdate, map[string]any{"settings": settings})
}
