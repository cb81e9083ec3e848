package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-emitted events.
const (
	EvAuthenticate    = "authenticate"
	EvContextUpdate   = "context:update"
	EvContextSave     = "context:save"
	EvSessionStart    = "viber:start_session"
	EvSessionPause    = "viber:pause_session"
	EvSessionResume   = "viber:resume_session"
	EvSessionStop     = "viber:stop_session"
	EvUserApproval    = "viber:user_approval"
	EvCaptureRequest  = "visual:capture_request"
	EvVisualChanged   = "visual:state_changed"
	EvErrorDetected   = "error:detected"
	EvErrorFixed      = "error:fixed"
	EvProgressRequest = "progress:request_update"
	EvProgressUpdate  = "progress:update"
	EvSettingsUpdate  = "settings:update"
)

// Server-emitted events.
const (
	EvAuthenticated    = "authenticated"
	EvAuthError        = "authentication_error"
	EvContextUpdated   = "context:updated"
	EvContextSaved     = "context:saved"
	EvSessionStarted   = "viber:session_started"
	EvSessionPaused    = "viber:session_paused"
	EvSessionResumed   = "viber:session_resumed"
	EvSessionStopped   = "viber:session_stopped"
	EvSessionError     = "viber:session_error"
	EvUserResponse     = "viber:user_response"
	EvCaptureRequested = "visual:capture_requested"
	EvErrorFixRequest  = "error:fix_request"
	EvProgressUpdated  = "progress:updated"
	EvSettingsUpdated  = "settings:updated"
)

// Topic names. Connections join a user topic on authentication and a project
// topic when they present a project id.
func topicUser(userID string) string    { return "user:" + userID }
func topicProject(projectID string) string { return "project:" + projectID }

// Ephemeral store keys.
func keyConnection(connID string) string   { return "connection:" + connID }
func keySession(sessionID string) string   { return "session:" + sessionID }
func keyCurrentSession(projectID string) string { return "project:" + projectID + ":session" }
func keyContext(projectID string) string   { return "project:" + projectID + ":context" }
func keyApproval(sessionID string) string  { return "approval:" + sessionID }
func keyErrorRing(projectID string) string { return "project:" + projectID + ":errors" }
func keyVisualRing(projectID string) string { return "project:" + projectID + ":visual" }
func keyProgress(projectID string) string  { return "project:" + projectID + ":progress" }
func keySettings(userID string) string     { return "settings:" + userID }

func encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

type authenticatePayload struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type contextUpdatePayload struct {
	ProjectID string          `json:"projectId"`
	Context   json.RawMessage `json:"context"`
	Version   int64           `json:"version,omitempty"`
}

type sessionStartPayload struct {
	ProjectID string `json:"projectId"`
}

type sessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type approvalPayload struct {
	SessionID string `json:"sessionId"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

type capturePayload struct {
	ProjectID string `json:"projectId"`
	URL       string `json:"url"`
	RequestID string `json:"requestId"`
}

type visualPayload struct {
	ProjectID  string         `json:"projectId"`
	Changes    map[string]any `json:"changes"`
	Screenshot string         `json:"screenshot,omitempty"`
}

type errorDetectedPayload struct {
	ProjectID   string `json:"projectId"`
	Error       string `json:"error"`
	Severity    string `json:"severity,omitempty"`
	ErrorID     string `json:"errorId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	CodeContext string `json:"codeContext,omitempty"`
}

type errorFixedPayload struct {
	ProjectID string `json:"projectId"`
	ErrorID   string `json:"errorId"`
	Fix       string `json:"fix,omitempty"`
}

type progressRequestPayload struct {
	ProjectID string `json:"projectId"`
}

type progressUpdatePayload struct {
	ProjectID         string   `json:"projectId"`
	TotalFeatures     int      `json:"totalFeatures"`
	CompletedFeatures int      `json:"completedFeatures"`
	CurrentFeature    string   `json:"currentFeature,omitempty"`
	Percentage        int      `json:"percentage"`
	Milestones        []string `json:"milestones,omitempty"`
}

type settingsUpdatePayload struct {
	Settings json.RawMessage `json:"settings"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
