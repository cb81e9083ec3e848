package client

// Wire event names. These mirror the gateway protocol.
const (
	EvAuthenticate  = "authenticate"
	EvAuthenticated = "authenticated"
	EvAuthError     = "authentication_error"

	EvContextUpdate  = "context:update"
	EvContextUpdated = "context:updated"
	EvContextSave    = "context:save"
	EvContextSaved   = "context:saved"

	EvSessionStart    = "viber:start_session"
	EvSessionStarted  = "viber:session_started"
	EvSessionPause    = "viber:pause_session"
	EvSessionPaused   = "viber:session_paused"
	EvSessionResume   = "viber:resume_session"
	EvSessionResumed  = "viber:session_resumed"
	EvSessionStop     = "viber:stop_session"
	EvSessionStopped  = "viber:session_stopped"
	EvSessionError    = "viber:session_error"
	EvUserApproval    = "viber:user_approval"
	EvUserResponse    = "viber:user_response"

	EvCaptureRequest   = "visual:capture_request"
	EvCaptureRequested = "visual:capture_requested"
	EvVisualChanged    = "visual:state_changed"

	EvErrorDetected   = "error:detected"
	EvErrorFixRequest = "error:fix_request"
	EvErrorFixed      = "error:fixed"

	EvProgressRequest = "progress:request_update"
	EvProgressUpdate  = "progress:update"
	EvProgressUpdated = "progress:updated"

	EvSettingsUpdate  = "settings:update"
	EvSettingsUpdated = "settings:updated"
)
