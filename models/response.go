package models

// CaptureRequest is the payload for POST /api/v1/capture.
type CaptureRequest struct {
	// URL is the entry page to load. Required.
	URL string `json:"url" binding:"required,url"`

	// Pattern is the regular expression matched against every response URL.
	Pattern string `json:"url_pattern" binding:"required"`

	// Options tunes the capture session. Unset fields take defaults.
	Options CaptureOptions `json:"options"`
}

// CaptureResponse is the response for POST /api/v1/capture.
type CaptureResponse struct {
	// Success indicates whether the session completed without a fatal error.
	Success bool `json:"success"`

	// Report is the capture report. On navigation failure it holds the
	// partial report collected before the session gave up.
	Report *Report `json:"report,omitempty"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status       string       `json:"status"` // "healthy" or "degraded"
	Uptime       string       `json:"uptime"`
	SessionStats SessionStats `json:"session_stats"`
	Version      string       `json:"version"`
}

// SessionStats reports how many capture sessions are running.
type SessionStats struct {
	MaxSessions    int `json:"max_sessions"`
	ActiveSessions int `json:"active_sessions"`
}
