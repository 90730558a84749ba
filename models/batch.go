package models

// BatchTarget is one entry page and pattern inside a batch.
type BatchTarget struct {
	URL     string `json:"url" binding:"required,url"`
	Pattern string `json:"url_pattern" binding:"required"`
}

// BatchRequest is the payload for POST /api/v1/batch/capture.
type BatchRequest struct {
	// Targets are captured as independent sessions. Required.
	Targets []BatchTarget `json:"targets" binding:"required,min=1,max=50,dive"`

	// Options are shared by every target.
	Options CaptureOptions `json:"options"`

	WebhookURL    string `json:"webhook_url,omitempty" binding:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// BatchResponse is the immediate response for POST /api/v1/batch/capture.
type BatchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// BatchStatusResponse is the response for GET /api/v1/batch/:id.
type BatchStatusResponse struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Results   []*CaptureResponse `json:"results,omitempty"`
}

// Batch job states.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
	BatchFailed     = "failed"
)
