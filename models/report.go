package models

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Classification is the outcome assigned to every captured response.
type Classification string

const (
	ClassOK            Classification = "ok"
	ClassBinarySkipped Classification = "binary-skipped"
	ClassChallenge     Classification = "cloudflare-challenge"
	ClassMissingBody   Classification = "missing-body"
	ClassOtherError    Classification = "other-error"
)

// IsError reports whether c is counted in the error summary.
func (c Classification) IsError() bool {
	switch c {
	case ClassChallenge, ClassMissingBody, ClassOtherError:
		return true
	}
	return false
}

// Header is one response header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TLSInfo is the subset of the connection's security details kept in a report.
type TLSInfo struct {
	Protocol    string    `json:"protocol"`
	KeyExchange string    `json:"key_exchange,omitempty"`
	Cipher      string    `json:"cipher"`
	SubjectName string    `json:"subject_name"`
	SANList     []string  `json:"san_list,omitempty"`
	Issuer      string    `json:"issuer"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
}

// CapturedResponse is one matched, classified response. It is never
// modified after being added to a session ledger.
type CapturedResponse struct {
	MatchedURL     string         `json:"matched_url"`
	Status         int            `json:"status"`
	StatusText     string         `json:"status_text,omitempty"`
	ContentType    string         `json:"content_type"`
	ResourceType   string         `json:"resource_type,omitempty"`
	Classification Classification `json:"classification"`

	// OriginalLength is the untruncated body size in bytes.
	OriginalLength int64 `json:"original_length"`

	// Payload is the stored, possibly truncated body. It is rendered as
	// "content" by MarshalJSON.
	Payload   []byte `json:"-"`
	Truncated bool   `json:"truncated"`

	// Error describes the transport failure of an other-error response.
	Error string `json:"error,omitempty"`

	ServerIP   string    `json:"server_ip,omitempty"`
	ServerPort int       `json:"server_port,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	Headers []Header `json:"headers,omitempty"`
	TLS     *TLSInfo `json:"security_details,omitempty"`
}

// MarshalJSON renders the payload as "content": parsed JSON for JSON
// bodies, a string for textual bodies and hex for everything else.
func (r CapturedResponse) MarshalJSON() ([]byte, error) {
	type plain CapturedResponse
	return json.Marshal(struct {
		plain
		Content json.RawMessage `json:"content"`
	}{
		plain:   plain(r),
		Content: RenderContent(r.ContentType, r.Payload),
	})
}

// textualTypes are content-type fragments rendered as text.
var textualTypes = []string{"text", "json", "javascript", "css", "html", "xml", "plain", "xhtml", "svg"}

// IsTextual reports whether a content type is rendered as a string.
func IsTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range textualTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

// RenderContent encodes a payload as a JSON value for the given content type.
func RenderContent(contentType string, payload []byte) json.RawMessage {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "json") && len(payload) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}
	var s string
	if IsTextual(ct) {
		s = strings.ToValidUTF8(string(payload), "\uFFFD")
	} else {
		s = hex.EncodeToString(payload)
	}
	b, _ := json.Marshal(s)
	return b
}

// ErrorSummary counts responses per error classification.
type ErrorSummary struct {
	Cloudflare     int `json:"cloudflare"`
	MissingContent int `json:"missing_content"`
	Other          int `json:"other"`
}

// Total returns the number of error-classified responses.
func (s ErrorSummary) Total() int {
	return s.Cloudflare + s.MissingContent + s.Other
}

// ReportMetadata describes the session that produced a report.
type ReportMetadata struct {
	SessionID  string `json:"session_id"`
	URL        string `json:"url"`
	URLPattern string `json:"url_pattern"`
	UserAgent  string `json:"user_agent"`
	ScreenSize string `json:"screen_size"`
	Proxy      string `json:"proxy,omitempty"`

	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs int64     `json:"duration_ms"`

	TotalBytesReceived int64 `json:"total_bytes_received"`
	RetriesUsed        int   `json:"retries_used"`
	RequestsSent       int   `json:"requests_sent"`
	ResponsesSeen      int   `json:"responses_seen"`
	ResponsesMatched   int   `json:"responses_matched"`

	// TimedOut is set when the session deadline cut capture short.
	TimedOut bool `json:"timed_out,omitempty"`

	// Config echoes the effective options, defaults included.
	Config CaptureOptions `json:"config"`
}

// Report is the final output of one capture session.
type Report struct {
	Metadata     ReportMetadata     `json:"metadata"`
	Responses    []CapturedResponse `json:"responses"`
	ErrorSummary ErrorSummary       `json:"error_summary"`
}
