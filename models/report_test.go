package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestRenderContent(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		payload     []byte
		want        string // JSON text of the rendered value
	}{
		{"valid json embedded", "application/json", []byte(`{"a":1}`), `{"a":1}`},
		{"truncated json as string", "application/json; charset=utf-8", []byte(`{"a":`), `"{\"a\":"`},
		{"empty json as string", "application/json", []byte{}, `""`},
		{"html as string", "text/html", []byte("<p>hi</p>"), `"<p>hi</p>"`},
		{"svg as string", "image/svg+xml", []byte("<svg/>"), `"<svg/>"`},
		{"png as hex", "image/png", []byte{0x89, 'P', 'N', 'G'}, `"89504e47"`},
		{"octet-stream as hex", "application/octet-stream", []byte{0x00, 0xff}, `"00ff"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(RenderContent(tt.contentType, tt.payload)); got != tt.want {
				t.Errorf("RenderContent = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRenderContent_InvalidUTF8Replaced(t *testing.T) {
	var s string
	if err := json.Unmarshal(RenderContent("text/plain", []byte("ok\xff\xfe")), &s); err != nil {
		t.Fatal(err)
	}
	if s != "ok\uFFFD" {
		t.Errorf("content = %q, want %q", s, "ok\uFFFD")
	}
}

func TestCapturedResponse_MarshalJSON(t *testing.T) {
	r := CapturedResponse{
		MatchedURL:     "https://example.com/api",
		Status:         200,
		ContentType:    "application/json",
		Classification: ClassOK,
		OriginalLength: 10,
		Payload:        []byte(`[1,2]`),
		Truncated:      true,
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["content"].([]any); !ok {
		t.Errorf("content = %v, want embedded array", got["content"])
	}
	if got["original_length"] != float64(10) || got["truncated"] != true || got["classification"] != "ok" {
		t.Errorf("fields = %v", got)
	}
	if _, ok := got["Payload"]; ok {
		t.Error("raw payload must not be serialized")
	}
}

func TestClassification_IsError(t *testing.T) {
	tests := []struct {
		c    Classification
		want bool
	}{
		{ClassOK, false},
		{ClassBinarySkipped, false},
		{ClassChallenge, true},
		{ClassMissingBody, true},
		{ClassOtherError, true},
	}
	for _, tt := range tests {
		if got := tt.c.IsError(); got != tt.want {
			t.Errorf("%s.IsError() = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestErrorSummary_Total(t *testing.T) {
	if got := (ErrorSummary{Cloudflare: 1, MissingContent: 2, Other: 3}).Total(); got != 6 {
		t.Errorf("Total = %d, want 6", got)
	}
}

func TestHasCode_ThroughWrapping(t *testing.T) {
	base := NewScrapeError(ErrCodeNavigation, "net::ERR_NAME_NOT_RESOLVED", nil)
	navErr := &NavigationError{Attempts: 4, Err: base}
	wrapped := fmt.Errorf("capture: %w", navErr)

	if !HasCode(wrapped, ErrCodeNavigation) {
		t.Error("code lost through NavigationError wrapping")
	}
	if HasCode(wrapped, ErrCodeTimeout) {
		t.Error("unexpected code match")
	}
	if HasCode(errors.New("plain"), ErrCodeNavigation) {
		t.Error("plain errors carry no code")
	}
	var got *NavigationError
	if !errors.As(wrapped, &got) || got.Attempts != 4 {
		t.Errorf("errors.As = %v", got)
	}
}
