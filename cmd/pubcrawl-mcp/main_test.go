package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const sampleReport = `{
  "metadata": {"session_id": "s1", "url": "https://example.com/", "url_pattern": "api", "duration_ms": 1200, "retries_used": 0},
  "responses": [
    {"matched_url": "https://example.com/api/items", "status": 200, "content_type": "application/json",
     "classification": "ok", "original_length": 11, "truncated": false, "content": {"ok": true}},
    {"matched_url": "https://example.com/api/page", "status": 403, "content_type": "text/html",
     "classification": "cloudflare-challenge", "original_length": 900, "truncated": true, "content": "<html>"}
  ],
  "error_summary": {"cloudflare": 1, "missing_content": 0, "other": 0}
}`

func callTool(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return text.Text
}

func TestHandleCapture(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/capture" || r.Header.Get("X-API-Key") != "key" {
			http.Error(w, "unexpected", http.StatusTeapot)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success": true, "report": ` + sampleReport + `}`))
	}))
	defer srv.Close()

	res, err := handleCapture(srv.URL, "key")(context.Background(), callTool(map[string]any{
		"url":           "https://example.com/",
		"url_pattern":   "api",
		"content_limit": 64,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	text := resultText(t, res)
	for _, want := range []string{"Matched responses: 2", `{"ok": true}`, "cloudflare-challenge", "truncated", "Errors: cloudflare=1"} {
		if !strings.Contains(text, want) {
			t.Errorf("result missing %q:\n%s", want, text)
		}
	}
	if opts, _ := got["options"].(map[string]any); opts["content_limit"] != float64(64) {
		t.Errorf("options forwarded = %v", got["options"])
	}
}

func TestHandleCapture_PartialReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"success": false, "error": {"code": "NAVIGATION_FAILED", "message": "net::ERR"}, "report": ` + sampleReport + `}`))
	}))
	defer srv.Close()

	res, _ := handleCapture(srv.URL, "")(context.Background(), callTool(map[string]any{"url": "https://example.com/", "url_pattern": "api"}))
	text := resultText(t, res)
	if res.IsError || !strings.Contains(text, "Navigation failed: [NAVIGATION_FAILED]") || !strings.Contains(text, "api/items") {
		t.Errorf("partial result = %s", text)
	}
}

func TestHandleCapture_MissingArgs(t *testing.T) {
	res, _ := handleCapture("http://unused", "")(context.Background(), callTool(map[string]any{"url": "https://example.com/"}))
	if !res.IsError {
		t.Error("expected tool error without url_pattern")
	}
}

func TestHandleBatchCapture(t *testing.T) {
	pollInterval = 5 * time.Millisecond
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/batch/capture":
			var req struct {
				Targets []map[string]string `json:"targets"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if len(req.Targets) != 2 || req.Targets[1]["url_pattern"] != "api" {
				http.Error(w, "bad targets", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"id": "batch-1", "status": "processing", "total": 2}`))
		case r.URL.Path == "/api/v1/batch/batch-1":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"id": "batch-1", "status": "processing", "completed": 1, "total": 2}`))
				return
			}
			w.Write([]byte(`{"id": "batch-1", "status": "partial", "completed": 2, "total": 2, "results": [
				{"success": true, "report": ` + sampleReport + `},
				{"success": false, "error": {"code": "BROWSER_CRASH", "message": "boom"}}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := handleBatchCapture(srv.URL, "")(context.Background(), callTool(map[string]any{
		"urls":        []any{"https://a.example/", "https://b.example/"},
		"url_pattern": "api",
	}))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, res)
	if res.IsError {
		t.Fatalf("tool error: %s", text)
	}
	for _, want := range []string{"Batch batch-1: partial (2/2 completed)", "[2] FAILED: [BROWSER_CRASH] boom", "api/items"} {
		if !strings.Contains(text, want) {
			t.Errorf("result missing %q:\n%s", want, text)
		}
	}
}

func TestNewServer_RegistersTools(t *testing.T) {
	if newServer("http://127.0.0.1:8080", "") == nil {
		t.Fatal("nil server")
	}
}
