package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// pollInterval is how often a batch job is polled.
var pollInterval = 2 * time.Second

// apiError mirrors the pubcrawl API error detail.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// capturedResponse mirrors one captured response in a report.
type capturedResponse struct {
	MatchedURL     string          `json:"matched_url"`
	Status         int             `json:"status"`
	ContentType    string          `json:"content_type"`
	Classification string          `json:"classification"`
	OriginalLength int64           `json:"original_length"`
	Truncated      bool            `json:"truncated"`
	Content        json.RawMessage `json:"content"`
}

// report mirrors the pubcrawl capture report.
type report struct {
	Metadata struct {
		SessionID   string `json:"session_id"`
		URL         string `json:"url"`
		URLPattern  string `json:"url_pattern"`
		DurationMs  int64  `json:"duration_ms"`
		RetriesUsed int    `json:"retries_used"`
		TimedOut    bool   `json:"timed_out"`
	} `json:"metadata"`
	Responses    []capturedResponse `json:"responses"`
	ErrorSummary struct {
		Cloudflare     int `json:"cloudflare"`
		MissingContent int `json:"missing_content"`
		Other          int `json:"other"`
	} `json:"error_summary"`
}

// captureResponse mirrors the pubcrawl capture API response.
type captureResponse struct {
	Success bool      `json:"success"`
	Report  *report   `json:"report"`
	Error   *apiError `json:"error"`
}

// batchResponse mirrors the pubcrawl batch API response.
type batchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// batchStatusResponse mirrors the pubcrawl batch status API response.
type batchStatusResponse struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Results   []*captureResponse `json:"results"`
}

func main() {
	apiURL := os.Getenv("PUBCRAWL_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("PUBCRAWL_API_KEY")

	if err := server.ServeStdio(newServer(apiURL, apiKey)); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func newServer(apiURL, apiKey string) *server.MCPServer {
	s := server.NewMCPServer(
		"pubcrawl",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	captureTool := mcp.NewTool("capture_responses",
		mcp.WithDescription("Load a page in a headless browser and capture every network response whose URL matches a regular expression. Returns the matched responses with their status, classification and (truncated) content."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The entry page to load"),
		),
		mcp.WithString("url_pattern",
			mcp.Required(),
			mcp.Description("Regular expression matched against every response URL, e.g. 'api/v1'"),
		),
		mcp.WithNumber("content_limit",
			mcp.Description("Maximum stored bytes per response (default: 256, 0 keeps full bodies)"),
		),
		mcp.WithNumber("retries",
			mcp.Description("Retries after a failed page load (default: 3)"),
		),
		mcp.WithBoolean("stealth",
			mcp.Description("Hide headless browser fingerprints"),
		),
	)
	s.AddTool(captureTool, handleCapture(apiURL, apiKey))

	batchTool := mcp.NewTool("batch_capture",
		mcp.WithDescription("Capture matching network responses from several pages in parallel, using one pattern for all of them."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("Entry pages to load"),
		),
		mcp.WithString("url_pattern",
			mcp.Required(),
			mcp.Description("Regular expression matched against every response URL"),
		),
		mcp.WithNumber("content_limit",
			mcp.Description("Maximum stored bytes per response (default: 256)"),
		),
	)
	s.AddTool(batchTool, handleBatchCapture(apiURL, apiKey))

	return s
}

// captureOptions collects the optional tool arguments into API options.
func captureOptions(request mcp.CallToolRequest) map[string]any {
	opts := map[string]any{}
	args := request.GetArguments()
	if v, ok := args["content_limit"]; ok {
		opts["content_limit"] = v
	}
	if v, ok := args["retries"]; ok {
		opts["retries"] = v
	}
	if request.GetBool("stealth", false) {
		opts["stealth"] = true
	}
	return opts
}

// apiDo sends a request to the pubcrawl API and returns the response body.
func apiDo(ctx context.Context, client *http.Client, method, apiURL, apiKey, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// pollJobCompletion polls a job endpoint until status is no longer "processing" or context is cancelled.
func pollJobCompletion(ctx context.Context, client *http.Client, apiURL, apiKey, endpoint string) ([]byte, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			body, err := apiDo(ctx, client, http.MethodGet, apiURL, apiKey, endpoint, nil)
			if err != nil {
				return nil, fmt.Errorf("poll request failed: %w", err)
			}

			var status struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(body, &status); err != nil {
				return nil, fmt.Errorf("parse poll status: %w", err)
			}
			if status.Status != "processing" {
				return body, nil
			}
		}
	}
}

func handleCapture(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 300 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}
		pattern, err := request.RequireString("url_pattern")
		if err != nil {
			return mcp.NewToolResultError("url_pattern is required"), nil
		}

		respBody, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/capture", map[string]any{
			"url":         url,
			"url_pattern": pattern,
			"options":     captureOptions(request),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var resp captureResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}

		if !resp.Success && resp.Report == nil {
			return mcp.NewToolResultError(errorText(resp.Error, "capture failed")), nil
		}

		var sb strings.Builder
		if !resp.Success {
			fmt.Fprintf(&sb, "Navigation failed: %s\nPartial results follow.\n\n", errorText(resp.Error, "unknown error"))
		}
		formatReport(&sb, resp.Report)
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleBatchCapture(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 600 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		urls, err := request.RequireStringSlice("urls")
		if err != nil || len(urls) == 0 {
			return mcp.NewToolResultError("urls is required and must be an array of strings"), nil
		}
		pattern, err := request.RequireString("url_pattern")
		if err != nil {
			return mcp.NewToolResultError("url_pattern is required"), nil
		}

		targets := make([]map[string]string, len(urls))
		for i, u := range urls {
			targets[i] = map[string]string{"url": u, "url_pattern": pattern}
		}

		// POST to create batch job.
		respBody, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/batch/capture", map[string]any{
			"targets": targets,
			"options": captureOptions(request),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("batch request failed: %v", err)), nil
		}

		var batchResp batchResponse
		if err := json.Unmarshal(respBody, &batchResp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse batch response: %v", err)), nil
		}
		if batchResp.ID == "" {
			var failed captureResponse
			_ = json.Unmarshal(respBody, &failed)
			return mcp.NewToolResultError(errorText(failed.Error, "batch job creation failed")), nil
		}

		// Poll for completion.
		resultBody, err := pollJobCompletion(ctx, client, apiURL, apiKey, "/api/v1/batch/"+batchResp.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("polling batch job failed: %v", err)), nil
		}

		var statusResp batchStatusResponse
		if err := json.Unmarshal(resultBody, &statusResp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse batch status: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Batch %s: %s (%d/%d completed)\n\n", statusResp.ID, statusResp.Status, statusResp.Completed, statusResp.Total)
		for i, res := range statusResp.Results {
			switch {
			case res == nil:
				fmt.Fprintf(&sb, "=== [%d] no result ===\n\n", i+1)
			case res.Report == nil:
				fmt.Fprintf(&sb, "=== [%d] FAILED: %s ===\n\n", i+1, errorText(res.Error, "unknown error"))
			default:
				fmt.Fprintf(&sb, "=== [%d] %s ===\n", i+1, res.Report.Metadata.URL)
				if !res.Success {
					fmt.Fprintf(&sb, "Navigation failed: %s\n", errorText(res.Error, "unknown error"))
				}
				formatReport(&sb, res.Report)
				sb.WriteString("\n")
			}
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func errorText(e *apiError, fallback string) string {
	if e == nil {
		return fallback
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// formatReport writes a compact text rendering of a report.
func formatReport(sb *strings.Builder, r *report) {
	m := r.Metadata
	fmt.Fprintf(sb, "Page: %s\nPattern: %s\nMatched responses: %d (retries used: %d, %d ms)\n",
		m.URL, m.URLPattern, len(r.Responses), m.RetriesUsed, m.DurationMs)
	if m.TimedOut {
		sb.WriteString("Session deadline reached before the page settled.\n")
	}
	if s := r.ErrorSummary; s.Cloudflare+s.MissingContent+s.Other > 0 {
		fmt.Fprintf(sb, "Errors: cloudflare=%d missing_content=%d other=%d\n", s.Cloudflare, s.MissingContent, s.Other)
	}

	for i, resp := range r.Responses {
		fmt.Fprintf(sb, "\n--- [%d] %d %s (%s, %s, %d bytes",
			i+1, resp.Status, resp.MatchedURL, resp.Classification, resp.ContentType, resp.OriginalLength)
		if resp.Truncated {
			sb.WriteString(", truncated")
		}
		sb.WriteString(") ---\n")
		if len(resp.Content) > 0 {
			var s string
			if json.Unmarshal(resp.Content, &s) == nil {
				sb.WriteString(s)
			} else {
				sb.Write(resp.Content)
			}
			sb.WriteString("\n")
		}
	}
}
