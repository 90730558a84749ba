package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/use-agent/pubcrawl/models"
)

func sampleReport() *models.Report {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &models.Report{
		Metadata: models.ReportMetadata{
			SessionID:          "sess-1",
			URL:                "https://example.com/",
			URLPattern:         "api/v1",
			UserAgent:          "agent",
			ScreenSize:         "1440x900",
			StartTime:          start,
			EndTime:            start.Add(1500 * time.Millisecond),
			DurationMs:         1500,
			TotalBytesReceived: 12,
			RetriesUsed:        1,
		},
		Responses: []models.CapturedResponse{
			{
				MatchedURL:     "https://example.com/api/v1/data",
				Status:         200,
				ContentType:    "application/json",
				Classification: models.ClassOK,
				OriginalLength: 9,
				Payload:        []byte(`{"a":[1]}`),
			},
			{
				MatchedURL:     "https://example.com/api/v1/text",
				Status:         403,
				ContentType:    "text/html",
				Classification: models.ClassChallenge,
				OriginalLength: 3,
				Payload:        []byte("a,b"),
				Truncated:      true,
			},
		},
		ErrorSummary: models.ErrorSummary{Cloudflare: 1},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"metadata\": {") {
		t.Errorf("expected two-space indentation, got:\n%s", buf.String())
	}

	var decoded struct {
		Metadata struct {
			SessionID string `json:"session_id"`
		} `json:"metadata"`
		Responses []struct {
			Content json.RawMessage `json:"content"`
		} `json:"responses"`
		ErrorSummary models.ErrorSummary `json:"error_summary"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid json: %v", err)
	}
	if decoded.Metadata.SessionID != "sess-1" || decoded.ErrorSummary.Cloudflare != 1 {
		t.Errorf("decoded = %+v", decoded)
	}
	if got := string(decoded.Responses[0].Content); !strings.HasPrefix(got, "{") {
		t.Errorf("json payload should be embedded as json, got %s", got)
	}
	if got := string(decoded.Responses[1].Content); got != `"a,b"` {
		t.Errorf("text payload = %s", got)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleReport()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	r := csv.NewReader(&buf)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("output is not valid csv: %v", err)
	}
	if strings.Join(rows[0], ",") != strings.Join(csvHeader, ",") {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "https://example.com/api/v1/data" || rows[1][2] != "ok" || rows[1][4] != "9" {
		t.Errorf("first row = %v", rows[1])
	}
	if rows[2][5] != "true" || rows[2][6] != `"a,b"` {
		t.Errorf("second row = %v", rows[2])
	}

	meta := map[string]string{}
	for _, row := range rows[3:] {
		if len(row) == 2 {
			meta[row[0]] = row[1]
		}
	}
	if meta["session_id"] != "sess-1" || meta["retries_used"] != "1" || meta["error_summary.cloudflare"] != "1" {
		t.Errorf("metadata rows = %v", meta)
	}
}

func TestWrite_UnknownFormat(t *testing.T) {
	if err := Write(&bytes.Buffer{}, sampleReport(), "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
	if ValidFormat("xml") || !ValidFormat("csv") {
		t.Error("ValidFormat mismatch")
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteFile(path, sampleReport(), FormatJSON); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(data) {
		t.Error("file does not contain valid json")
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	WriteSummary(&buf, sampleReport())
	if !strings.Contains(buf.String(), "Cloudflare protection encounters: 1") || !strings.Contains(buf.String(), "Total errors: 1") {
		t.Errorf("summary = %q", buf.String())
	}
}
