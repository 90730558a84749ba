// Package output renders capture reports as JSON or CSV.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/use-agent/pubcrawl/models"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// csvHeader is the first row of CSV output.
var csvHeader = []string{"matched_url", "status", "classification", "content_type", "original_length", "truncated", "content"}

// ValidFormat reports whether format is supported.
func ValidFormat(format string) bool {
	return format == FormatJSON || format == FormatCSV
}

// Write renders report to w in the given format.
func Write(w io.Writer, report *models.Report, format string) error {
	switch format {
	case FormatJSON, "":
		return WriteJSON(w, report)
	case FormatCSV:
		return WriteCSV(w, report)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// WriteFile renders report into path, replacing any existing file.
func WriteFile(path string, report *models.Report, format string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
	}()
	return Write(f, report, format)
}

// WriteJSON writes the report with two-space indentation.
func WriteJSON(w io.Writer, report *models.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WriteCSV writes one row per response, a blank row, then the metadata and
// error summary as key,value rows.
func WriteCSV(w io.Writer, report *models.Report) error {
	cw := csv.NewWriter(w)

	rows := [][]string{csvHeader}
	for _, r := range report.Responses {
		rows = append(rows, []string{
			r.MatchedURL,
			strconv.Itoa(r.Status),
			string(r.Classification),
			r.ContentType,
			strconv.FormatInt(r.OriginalLength, 10),
			strconv.FormatBool(r.Truncated),
			string(models.RenderContent(r.ContentType, r.Payload)),
		})
	}
	rows = append(rows, []string{})

	md := report.Metadata
	rows = append(rows,
		[]string{"session_id", md.SessionID},
		[]string{"url", md.URL},
		[]string{"url_pattern", md.URLPattern},
		[]string{"user_agent", md.UserAgent},
		[]string{"screen_size", md.ScreenSize},
		[]string{"proxy", md.Proxy},
		[]string{"start_time", md.StartTime.Format(time.RFC3339Nano)},
		[]string{"end_time", md.EndTime.Format(time.RFC3339Nano)},
		[]string{"duration_ms", strconv.FormatInt(md.DurationMs, 10)},
		[]string{"total_bytes_received", strconv.FormatInt(md.TotalBytesReceived, 10)},
		[]string{"retries_used", strconv.Itoa(md.RetriesUsed)},
		[]string{"requests_sent", strconv.Itoa(md.RequestsSent)},
		[]string{"responses_seen", strconv.Itoa(md.ResponsesSeen)},
		[]string{"responses_matched", strconv.Itoa(md.ResponsesMatched)},
		[]string{"timed_out", strconv.FormatBool(md.TimedOut)},
		[]string{"error_summary.cloudflare", strconv.Itoa(report.ErrorSummary.Cloudflare)},
		[]string{"error_summary.missing_content", strconv.Itoa(report.ErrorSummary.MissingContent)},
		[]string{"error_summary.other", strconv.Itoa(report.ErrorSummary.Other)},
	)

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteSummary prints the human-readable error summary.
func WriteSummary(w io.Writer, report *models.Report) {
	s := report.ErrorSummary
	fmt.Fprintln(w, "Error Summary:")
	fmt.Fprintf(w, "Cloudflare protection encounters: %d\n", s.Cloudflare)
	fmt.Fprintf(w, "Missing content errors: %d\n", s.MissingContent)
	fmt.Fprintf(w, "Other errors: %d\n", s.Other)
	fmt.Fprintf(w, "Total errors: %d\n", s.Total())
}
