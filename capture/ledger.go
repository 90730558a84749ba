package capture

import (
	"slices"

	"github.com/use-agent/pubcrawl/models"
)

// Ledger accumulates the captured responses of one session. It is
// append-only and has a single writer, the session's event loop, so it
// carries no lock. Add is the only mutation point.
type Ledger struct {
	responses  []models.CapturedResponse
	totalBytes int64
	summary    models.ErrorSummary
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Add appends r, adds its original length to the byte total and counts it
// in the error summary when its classification is an error kind.
func (l *Ledger) Add(r models.CapturedResponse) {
	l.responses = append(l.responses, r)
	l.totalBytes += r.OriginalLength

	switch r.Classification {
	case models.ClassChallenge:
		l.summary.Cloudflare++
	case models.ClassMissingBody:
		l.summary.MissingContent++
	case models.ClassOtherError:
		l.summary.Other++
	}
}

// Len returns the number of responses added so far.
func (l *Ledger) Len() int {
	return len(l.responses)
}

// Snapshot is the immutable view of a ledger used to build a report.
type Snapshot struct {
	Responses  []models.CapturedResponse
	TotalBytes int64
	Summary    models.ErrorSummary
}

// Finalize returns a snapshot detached from the ledger.
func (l *Ledger) Finalize() Snapshot {
	responses := slices.Clone(l.responses)
	if responses == nil {
		responses = []models.CapturedResponse{}
	}
	return Snapshot{
		Responses:  responses,
		TotalBytes: l.totalBytes,
		Summary:    l.summary,
	}
}
