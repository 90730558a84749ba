package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
)

// Runner bounds how many capture sessions run at once. Each session still
// gets its own browser and ledger. It is safe for concurrent use.
type Runner struct {
	launcher    engine.Launcher
	sem         chan struct{}
	maxSessions int
	active      atomic.Int32
	startTime   time.Time
	opts        []Option
}

// NewRunner returns a Runner allowing maxSessions concurrent sessions. The
// options are applied to every session it runs.
func NewRunner(launcher engine.Launcher, maxSessions int, opts ...Option) *Runner {
	if maxSessions < 1 {
		maxSessions = 1
	}
	slog.Info("session runner created", "maxSessions", maxSessions)
	return &Runner{
		launcher:    launcher,
		sem:         make(chan struct{}, maxSessions),
		maxSessions: maxSessions,
		startTime:   time.Now(),
		opts:        opts,
	}
}

// Capture waits for a free slot and runs one session. Per-call options are
// applied after the runner's own.
func (r *Runner) Capture(ctx context.Context, target models.Target, opts ...Option) (*models.Report, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, models.NewScrapeError(models.ErrCodeTimeout, "timed out waiting for a free session slot", ctx.Err())
	}
	defer func() { <-r.sem }()

	r.active.Add(1)
	defer r.active.Add(-1)

	all := make([]Option, 0, len(r.opts)+len(opts))
	all = append(all, r.opts...)
	all = append(all, opts...)
	return Run(ctx, r.launcher, target, all...)
}

// Stats returns a snapshot of session usage.
func (r *Runner) Stats() models.SessionStats {
	return models.SessionStats{
		MaxSessions:    r.maxSessions,
		ActiveSessions: int(r.active.Load()),
	}
}

// Uptime returns how long the runner has existed.
func (r *Runner) Uptime() time.Duration {
	return time.Since(r.startTime)
}
