// Package session runs capture sessions: it owns the browser for the
// session's lifetime, feeds its network events through the capture pipeline,
// drives navigation retries and assembles the final report.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/pubcrawl/cache"
	"github.com/use-agent/pubcrawl/capture"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
	"github.com/use-agent/pubcrawl/retry"
)

// navGrace bounds how long a stopped session waits for an in-flight
// navigation to report its outcome.
const navGrace = 2 * time.Second

// uaTimeout bounds the user-agent lookup at the end of a session.
const uaTimeout = 2 * time.Second

// Outcome labels how a session ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeTimedOut         Outcome = "timed_out"
	OutcomeNavigationFailed Outcome = "navigation_failed"
	OutcomeLaunchFailed     Outcome = "launch_failed"
)

// Observer receives session lifecycle events. Implementations must be safe
// for concurrent use; navigation events arrive from a separate goroutine.
type Observer interface {
	SessionStarted()
	SessionFinished(outcome Outcome, elapsed time.Duration)
	NavigationAttempted(err error)
	ResponseCaptured(r models.CapturedResponse)
}

type nopObserver struct{}

func (nopObserver) SessionStarted()                          {}
func (nopObserver) SessionFinished(Outcome, time.Duration)   {}
func (nopObserver) NavigationAttempted(error)                {}
func (nopObserver) ResponseCaptured(models.CapturedResponse) {}

type settings struct {
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time
	newID     func() string
	retryOpts []retry.Option
	debug     bool
	patterns  *cache.Cache[*capture.Pattern]
}

// Option configures Run.
type Option func(*settings)

// WithLogger sets the parent logger; a session logs through a child logger
// carrying its id and url.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithClock overrides the clock used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithSessionID overrides session id generation.
func WithSessionID(fn func() string) Option {
	return func(s *settings) { s.newID = fn }
}

// WithRetryOptions passes options to the navigation retry controller.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(s *settings) { s.retryOpts = append(s.retryOpts, opts...) }
}

// WithDebug launches a visible browser.
func WithDebug(debug bool) Option {
	return func(s *settings) { s.debug = debug }
}

// WithPatternCache reuses compiled patterns across sessions. Invalid
// patterns are never cached.
func WithPatternCache(c *cache.Cache[*capture.Pattern]) Option {
	return func(s *settings) { s.patterns = c }
}

func (s settings) compile(pattern string) (*capture.Pattern, error) {
	if s.patterns == nil {
		return capture.CompilePattern(pattern)
	}
	return s.patterns.GetOrLoad(pattern, capture.CompilePattern)
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:   slog.Default(),
		observer: nopObserver{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// session is the state of one Run. Everything except lastAttempt is owned
// by the goroutine executing Run.
type session struct {
	settings
	id       string
	target   models.Target
	pattern  *capture.Pattern
	launcher engine.Launcher
	browser  engine.Browser
	ledger   *capture.Ledger
	log      *slog.Logger

	seen    int
	matched int

	lastAttempt atomic.Int64
}

// Run executes one capture session against target and returns its report.
//
// Lifecycle (numbered steps match the inline comments):
//
//  1. Validate       – defaults re-applied, options frozen
//  2. Compile        – a bad pattern fails before any browser work
//  3. Launch         – the browser is owned by this call and always closed
//  4. Capture        – one loop consumes events while navigation retries run
//  5. Settle         – late responses are captured for post_response_wait
//  6. Report         – ledger finalized, metadata assembled
//
// When every navigation attempt fails the error is a *models.NavigationError
// carrying the partial report. Hitting the session deadline is only an error
// when navigation never succeeded and nothing was captured.
func Run(ctx context.Context, launcher engine.Launcher, target models.Target, opts ...Option) (*models.Report, error) {
	// ── 1. Validate ──────────────────────────────────────────────────
	target, err := models.NewTarget(target.URL, target.Pattern, target.Options)
	if err != nil {
		return nil, err
	}

	// ── 2. Compile pattern ───────────────────────────────────────────
	set := newSettings(opts)
	pattern, err := set.compile(target.Pattern)
	if err != nil {
		return nil, err
	}

	s := &session{
		settings: set,
		target:   target,
		pattern:  pattern,
		launcher: launcher,
		ledger:   capture.NewLedger(),
	}
	s.id = s.newID()
	s.log = s.logger.With("session_id", s.id, "url", target.URL)
	return s.run(ctx)
}

func (s *session) run(ctx context.Context) (*models.Report, error) {
	opts := s.target.Options
	start := s.now()
	s.observer.SessionStarted()

	ctx, cancel := context.WithTimeout(ctx, opts.SessionTimeout())
	defer cancel()

	// ── 3. Launch browser ────────────────────────────────────────────
	launchOpts := engine.LaunchOptionsFor(opts)
	launchOpts.Debug = s.debug
	launchOpts.Match = s.pattern.Match
	browser, err := s.launchBrowser(ctx, launchOpts)
	if err != nil {
		s.observer.SessionFinished(OutcomeLaunchFailed, s.now().Sub(start))
		return nil, err
	}
	s.browser = browser
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			s.log.Warn("closing browser failed", "error", closeErr)
		}
	}()
	s.log.Info("capture session started", "pattern", s.target.Pattern, "retries", opts.RetryLimit())

	// ── 4. Capture while navigating ──────────────────────────────────
	navDone := make(chan error, 1)
	go s.navigate(ctx, navDone)

	var (
		events   = browser.Responses()
		settle   <-chan time.Time
		navErr   error
		navEnded bool
		timedOut bool
	)
loop:
	for {
		select {
		case raw, ok := <-events:
			if !ok {
				events = nil
				if navEnded {
					break loop
				}
				continue
			}
			s.handle(raw)

		case navErr = <-navDone:
			navDone = nil
			navEnded = true
			if navErr != nil {
				s.drain(events)
				break loop
			}
			// ── 5. Settle ────────────────────────────────────────────
			if events == nil {
				break loop
			}
			timer := time.NewTimer(opts.PostResponseWait())
			defer timer.Stop()
			settle = timer.C

		case <-settle:
			s.drain(events)
			break loop

		case <-ctx.Done():
			timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			break loop
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		timedOut = true
	}
	cancel()

	if !navEnded {
		select {
		case navErr = <-navDone:
		case <-time.After(navGrace):
			navErr = engine.Fail(engine.FailureTimeout, context.DeadlineExceeded)
		}
	}

	// ── 6. Build report ──────────────────────────────────────────────
	report := s.report(ctx, start, timedOut)
	elapsed := s.now().Sub(start)

	if navErr != nil && !(timedOut && s.ledger.Len() > 0) {
		attempts := int(s.lastAttempt.Load()) + 1
		s.log.Warn("capture session failed",
			"attempts", attempts,
			"responses", s.ledger.Len(),
			"timed_out", timedOut,
			"error", navErr,
		)
		s.observer.SessionFinished(OutcomeNavigationFailed, elapsed)
		return report, &models.NavigationError{
			Report:   report,
			Attempts: attempts,
			Err:      navigationScrapeError(navErr, timedOut),
		}
	}

	outcome := OutcomeCompleted
	if timedOut {
		outcome = OutcomeTimedOut
	}
	s.log.Info("capture session finished",
		"outcome", outcome,
		"responses", len(report.Responses),
		"bytes", report.Metadata.TotalBytesReceived,
		"retries_used", report.Metadata.RetriesUsed,
		"duration_ms", report.Metadata.DurationMs,
	)
	s.observer.SessionFinished(outcome, elapsed)
	return report, nil
}

// launchBrowser acquires the browser and converts launcher failures into
// BROWSER_CRASH errors.
func (s *session) launchBrowser(ctx context.Context, opts engine.LaunchOptions) (engine.Browser, error) {
	browser, err := s.launchWithRecover(ctx, opts)
	if err != nil {
		var se *models.ScrapeError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	return browser, nil
}

func (s *session) launchWithRecover(ctx context.Context, opts engine.LaunchOptions) (b engine.Browser, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("launcher panic: %v", r)
		}
	}()
	return s.launcher.Launch(ctx, opts)
}

// navigate runs the retry controller and reports the terminal outcome on done.
func (s *session) navigate(ctx context.Context, done chan<- error) {
	opts := s.target.Options
	defer func() {
		if r := recover(); r != nil {
			done <- engine.Fail(engine.FailureBrowser, fmt.Errorf("navigation panic: %v", r))
		}
	}()

	ctrl := retry.New(opts.RetryLimit(), s.retryOpts...)
	err := ctrl.Run(ctx, func(ctx context.Context, attempt int) error {
		s.lastAttempt.Store(int64(attempt))
		actx, cancel := context.WithTimeout(ctx, opts.Timeout())
		defer cancel()

		err := s.browser.Navigate(actx, engine.NavigateRequest{
			URL:       s.target.URL,
			WaitUntil: opts.WaitUntil,
			Timeout:   opts.Timeout(),
		})
		s.observer.NavigationAttempted(err)
		if err != nil {
			s.log.Warn("navigation attempt failed",
				"attempt", attempt+1,
				"kind", engine.KindOf(err),
				"error", err,
			)
		}
		return err
	})
	if ctrl.State() == retry.Exhausted {
		s.log.Warn("navigation exhausted",
			"attempts", ctrl.Attempts(),
			"retriesUsed", ctrl.RetriesUsed(),
			"elapsed", ctrl.Elapsed(),
			"error", err,
		)
	}
	done <- err
}

// drain handles events already queued on the channel without waiting for more.
func (s *session) drain(events <-chan engine.RawResponse) {
	for {
		select {
		case raw, ok := <-events:
			if !ok {
				return
			}
			s.handle(raw)
		default:
			return
		}
	}
}

// handle runs one raw event through match, classify and add. It is the only
// caller of Ledger.Add.
func (s *session) handle(raw engine.RawResponse) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling response", "response_url", raw.URL, "panic", r)
		}
	}()

	s.seen++
	if !s.pattern.Match(raw.URL) {
		return
	}
	s.matched++

	r := capture.Classify(raw, s.target.Options)
	s.ledger.Add(r)
	s.observer.ResponseCaptured(r)
	s.log.Debug("response captured",
		"response_url", r.MatchedURL,
		"status", r.Status,
		"classification", r.Classification,
		"original_length", r.OriginalLength,
	)
}

func (s *session) report(ctx context.Context, start time.Time, timedOut bool) *models.Report {
	opts := s.target.Options
	snap := s.ledger.Finalize()

	uaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uaTimeout)
	defer cancel()
	ua := s.browser.UserAgent(uaCtx)
	if ua == "" {
		ua = opts.UserAgent
	}

	requests := s.seen
	if rc, ok := s.browser.(engine.RequestCounter); ok {
		requests = rc.RequestsSent()
	}

	end := s.now()
	return &models.Report{
		Metadata: models.ReportMetadata{
			SessionID:          s.id,
			URL:                s.target.URL,
			URLPattern:         s.target.Pattern,
			UserAgent:          ua,
			ScreenSize:         opts.ScreenSize,
			Proxy:              opts.Proxy,
			StartTime:          start,
			EndTime:            end,
			DurationMs:         end.Sub(start).Milliseconds(),
			TotalBytesReceived: snap.TotalBytes,
			RetriesUsed:        int(s.lastAttempt.Load()),
			RequestsSent:       requests,
			ResponsesSeen:      s.seen,
			ResponsesMatched:   s.matched,
			TimedOut:           timedOut,
			Config:             opts,
		},
		Responses:    snap.Responses,
		ErrorSummary: snap.Summary,
	}
}

// navigationScrapeError maps the last navigation failure to an error code.
func navigationScrapeError(err error, timedOut bool) *models.ScrapeError {
	switch {
	case timedOut:
		return models.NewScrapeError(models.ErrCodeTimeout, "session deadline exceeded before any response was captured", err)
	case engine.KindOf(err) == engine.FailureBrowser:
		return models.NewScrapeError(models.ErrCodeBrowserCrash, "browser failed during navigation", err)
	default:
		return models.NewScrapeError(models.ErrCodeNavigation, "page could not be loaded", err)
	}
}
