package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/pubcrawl/cache"
	"github.com/use-agent/pubcrawl/capture"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
	"github.com/use-agent/pubcrawl/retry"
)

// fakeBrowser replays scripted network traffic. navigate is called once per
// attempt with the zero-based attempt index.
type fakeBrowser struct {
	events    chan engine.RawResponse
	navigate  func(ctx context.Context, attempt int, b *fakeBrowser) error
	attempts  atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once
}

func newFakeBrowser(navigate func(ctx context.Context, attempt int, b *fakeBrowser) error) *fakeBrowser {
	return &fakeBrowser{events: make(chan engine.RawResponse, 64), navigate: navigate}
}

func (b *fakeBrowser) emit(raw engine.RawResponse) { b.events <- raw }

func (b *fakeBrowser) Navigate(ctx context.Context, _ engine.NavigateRequest) error {
	n := b.attempts.Add(1) - 1
	return b.navigate(ctx, int(n), b)
}

func (b *fakeBrowser) Responses() <-chan engine.RawResponse { return b.events }

func (b *fakeBrowser) UserAgent(context.Context) string { return "fake-agent/1.0" }

func (b *fakeBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.events)
	})
	return nil
}

type fakeLauncher struct {
	browser  *fakeBrowser
	err      error
	launches atomic.Int32
}

func (l *fakeLauncher) Launch(context.Context, engine.LaunchOptions) (engine.Browser, error) {
	l.launches.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished []Outcome
	attempts int
	captured int
}

func (o *recordingObserver) SessionStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) SessionFinished(outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, outcome)
}

func (o *recordingObserver) NavigationAttempted(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *recordingObserver) ResponseCaptured(models.CapturedResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.captured++
}

func intPtr(n int) *int { return &n }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget(pattern string, opts models.CaptureOptions) models.Target {
	if opts.PostResponseWaitMs == nil {
		opts.PostResponseWaitMs = intPtr(1)
	}
	return models.Target{URL: "https://example.com/", Pattern: pattern, Options: opts}
}

func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithLogger(quietLogger()),
		WithSessionID(func() string { return "sess-1" }),
		WithRetryOptions(retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
	}
	return append(opts, extra...)
}

func jsonEvent(url string, body string) engine.RawResponse {
	return engine.RawResponse{URL: url, Status: 200, ContentType: "application/json", Body: []byte(body)}
}

func TestRun_CapturesMatchingResponses(t *testing.T) {
	browser := newFakeBrowser(func(_ context.Context, _ int, b *fakeBrowser) error {
		b.emit(jsonEvent("https://example.com/api/v1/data", "{}"))
		b.emit(engine.RawResponse{URL: "https://example.com/static/logo.png", Status: 200, ContentType: "image/png"})
		return nil
	})
	launcher := &fakeLauncher{browser: browser}
	obs := &recordingObserver{}

	report, err := Run(context.Background(), launcher, testTarget("api/v1", models.CaptureOptions{}), testOptions(WithObserver(obs))...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(report.Responses))
	}
	r := report.Responses[0]
	if r.Classification != models.ClassOK || r.OriginalLength != 2 {
		t.Errorf("response = %s/%d, want ok/2", r.Classification, r.OriginalLength)
	}

	md := report.Metadata
	if md.SessionID != "sess-1" || md.UserAgent != "fake-agent/1.0" {
		t.Errorf("metadata id/ua = %q/%q", md.SessionID, md.UserAgent)
	}
	if md.ResponsesSeen != 2 || md.ResponsesMatched != 1 {
		t.Errorf("seen/matched = %d/%d, want 2/1", md.ResponsesSeen, md.ResponsesMatched)
	}
	if md.TotalBytesReceived != 2 || md.RetriesUsed != 0 || md.TimedOut {
		t.Errorf("bytes=%d retries=%d timedOut=%v", md.TotalBytesReceived, md.RetriesUsed, md.TimedOut)
	}
	if md.Config.RetryLimit() != models.DefaultRetries || md.Config.ScreenSize != models.DefaultScreenSize {
		t.Errorf("effective options not echoed: %+v", md.Config)
	}
	if !browser.closed.Load() {
		t.Error("browser was not closed")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.started != 1 || len(obs.finished) != 1 || obs.finished[0] != OutcomeCompleted {
		t.Errorf("observer started=%d finished=%v", obs.started, obs.finished)
	}
	if obs.captured != 1 || obs.attempts != 1 {
		t.Errorf("observer captured=%d attempts=%d", obs.captured, obs.attempts)
	}
}

func TestRun_ContentLimit(t *testing.T) {
	browser := newFakeBrowser(func(_ context.Context, _ int, b *fakeBrowser) error {
		b.emit(engine.RawResponse{URL: "https://example.com/data.txt", Status: 200, ContentType: "text/plain", Body: []byte("0123456789")})
		return nil
	})

	report, err := Run(context.Background(), &fakeLauncher{browser: browser},
		testTarget("data", models.CaptureOptions{ContentLimit: intPtr(5)}), testOptions()...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(report.Responses))
	}
	r := report.Responses[0]
	if len(r.Payload) != 5 || r.OriginalLength != 10 || !r.Truncated {
		t.Errorf("payload len=%d original=%d truncated=%v", len(r.Payload), r.OriginalLength, r.Truncated)
	}
}

func TestRun_InvalidPatternNeverLaunches(t *testing.T) {
	launcher := &fakeLauncher{browser: newFakeBrowser(func(context.Context, int, *fakeBrowser) error { return nil })}

	report, err := Run(context.Background(), launcher, testTarget("(unclosed", models.CaptureOptions{}), testOptions()...)
	if report != nil {
		t.Error("expected no report")
	}
	if !models.HasCode(err, models.ErrCodeInvalidPattern) {
		t.Fatalf("expected %s, got %v", models.ErrCodeInvalidPattern, err)
	}
	if n := launcher.launches.Load(); n != 0 {
		t.Errorf("launches = %d, want 0", n)
	}
}

func TestRun_PatternCache(t *testing.T) {
	patterns := cache.New[*capture.Pattern](10, time.Hour)
	for range 2 {
		launcher := &fakeLauncher{browser: newFakeBrowser(func(_ context.Context, _ int, b *fakeBrowser) error {
			b.emit(jsonEvent("https://example.com/api/v1/data", "{}"))
			return nil
		})}
		report, err := Run(context.Background(), launcher, testTarget("api/v1", models.CaptureOptions{}), testOptions(WithPatternCache(patterns))...)
		if err != nil {
			t.Fatal(err)
		}
		if len(report.Responses) != 1 {
			t.Errorf("responses = %d, want 1", len(report.Responses))
		}
	}
	if _, ok := patterns.Get("api/v1"); !ok || patterns.Len() != 1 {
		t.Errorf("cached patterns = %d", patterns.Len())
	}

	launcher := &fakeLauncher{}
	_, err := Run(context.Background(), launcher, testTarget("(unclosed", models.CaptureOptions{}), testOptions(WithPatternCache(patterns))...)
	if !models.HasCode(err, models.ErrCodeInvalidPattern) {
		t.Fatalf("expected %s, got %v", models.ErrCodeInvalidPattern, err)
	}
	if patterns.Len() != 1 || launcher.launches.Load() != 0 {
		t.Errorf("invalid pattern cached or launched: len=%d launches=%d", patterns.Len(), launcher.launches.Load())
	}
}

func TestRun_InvalidURLNeverLaunches(t *testing.T) {
	launcher := &fakeLauncher{browser: newFakeBrowser(func(context.Context, int, *fakeBrowser) error { return nil })}
	target := testTarget("x", models.CaptureOptions{})
	target.URL = "ftp://example.com/"

	_, err := Run(context.Background(), launcher, target, testOptions()...)
	if !models.HasCode(err, models.ErrCodeInvalidInput) {
		t.Fatalf("expected %s, got %v", models.ErrCodeInvalidInput, err)
	}
	if n := launcher.launches.Load(); n != 0 {
		t.Errorf("launches = %d, want 0", n)
	}
}

func TestRun_NavigationExhausted(t *testing.T) {
	browser := newFakeBrowser(func(_ context.Context, attempt int, b *fakeBrowser) error {
		if attempt == 0 {
			b.emit(jsonEvent("https://example.com/api/v1/early", `{"a":1}`))
		}
		return engine.Fail(engine.FailureTimeout, context.DeadlineExceeded)
	})
	obs := &recordingObserver{}

	report, err := Run(context.Background(), &fakeLauncher{browser: browser},
		testTarget("api/v1", models.CaptureOptions{Retries: intPtr(3)}), testOptions(WithObserver(obs))...)

	var navErr *models.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("expected NavigationError, got %v", err)
	}
	if navErr.Report == nil || navErr.Report != report {
		t.Fatal("navigation error must carry the partial report")
	}
	if navErr.Report.Metadata.RetriesUsed != 3 {
		t.Errorf("retries used = %d, want 3", navErr.Report.Metadata.RetriesUsed)
	}
	if navErr.Attempts != 4 || browser.attempts.Load() != 4 {
		t.Errorf("attempts = %d (browser saw %d), want 4", navErr.Attempts, browser.attempts.Load())
	}
	if len(navErr.Report.Responses) != 1 {
		t.Errorf("partial responses = %d, want 1", len(navErr.Report.Responses))
	}
	if !models.HasCode(err, models.ErrCodeNavigation) {
		t.Errorf("expected %s, got %v", models.ErrCodeNavigation, err)
	}
	if !browser.closed.Load() {
		t.Error("browser was not closed")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.attempts != 4 || len(obs.finished) != 1 || obs.finished[0] != OutcomeNavigationFailed {
		t.Errorf("observer attempts=%d finished=%v", obs.attempts, obs.finished)
	}
}

func TestRun_NavigationExhaustedLogsElapsed(t *testing.T) {
	browser := newFakeBrowser(func(context.Context, int, *fakeBrowser) error {
		return engine.Fail(engine.FailureNetwork, errors.New("net::ERR_CONNECTION_RESET"))
	})
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	_, err := Run(context.Background(), &fakeLauncher{browser: browser},
		testTarget("api", models.CaptureOptions{Retries: intPtr(1)}), testOptions(WithLogger(logger))...)
	if err == nil {
		t.Fatal("expected navigation error")
	}

	var line map[string]any
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if json.Unmarshal(raw, &entry) == nil && entry["msg"] == "navigation exhausted" {
			line = entry
		}
	}
	if line == nil {
		t.Fatalf("no exhaustion log in:\n%s", buf.String())
	}
	if line["attempts"] != float64(2) || line["retriesUsed"] != float64(1) {
		t.Errorf("exhaustion log = %v", line)
	}
	if _, ok := line["elapsed"]; !ok {
		t.Errorf("exhaustion log has no elapsed: %v", line)
	}
}

func TestRun_RetryThenSuccess(t *testing.T) {
	browser := newFakeBrowser(func(_ context.Context, attempt int, b *fakeBrowser) error {
		if attempt == 0 {
			return engine.Fail(engine.FailureNetwork, errors.New("net::ERR_CONNECTION_RESET"))
		}
		b.emit(jsonEvent("https://example.com/api/v1/data", "[]"))
		return nil
	})

	report, err := Run(context.Background(), &fakeLauncher{browser: browser},
		testTarget("api", models.CaptureOptions{}), testOptions()...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Metadata.RetriesUsed != 1 || browser.attempts.Load() != 2 {
		t.Errorf("retries used = %d attempts = %d, want 1 and 2", report.Metadata.RetriesUsed, browser.attempts.Load())
	}
}

func TestRun_NonTransientFailureStops(t *testing.T) {
	browser := newFakeBrowser(func(context.Context, int, *fakeBrowser) error {
		return engine.Fail(engine.FailureBrowser, errors.New("target closed"))
	})

	_, err := Run(context.Background(), &fakeLauncher{browser: browser},
		testTarget("api", models.CaptureOptions{}), testOptions()...)
	if !models.HasCode(err, models.ErrCodeBrowserCrash) {
		t.Errorf("expected %s, got %v", models.ErrCodeBrowserCrash, err)
	}
	if n := browser.attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("chrome not found")}

	report, err := Run(context.Background(), launcher, testTarget("api", models.CaptureOptions{}), testOptions()...)
	if report != nil {
		t.Error("expected no report")
	}
	if !models.HasCode(err, models.ErrCodeBrowserCrash) {
		t.Errorf("expected %s, got %v", models.ErrCodeBrowserCrash, err)
	}
}

func TestRun_DeadlineWithCapturedResponses(t *testing.T) {
	browser := newFakeBrowser(func(ctx context.Context, _ int, b *fakeBrowser) error {
		b.emit(jsonEvent("https://example.com/api/v1/slow", "{}"))
		<-ctx.Done()
		return engine.Fail(engine.FailureTimeout, ctx.Err())
	})
	opts := models.CaptureOptions{TimeoutMs: 10000, SessionTimeoutMs: 100}

	report, err := Run(context.Background(), &fakeLauncher{browser: browser}, testTarget("api", opts), testOptions()...)
	if err != nil {
		t.Fatalf("deadline with captured responses must not be an error, got %v", err)
	}
	if !report.Metadata.TimedOut {
		t.Error("expected timed_out flag")
	}
	if len(report.Responses) != 1 {
		t.Errorf("responses = %d, want 1", len(report.Responses))
	}
}

func TestRun_DeadlineWithoutResponses(t *testing.T) {
	browser := newFakeBrowser(func(ctx context.Context, _ int, _ *fakeBrowser) error {
		<-ctx.Done()
		return engine.Fail(engine.FailureTimeout, ctx.Err())
	})
	opts := models.CaptureOptions{TimeoutMs: 10000, SessionTimeoutMs: 100}

	_, err := Run(context.Background(), &fakeLauncher{browser: browser}, testTarget("api", opts), testOptions()...)
	var navErr *models.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("expected NavigationError, got %v", err)
	}
	if !models.HasCode(err, models.ErrCodeTimeout) {
		t.Errorf("expected %s, got %v", models.ErrCodeTimeout, err)
	}
	if !navErr.Report.Metadata.TimedOut {
		t.Error("expected timed_out flag on partial report")
	}
}

func TestRunner_StatsAndSlotTimeout(t *testing.T) {
	browser := newFakeBrowser(func(context.Context, int, *fakeBrowser) error { return nil })
	r := NewRunner(&fakeLauncher{browser: browser}, 1, testOptions()...)

	if st := r.Stats(); st.MaxSessions != 1 || st.ActiveSessions != 0 {
		t.Errorf("stats = %+v", st)
	}

	// Occupy the only slot.
	r.sem <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Capture(ctx, testTarget("api", models.CaptureOptions{}))
	if !models.HasCode(err, models.ErrCodeTimeout) {
		t.Errorf("expected %s, got %v", models.ErrCodeTimeout, err)
	}
	<-r.sem

	if _, err := r.Capture(context.Background(), testTarget("api", models.CaptureOptions{})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := r.Stats(); st.ActiveSessions != 0 {
		t.Errorf("active sessions after capture = %d, want 0", st.ActiveSessions)
	}
}
