// Package scraper implements engine.Launcher and engine.Browser on top of a
// go-rod controlled Chromium. Every session gets its own browser process so
// proxy and viewport settings never leak between sessions.
package scraper

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/use-agent/pubcrawl/config"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
)

// Launcher starts one Chromium per capture session. It is safe for
// concurrent use.
type Launcher struct {
	cfg config.BrowserConfig
}

// NewLauncher returns a Launcher using the given browser settings.
func NewLauncher(cfg config.BrowserConfig) *Launcher {
	return &Launcher{cfg: cfg}
}

// Launch starts a browser, opens a page configured from opts and starts
// listening to its network traffic before returning.
func (l *Launcher) Launch(ctx context.Context, opts engine.LaunchOptions) (engine.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeTimeout, "session ended before launch", err)
	}
	proxy := opts.Proxy
	if proxy == "" {
		proxy = l.cfg.DefaultProxy
	}

	// ── 1. Launch process ────────────────────────────────────────────
	ln := launcher.New().
		Headless(l.cfg.Headless && !opts.Debug).
		NoSandbox(l.cfg.NoSandbox)
	if l.cfg.BrowserBin != "" {
		ln = ln.Bin(l.cfg.BrowserBin)
	}
	if proxy != "" {
		ln = ln.Proxy(proxy)
	}
	if opts.Debug {
		ln = ln.Devtools(true)
	}
	applyStealthFlags(ln)

	controlURL, err := ln.Launch()
	if err != nil {
		return nil, models.NewScrapeError(
			models.ErrCodeBrowserCrash,
			"failed to launch browser",
			err,
		)
	}
	slog.Debug("browser launched", "controlURL", controlURL, "proxy", proxy != "")

	// ── 2. Connect ───────────────────────────────────────────────────
	browser := rod.New().ControlURL(controlURL)
	if opts.Debug {
		browser = browser.SlowMotion(l.cfg.SlowMotion).Trace(true)
	}
	if err := browser.Connect(); err != nil {
		ln.Kill()
		return nil, models.NewScrapeError(
			models.ErrCodeBrowserCrash,
			"failed to connect to browser",
			err,
		)
	}

	b := &Browser{
		browser:  browser,
		launcher: ln,
	}
	if err := b.setup(opts); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// applyStealthFlags hides the most common automation fingerprints at the
// process level. Page-level evasions are injected separately.
func applyStealthFlags(l *launcher.Launcher) {
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))
}

// Browser is one launched Chromium with a single page. Close must be called
// exactly once the session is done with it.
type Browser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	page     *rod.Page
	listener *listener

	closeOnce sync.Once
	closeErr  error
	requests  atomic.Int64
}

// setup opens the page and applies per-session settings. Everything here
// must happen before the first navigation.
//
//  1. Page           – blank target
//  2. Viewport / UA  – emulation overrides
//  3. Stealth        – evasion script on every new document
//  4. Network        – domain enabled, ad hosts blocked
//  5. Listener       – network events start flowing to Responses
func (b *Browser) setup(opts engine.LaunchOptions) error {
	// ── 1. Page ──────────────────────────────────────────────────────
	page, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to create page", err)
	}
	b.page = page

	// ── 2. Viewport and user agent ───────────────────────────────────
	if opts.Width > 0 && opts.Height > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.Width,
			Height:            opts.Height,
			DeviceScaleFactor: 1,
		}); err != nil {
			slog.Warn("setting viewport failed", "error", err)
		}
	}
	if opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			slog.Warn("setting user agent failed", "error", err)
		}
	}

	// ── 3. Stealth ───────────────────────────────────────────────────
	if opts.Stealth {
		if _, evalErr := page.EvalOnNewDocument(stealth.JS); evalErr != nil {
			slog.Warn("stealth injection failed, proceeding without stealth",
				"error", evalErr,
			)
		}
	}

	// ── 4. Network domain and blocking ───────────────────────────────
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to enable network events", err)
	}
	if opts.BlockAds {
		if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLPatterns()}).Call(page); err != nil {
			slog.Warn("installing ad blocklist failed", "error", err)
		}
	}

	// ── 5. Listener ──────────────────────────────────────────────────
	b.listener = newListener(page, opts, &b.requests)
	b.listener.start()
	return nil
}

// Navigate loads req.URL and waits for every requested lifecycle event.
func (b *Browser) Navigate(ctx context.Context, req engine.NavigateRequest) error {
	p := b.page.Context(ctx)

	// Waiters must be registered before navigation or they miss the event.
	waits := make([]func(), 0, len(req.WaitUntil))
	for _, cond := range req.WaitUntil {
		if ev, ok := lifecycleEvent(cond); ok {
			waits = append(waits, p.WaitNavigation(ev))
		}
	}

	if err := p.Navigate(req.URL); err != nil {
		return categorizeError(ctx, err)
	}
	for _, wait := range waits {
		wait()
	}
	if err := ctx.Err(); err != nil {
		return categorizeError(ctx, err)
	}

	if u, err := url.Parse(req.URL); err == nil {
		slog.Debug("navigation complete", "host", u.Host, "wait_until", req.WaitUntil)
	}
	return nil
}

// Responses returns the channel network exchanges are reported on.
func (b *Browser) Responses() <-chan engine.RawResponse {
	return b.listener.out
}

// UserAgent evaluates navigator.userAgent in the page.
func (b *Browser) UserAgent(ctx context.Context) string {
	return evalStringOrEmpty(b.page.Context(ctx), `() => navigator.userAgent`)
}

// RequestsSent returns how many requests the page has sent so far.
func (b *Browser) RequestsSent() int {
	return int(b.requests.Load())
}

// Close stops event delivery, closes the page and kills the browser
// process. It is safe to call more than once.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if b.listener != nil {
			b.listener.stop()
		}
		if b.page != nil {
			_ = b.page.Close()
		}
		b.closeErr = b.browser.Close()
		b.launcher.Kill()
		b.launcher.Cleanup()
	})
	return b.closeErr
}

// lifecycleEvent maps a wait-until condition to the page lifecycle event
// that signals it. "commit" needs no wait beyond Navigate returning.
func lifecycleEvent(cond string) (proto.PageLifecycleEventName, bool) {
	switch cond {
	case models.WaitLoad:
		return proto.PageLifecycleEventNameLoad, true
	case models.WaitDOMContentLoaded:
		return proto.PageLifecycleEventNameDOMContentLoaded, true
	case models.WaitNetworkIdle:
		return proto.PageLifecycleEventNameNetworkIdle, true
	default:
		return "", false
	}
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}
