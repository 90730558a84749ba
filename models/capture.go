package models

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Wait-until conditions understood by the browser collaborator.
const (
	WaitDOMContentLoaded = "domcontentloaded"
	WaitLoad             = "load"
	WaitNetworkIdle      = "networkidle"
	WaitCommit           = "commit"
)

// Defaults applied by CaptureOptions.Defaults.
const (
	DefaultTimeoutMs    = 20000
	DefaultRetries      = 3
	DefaultContentLimit = 256
	DefaultScreenSize   = "1440x900"
)

var validWaitConditions = []string{WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle, WaitCommit}

// CaptureOptions is the configuration bundle of one capture session.
// Every recognized option is listed here; callers build it once, run
// Defaults and Validate (NewTarget does both) and never mutate it afterwards.
type CaptureOptions struct {
	// TimeoutMs bounds a single navigation attempt.
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout,omitempty" binding:"omitempty,min=1,max=600000"` // default: 20000

	// Retries is the number of additional navigation attempts after the first.
	Retries *int `json:"retries,omitempty" yaml:"retries,omitempty" binding:"omitempty,min=0,max=20"` // default: 3

	// WaitUntil lists the page-readiness conditions a navigation must reach.
	WaitUntil []string `json:"wait_until,omitempty" yaml:"wait_until,omitempty"` // default: ["networkidle"]

	// PostResponseWaitMs is the settle wait after a successful load. Unset
	// picks a random value between 700 and 1300 ms; zero skips the wait.
	PostResponseWaitMs *int `json:"post_response_wait_ms,omitempty" yaml:"post_response_wait_ms,omitempty" binding:"omitempty,min=0,max=60000"`

	// ContentLimit caps the stored payload in bytes. Zero keeps full bodies.
	ContentLimit *int `json:"content_limit,omitempty" yaml:"content_limit,omitempty" binding:"omitempty,min=0"` // default: 256

	IncludeBinary  bool `json:"include_binary,omitempty" yaml:"include_binary,omitempty"`
	IncludeHeaders bool `json:"include_headers,omitempty" yaml:"include_headers,omitempty"`
	IncludeTLS     bool `json:"include_tls,omitempty" yaml:"include_tls,omitempty"`

	// UserAgent overrides the browser's user agent. Empty keeps the default.
	UserAgent string `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`

	// ScreenSize is the viewport as "WIDTHxHEIGHT".
	ScreenSize string `json:"screen_size,omitempty" yaml:"screen_size,omitempty"` // default: "1440x900"

	// Proxy is the proxy server URL, e.g. "socks5://127.0.0.1:9150".
	Proxy string `json:"proxy,omitempty" yaml:"proxy,omitempty"`

	// Stealth injects anti-bot-detection evasions before navigation.
	Stealth bool `json:"stealth,omitempty" yaml:"stealth,omitempty"`

	// BlockAds blocks well-known ad and tracking hosts.
	BlockAds bool `json:"block_ads,omitempty" yaml:"block_ads,omitempty"`

	// SessionTimeoutMs bounds the whole session. Zero derives it from the
	// navigation timeout, retries and settle wait.
	SessionTimeoutMs int `json:"session_timeout_ms,omitempty" yaml:"session_timeout_ms,omitempty" binding:"omitempty,min=0"`
}

// Defaults applies default values to unset fields.
func (o *CaptureOptions) Defaults() {
	if o.TimeoutMs == 0 {
		o.TimeoutMs = DefaultTimeoutMs
	}
	if o.Retries == nil {
		r := DefaultRetries
		o.Retries = &r
	}
	if o.ContentLimit == nil {
		l := DefaultContentLimit
		o.ContentLimit = &l
	}
	o.WaitUntil = normalizeWaitUntil(o.WaitUntil)
	if o.PostResponseWaitMs == nil {
		w := 700 + rand.IntN(601)
		o.PostResponseWaitMs = &w
	}
	if o.ScreenSize == "" {
		o.ScreenSize = DefaultScreenSize
	}
	if o.SessionTimeoutMs == 0 {
		perAttempt := o.TimeoutMs + 3100
		o.SessionTimeoutMs = (o.RetryLimit()+1)*perAttempt + o.settleMs() + 2000
	}
}

// Validate checks option values. Call Defaults first.
func (o *CaptureOptions) Validate() error {
	if o.TimeoutMs < 0 {
		return invalidInput("timeout must be positive, got %d", o.TimeoutMs)
	}
	if o.Retries != nil && *o.Retries < 0 {
		return invalidInput("retries must not be negative, got %d", *o.Retries)
	}
	if o.ContentLimit != nil && *o.ContentLimit < 0 {
		return invalidInput("content limit must not be negative, got %d", *o.ContentLimit)
	}
	if o.PostResponseWaitMs != nil && *o.PostResponseWaitMs < 0 {
		return invalidInput("post response wait must not be negative, got %d", *o.PostResponseWaitMs)
	}
	if o.SessionTimeoutMs < 0 {
		return invalidInput("session timeout must not be negative, got %d", o.SessionTimeoutMs)
	}
	if o.ScreenSize != "" {
		if _, _, err := ParseScreenSize(o.ScreenSize); err != nil {
			return err
		}
	}
	if o.Proxy != "" {
		u, err := url.Parse(o.Proxy)
		if err != nil || u.Host == "" {
			return invalidInput("invalid proxy %q", o.Proxy)
		}
		switch u.Scheme {
		case "http", "https", "socks4", "socks5":
		default:
			return invalidInput("unsupported proxy scheme %q", u.Scheme)
		}
	}
	return nil
}

// RetryLimit returns the configured retries, or the default when unset.
func (o CaptureOptions) RetryLimit() int {
	if o.Retries == nil {
		return DefaultRetries
	}
	return *o.Retries
}

// Limit returns the configured content limit, or the default when unset.
func (o CaptureOptions) Limit() int {
	if o.ContentLimit == nil {
		return DefaultContentLimit
	}
	return *o.ContentLimit
}

// Timeout returns the per-attempt navigation timeout.
func (o CaptureOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// PostResponseWait returns the settle wait after a successful load.
func (o CaptureOptions) PostResponseWait() time.Duration {
	return time.Duration(o.settleMs()) * time.Millisecond
}

func (o CaptureOptions) settleMs() int {
	if o.PostResponseWaitMs == nil {
		return 0
	}
	return *o.PostResponseWaitMs
}

// SessionTimeout returns the wall-clock bound of the whole session.
func (o CaptureOptions) SessionTimeout() time.Duration {
	return time.Duration(o.SessionTimeoutMs) * time.Millisecond
}

// ParseScreenSize splits "WIDTHxHEIGHT" into its dimensions.
func ParseScreenSize(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, invalidInput("screen size %q must look like 1440x900", s)
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, invalidInput("screen size %q must look like 1440x900", s)
	}
	return width, height, nil
}

// ParseWaitUntil splits a comma-separated list of wait-until conditions.
func ParseWaitUntil(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// normalizeWaitUntil keeps recognized conditions in order, drops duplicates
// and falls back to networkidle when nothing valid remains.
func normalizeWaitUntil(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if slices.Contains(validWaitConditions, c) && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return []string{WaitNetworkIdle}
	}
	return out
}

// Target is the immutable input of one capture session.
type Target struct {
	URL     string         `json:"url"`
	Pattern string         `json:"url_pattern"`
	Options CaptureOptions `json:"options"`
}

// NewTarget applies defaults to opts, validates everything and returns the
// resulting Target. The pattern is only checked for presence here; it is
// compiled by the capture pipeline before the browser starts.
func NewTarget(rawURL, pattern string, opts CaptureOptions) (Target, error) {
	// Detach from the caller's slices and pointers.
	opts.WaitUntil = slices.Clone(opts.WaitUntil)
	if opts.Retries != nil {
		r := *opts.Retries
		opts.Retries = &r
	}
	if opts.ContentLimit != nil {
		l := *opts.ContentLimit
		opts.ContentLimit = &l
	}
	if opts.PostResponseWaitMs != nil {
		w := *opts.PostResponseWaitMs
		opts.PostResponseWaitMs = &w
	}
	opts.Defaults()
	if err := opts.Validate(); err != nil {
		return Target{}, err
	}
	if err := validateTargetURL(rawURL); err != nil {
		return Target{}, err
	}
	if pattern == "" {
		return Target{}, invalidInput("url pattern is required")
	}
	return Target{URL: rawURL, Pattern: pattern, Options: opts}, nil
}

func validateTargetURL(rawURL string) error {
	if rawURL == "" {
		return invalidInput("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return invalidInput("invalid url %q: %v", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalidInput("url %q must be an absolute http(s) url", rawURL)
	}
	return nil
}

func invalidInput(format string, args ...any) *ScrapeError {
	return NewScrapeError(ErrCodeInvalidInput, fmt.Sprintf(format, args...), nil)
}
