package engine

import (
	"context"
	"strings"
	"time"

	"github.com/use-agent/pubcrawl/models"
)

// Browser is one scoped browser session: a single page whose network
// traffic is reported on Responses. It is owned by exactly one capture
// session and must be closed on every exit path.
type Browser interface {
	// Navigate loads the page and blocks until every wait-until condition
	// is reached. Failures are returned as *NavigationFailure.
	Navigate(ctx context.Context, req NavigateRequest) error

	// Responses yields one RawResponse per finished network exchange. The
	// channel is closed when the browser is closed.
	Responses() <-chan RawResponse

	// UserAgent returns the user agent the page actually reports.
	UserAgent(ctx context.Context) string

	// Close stops event delivery and releases the browser process.
	Close() error
}

// Launcher acquires a Browser for one session.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// LauncherFunc adapts a plain function to the Launcher interface.
type LauncherFunc func(ctx context.Context, opts LaunchOptions) (Browser, error)

func (f LauncherFunc) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	return f(ctx, opts)
}

// LaunchOptions carries the per-session browser settings.
type LaunchOptions struct {
	UserAgent string
	Width     int
	Height    int
	Proxy     string
	Stealth   bool
	BlockAds  bool

	// Debug runs a visible browser with devtools and slow motion.
	Debug bool

	// FetchBinaryBodies retrieves bodies of image/font/media responses.
	// When false those bodies are never downloaded from the browser.
	FetchBinaryBodies bool

	// Match limits body retrieval to responses whose URL it accepts. Other
	// responses are still reported, without a body. Nil retrieves every body.
	Match func(url string) bool
}

// LaunchOptionsFor derives LaunchOptions from validated capture options.
func LaunchOptionsFor(opts models.CaptureOptions) LaunchOptions {
	w, h, err := models.ParseScreenSize(opts.ScreenSize)
	if err != nil {
		w, h, _ = models.ParseScreenSize(models.DefaultScreenSize)
	}
	return LaunchOptions{
		UserAgent:         opts.UserAgent,
		Width:             w,
		Height:            h,
		Proxy:             opts.Proxy,
		Stealth:           opts.Stealth,
		BlockAds:          opts.BlockAds,
		FetchBinaryBodies: opts.IncludeBinary,
	}
}

// NavigateRequest describes one navigation attempt.
type NavigateRequest struct {
	URL       string
	WaitUntil []string
	Timeout   time.Duration
}

// RawResponse is a network exchange as observed by the browser. It is
// consumed immediately by the capture pipeline.
type RawResponse struct {
	URL          string
	Status       int
	StatusText   string
	Headers      []models.Header // sorted by name
	ContentType  string
	MIMEType     string
	ResourceType string

	// Body is nil when it was not retrieved.
	Body []byte

	// BodyMissing is set when no bytes were ever delivered, e.g. the
	// request was aborted or blocked.
	BodyMissing bool

	// FetchErr is a transport failure while reading the body.
	FetchErr error

	RemoteIP   string
	RemotePort int
	TLS        *models.TLSInfo
	ReceivedAt time.Time
}

// Header returns the first header value with the given name, case-insensitively.
func (r RawResponse) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// RequestCounter is implemented by browsers that count the requests the
// page sent, including ones that never produced a response.
type RequestCounter interface {
	RequestsSent() int
}
