package scraper

import (
	"context"
	"errors"
	"strings"

	"github.com/go-rod/rod"

	"github.com/use-agent/pubcrawl/engine"
)

// categorizeError tags a rod error with a navigation failure kind so the
// retry controller can tell transient failures from fatal ones.
func categorizeError(ctx context.Context, err error) *engine.NavigationFailure {
	var navErr *rod.NavigationError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return engine.Fail(engine.FailureTimeout, err)
	case errors.Is(err, context.Canceled):
		return engine.Fail(engine.FailureCanceled, err)
	case errors.As(err, &navErr):
		if strings.HasPrefix(navErr.Reason, "net::") {
			return engine.Fail(engine.FailureNetwork, err)
		}
		return engine.Fail(engine.FailureNavigation, err)
	case isBrowserGone(err):
		return engine.Fail(engine.FailureBrowser, err)
	default:
		return engine.Fail(engine.FailureNavigation, err)
	}
}

// isBrowserGone reports errors meaning the page or browser no longer exists.
func isBrowserGone(err error) bool {
	msg := err.Error()
	for _, s := range []string{"Target closed", "target closed", "websocket: close", "use of closed network connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
