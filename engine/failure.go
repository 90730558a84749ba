package engine

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind tags why a navigation attempt failed.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureNavigation FailureKind = "navigation"
	FailureNetwork    FailureKind = "network"
	FailureCanceled   FailureKind = "canceled"
	FailureBrowser    FailureKind = "browser"
)

// Transient reports whether another attempt may succeed.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureTimeout, FailureNavigation, FailureNetwork:
		return true
	}
	return false
}

// NavigationFailure is the error returned by Browser.Navigate.
type NavigationFailure struct {
	Kind FailureKind
	Err  error
}

func (f *NavigationFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *NavigationFailure) Unwrap() error {
	return f.Err
}

// Fail wraps err with a failure kind.
func Fail(kind FailureKind, err error) *NavigationFailure {
	return &NavigationFailure{Kind: kind, Err: err}
}

// KindOf returns the failure kind carried by err. Bare context errors map to
// timeout or canceled; anything else unrecognized counts as a navigation error.
func KindOf(err error) FailureKind {
	var f *NavigationFailure
	switch {
	case errors.As(err, &f):
		return f.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCanceled
	default:
		return FailureNavigation
	}
}

// IsTransient reports whether a navigation error is worth retrying.
func IsTransient(err error) bool {
	return err != nil && KindOf(err).Transient()
}
