package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and internal error handling.
const (
	ErrCodeTimeout        = "SCRAPE_TIMEOUT"
	ErrCodeNavigation     = "NAVIGATION_FAILED"
	ErrCodeBrowserCrash   = "BROWSER_CRASH"
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeInvalidPattern = "INVALID_PATTERN"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ScrapeError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ScrapeError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *ScrapeError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// NewInvalidPatternError reports a URL pattern that does not compile.
func NewInvalidPatternError(pattern string, err error) *ScrapeError {
	return NewScrapeError(ErrCodeInvalidPattern, fmt.Sprintf("invalid url pattern %q", pattern), err)
}

// HasCode reports whether err is (or wraps) a ScrapeError with the given code.
func HasCode(err error, code string) bool {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// NavigationError is returned when every navigation attempt failed.
// Report holds whatever was captured before the session gave up, so the
// caller can still inspect partial traffic.
type NavigationError struct {
	Report   *Report
	Attempts int
	Err      *ScrapeError
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}
