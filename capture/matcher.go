// Package capture implements the response-capture pipeline: URL pattern
// matching, response classification and the per-session ledger.
package capture

import (
	"regexp"

	"github.com/use-agent/pubcrawl/models"
)

// Pattern is a compiled URL pattern.
type Pattern struct {
	source string
	re     *regexp.Regexp
}

// CompilePattern compiles a caller-supplied regular expression. It fails
// with an INVALID_PATTERN ScrapeError so a bad pattern is rejected before
// any browser work starts.
func CompilePattern(pattern string) (*Pattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, models.NewInvalidPatternError(pattern, err)
	}
	return &Pattern{source: pattern, re: re}, nil
}

// Match reports whether the pattern occurs anywhere in url.
func (p *Pattern) Match(url string) bool {
	return p.re.MatchString(url)
}

// String returns the pattern source.
func (p *Pattern) String() string {
	return p.source
}

// Matches compiles pattern and tests it against url.
func Matches(pattern, url string) (bool, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return false, err
	}
	return p.Match(url), nil
}
