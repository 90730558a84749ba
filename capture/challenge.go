package capture

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/use-agent/pubcrawl/engine"
)

// Anti-bot challenge detection is a best-effort heuristic. The signatures
// below are the only ones relied upon; anything else is classified by the
// remaining rules.

// challengeStatuses are the status codes interstitials are served with.
var challengeStatuses = map[int]struct{}{
	403: {},
	429: {},
	503: {},
}

// challengeTitles are lowercase <title> fragments of known interstitials.
var challengeTitles = []string{
	"just a moment...",
	"attention required! | cloudflare",
	"ddos-guard",
}

// challengeMarkers matches DOM elements only present on challenge pages.
var challengeMarkers = cascadia.MustCompile(
	`#challenge-form, #cf-challenge-running, .cf-browser-verification, script[src*="/cdn-cgi/challenge-platform/"]`,
)

// maxChallengeScan bounds how much of a body the heuristic looks at.
const maxChallengeScan = 64 << 10

// isChallenge reports whether a response looks like an anti-bot interstitial.
func isChallenge(raw engine.RawResponse) bool {
	if strings.EqualFold(strings.TrimSpace(raw.Header("cf-mitigated")), "challenge") {
		return true
	}
	if _, ok := challengeStatuses[raw.Status]; !ok {
		return false
	}
	body := raw.Body
	if len(body) == 0 {
		return false
	}
	if len(body) > maxChallengeScan {
		body = body[:maxChallengeScan]
	}

	if bytes.Contains(body, []byte("window._cf_chl_opt")) {
		return true
	}
	title := strings.ToLower(pageTitle(body))
	for _, t := range challengeTitles {
		if strings.Contains(title, t) {
			return true
		}
	}
	return hasChallengeMarkup(body)
}

// pageTitle returns the text of the first <title> element.
func pageTitle(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				if tokenizer.Next() == html.TextToken {
					return strings.TrimSpace(string(tokenizer.Text()))
				}
				return ""
			}
		}
	}
}

// hasChallengeMarkup parses the body and looks for challenge DOM markers.
func hasChallengeMarkup(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.FindMatcher(challengeMarkers).Length() > 0
}
