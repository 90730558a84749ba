package capture

import (
	"bytes"
	"mime"
	"slices"
	"strconv"
	"strings"

	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
)

// binaryPrefixes are media-type families treated as binary.
var binaryPrefixes = []string{"image/", "font/", "video/", "audio/"}

// binaryTypes are individual binary media types outside those families.
var binaryTypes = map[string]struct{}{
	"application/octet-stream":      {},
	"application/font-woff":         {},
	"application/font-woff2":        {},
	"application/font-sfnt":         {},
	"application/x-font-ttf":        {},
	"application/x-font-woff":       {},
	"application/x-font-opentype":   {},
	"application/vnd.ms-fontobject": {},
}

// maxErrorLen caps the stored description of a transport failure.
const maxErrorLen = 200

// IsBinaryContentType reports whether a content type belongs to the
// image/font/video/audio/octet-stream families. SVG is text.
func IsBinaryContentType(contentType string) bool {
	mt := mediaType(contentType)
	if mt == "" || mt == "image/svg+xml" {
		return false
	}
	if _, ok := binaryTypes[mt]; ok {
		return true
	}
	for _, p := range binaryPrefixes {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}

// Classify turns a raw response into a captured response. Rules are applied
// in order and the first match wins:
//
//  1. binary content while binaries are excluded -> binary-skipped
//  2. no bytes ever delivered                     -> missing-body
//  3. anti-bot interstitial                       -> cloudflare-challenge
//  4. transport failure reading the body          -> other-error
//  5. anything else                               -> ok
//
// Classify performs no I/O.
func Classify(raw engine.RawResponse, opts models.CaptureOptions) models.CapturedResponse {
	r := models.CapturedResponse{
		MatchedURL:   raw.URL,
		Status:       raw.Status,
		StatusText:   raw.StatusText,
		ContentType:  contentType(raw),
		ResourceType: raw.ResourceType,
		ServerIP:     raw.RemoteIP,
		ServerPort:   raw.RemotePort,
		ReceivedAt:   raw.ReceivedAt,
	}
	if opts.IncludeHeaders {
		r.Headers = slices.Clone(raw.Headers)
	}
	if opts.IncludeTLS && raw.TLS != nil {
		tlsInfo := *raw.TLS
		tlsInfo.SANList = slices.Clone(raw.TLS.SANList)
		r.TLS = &tlsInfo
	}

	switch {
	case !opts.IncludeBinary && IsBinaryContentType(r.ContentType):
		r.Classification = models.ClassBinarySkipped
		r.OriginalLength = binaryLength(raw)
		r.Payload = []byte{}
		return r
	case raw.BodyMissing:
		r.Classification = models.ClassMissingBody
	case isChallenge(raw):
		r.Classification = models.ClassChallenge
	case raw.FetchErr != nil:
		r.Classification = models.ClassOtherError
		r.Error = describe(raw.FetchErr)
	default:
		r.Classification = models.ClassOK
	}

	r.OriginalLength = int64(len(raw.Body))
	r.Payload, r.Truncated = truncate(raw.Body, opts.Limit())
	return r
}

// truncate keeps the first limit bytes of body. A limit of zero keeps
// everything. Truncated payloads are copied so the full body can be freed.
func truncate(body []byte, limit int) ([]byte, bool) {
	if body == nil {
		return []byte{}, false
	}
	if limit > 0 && len(body) > limit {
		return bytes.Clone(body[:limit]), true
	}
	return body, false
}

// binaryLength is the body size when the body was retrieved, otherwise the
// advertised Content-Length.
func binaryLength(raw engine.RawResponse) int64 {
	if raw.Body != nil {
		return int64(len(raw.Body))
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(raw.Header("content-length")), 10, 64); err == nil && n > 0 {
		return n
	}
	return 0
}

func contentType(raw engine.RawResponse) string {
	if raw.ContentType != "" {
		return raw.ContentType
	}
	if ct := raw.Header("content-type"); ct != "" {
		return ct
	}
	return raw.MIMEType
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func describe(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
