package scraper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/use-agent/pubcrawl/capture"
	"github.com/use-agent/pubcrawl/engine"
	"github.com/use-agent/pubcrawl/models"
)

// queueSize bounds finished exchanges waiting for their body to be fetched.
const queueSize = 256

// exchange is one request/response pair being assembled from events.
type exchange struct {
	id           proto.NetworkRequestID
	url          string
	resourceType string
	blocked      bool
	response     *proto.NetworkResponse
	receivedAt   time.Time
	failed       string
}

// listener turns the page's Network domain events into RawResponses.
//
// Events are consumed on one goroutine that only does bookkeeping. Finished
// exchanges are queued to a second goroutine that fetches bodies and emits,
// so arrival order is preserved without blocking event delivery on CDP
// round trips.
type listener struct {
	page     *rod.Page
	opts     engine.LaunchOptions
	requests *atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *exchange
	out    chan engine.RawResponse
	wg     sync.WaitGroup

	// Owned by the event goroutine.
	pending map[proto.NetworkRequestID]*exchange
}

func newListener(page *rod.Page, opts engine.LaunchOptions, requests *atomic.Int64) *listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &listener{
		page:     page,
		opts:     opts,
		requests: requests,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan *exchange, queueSize),
		out:      make(chan engine.RawResponse, queueSize),
		pending:  make(map[proto.NetworkRequestID]*exchange),
	}
}

// start subscribes to network events. The subscription is in place when
// start returns.
func (l *listener) start() {
	wait := l.page.Context(l.ctx).EachEvent(
		l.onRequest,
		l.onResponse,
		l.onFinished,
		l.onFailed,
	)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		defer close(l.queue)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in network event listener", "panic", r)
			}
		}()
		wait()
	}()
	go func() {
		defer l.wg.Done()
		defer close(l.out)
		for ex := range l.queue {
			l.emit(ex)
		}
	}()
}

// stop ends event delivery and closes out once queued exchanges are dropped.
func (l *listener) stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *listener) onRequest(e *proto.NetworkRequestWillBeSent) {
	l.requests.Add(1)

	// A redirect hop reuses the request id; report the hop first.
	if e.RedirectResponse != nil {
		if prev, ok := l.pending[e.RequestID]; ok {
			hop := *prev
			hop.response = e.RedirectResponse
			hop.receivedAt = time.Now()
			l.enqueue(&hop)
		}
	}

	ex := &exchange{
		id:           e.RequestID,
		url:          e.Request.URL,
		resourceType: string(e.Type),
	}
	if l.opts.BlockAds {
		ex.blocked = isAdURL(e.Request.URL)
	}
	l.pending[e.RequestID] = ex
}

func (l *listener) onResponse(e *proto.NetworkResponseReceived) {
	ex, ok := l.pending[e.RequestID]
	if !ok {
		ex = &exchange{id: e.RequestID, url: e.Response.URL}
		l.pending[e.RequestID] = ex
	}
	ex.response = e.Response
	ex.resourceType = string(e.Type)
	ex.receivedAt = time.Now()
}

func (l *listener) onFinished(e *proto.NetworkLoadingFinished) {
	ex, ok := l.pending[e.RequestID]
	if !ok {
		return
	}
	delete(l.pending, e.RequestID)
	if ex.response == nil {
		return
	}
	l.enqueue(ex)
}

func (l *listener) onFailed(e *proto.NetworkLoadingFailed) {
	ex, ok := l.pending[e.RequestID]
	if !ok {
		return
	}
	delete(l.pending, e.RequestID)
	ex.failed = e.ErrorText
	if e.ErrorText == "" {
		ex.failed = "loading failed"
	}
	if ex.receivedAt.IsZero() {
		ex.receivedAt = time.Now()
	}
	if ex.blocked {
		slog.Debug("request blocked", "url", ex.url)
	}
	l.enqueue(ex)
}

func (l *listener) enqueue(ex *exchange) {
	select {
	case l.queue <- ex:
	case <-l.ctx.Done():
	}
}

// emit fetches the body when needed and sends the finished RawResponse.
func (l *listener) emit(ex *exchange) {
	raw := toRawResponse(ex)

	switch {
	case ex.failed != "":
		raw.BodyMissing = true
	case ex.response != nil && isRedirect(ex.response.Status):
		raw.Body = []byte{}
	case l.wantsBody(raw):
		body, err := l.fetchBody(ex.id)
		switch {
		case err == nil:
			raw.Body = body
		case isNoBodyError(err):
			raw.BodyMissing = true
		default:
			raw.FetchErr = err
		}
	}

	select {
	case l.out <- raw:
	case <-l.ctx.Done():
	}
}

// wantsBody reports whether the body of raw is worth a CDP round trip.
func (l *listener) wantsBody(raw engine.RawResponse) bool {
	if l.opts.Match != nil && !l.opts.Match(raw.URL) {
		return false
	}
	if !l.opts.FetchBinaryBodies && capture.IsBinaryContentType(contentTypeOf(raw)) {
		return false
	}
	return true
}

func (l *listener) fetchBody(id proto.NetworkRequestID) ([]byte, error) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(l.page.Context(l.ctx))
	if err != nil {
		return nil, err
	}
	if res.Base64Encoded {
		return base64.StdEncoding.DecodeString(res.Body)
	}
	return []byte(res.Body), nil
}

// toRawResponse copies the metadata of an exchange; the body is left nil.
func toRawResponse(ex *exchange) engine.RawResponse {
	raw := engine.RawResponse{
		URL:          ex.url,
		ResourceType: ex.resourceType,
		ReceivedAt:   ex.receivedAt,
	}
	resp := ex.response
	if resp == nil {
		return raw
	}
	if resp.URL != "" {
		raw.URL = resp.URL
	}
	raw.Status = resp.Status
	raw.StatusText = resp.StatusText
	raw.MIMEType = resp.MIMEType
	raw.RemoteIP = resp.RemoteIPAddress
	raw.Headers = sortedHeaders(resp.Headers)
	raw.ContentType = raw.Header("content-type")

	// Optional protocol fields are read from the wire form so their Go
	// representation does not matter here.
	if data, err := json.Marshal(resp); err == nil {
		wire := gson.NewFrom(string(data))
		raw.RemotePort = wire.Get("remotePort").Int()
		raw.TLS = tlsFromWire(wire.Get("securityDetails"))
	}
	return raw
}

// sortedHeaders flattens the protocol header map into a name-sorted list.
func sortedHeaders(h proto.NetworkHeaders) []models.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]models.Header, 0, len(h))
	for name, v := range h {
		out = append(out, models.Header{Name: name, Value: v.Str()})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// wireSecurityDetails mirrors the protocol's SecurityDetails object.
type wireSecurityDetails struct {
	Protocol    string   `json:"protocol"`
	KeyExchange string   `json:"keyExchange"`
	Cipher      string   `json:"cipher"`
	SubjectName string   `json:"subjectName"`
	SanList     []string `json:"sanList"`
	Issuer      string   `json:"issuer"`
	ValidFrom   float64  `json:"validFrom"`
	ValidTo     float64  `json:"validTo"`
}

func tlsFromWire(j gson.JSON) *models.TLSInfo {
	if j.Nil() {
		return nil
	}
	var d wireSecurityDetails
	if err := json.Unmarshal([]byte(j.JSON("", "")), &d); err != nil || d.Protocol == "" {
		return nil
	}
	return &models.TLSInfo{
		Protocol:    d.Protocol,
		KeyExchange: d.KeyExchange,
		Cipher:      d.Cipher,
		SubjectName: d.SubjectName,
		SANList:     d.SanList,
		Issuer:      d.Issuer,
		ValidFrom:   epochSeconds(d.ValidFrom),
		ValidTo:     epochSeconds(d.ValidTo),
	}
}

func epochSeconds(s float64) time.Time {
	if s <= 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(s*float64(time.Second))).UTC()
}

func contentTypeOf(raw engine.RawResponse) string {
	if raw.ContentType != "" {
		return raw.ContentType
	}
	return raw.MIMEType
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400 && status != 304
}

// isNoBodyError reports whether a body fetch failed because the browser
// never kept any bytes for the response.
func isNoBodyError(err error) bool {
	var cdpErr *cdp.Error
	msg := err.Error()
	if errors.As(err, &cdpErr) {
		msg = cdpErr.Message
	}
	return strings.Contains(msg, "No resource with given identifier") ||
		strings.Contains(msg, "No data found for resource")
}
