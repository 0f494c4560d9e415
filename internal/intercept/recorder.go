package intercept

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/har"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// Recorder turns Network events on a target's persistent session into
// HAR entries. It runs independently of rule dispatch: recording works
// with or without Fetch interception enabled.
type Recorder struct {
	sess   session
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	building map[network.RequestID]*entryBuilder
	entries  []har.Entry
	started  time.Time
}

type entryBuilder struct {
	start    time.Time
	startTS  time.Time
	request  har.Request
	response *network.Response
	postData *har.PostData
}

func newRecorder(parent context.Context, sess session, logger *log.Logger) (*Recorder, error) {
	ctx, cancel := context.WithCancel(parent)
	r := &Recorder{
		sess:     sess,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		building: make(map[network.RequestID]*entryBuilder),
		started:  time.Now(),
	}

	ch := make(chan cdp.Event)
	sess.On(ctx, []string{
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkLoadingFailed,
	}, ch)
	go r.loop(ch)

	if err := network.Enable().Do(cdppkg.WithExecutor(ctx, sess)); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) loop(ch chan cdp.Event) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-ch:
			switch data := ev.Data.(type) {
			case *network.EventRequestWillBeSent:
				r.onRequest(data)
			case *network.EventResponseReceived:
				r.onResponse(data)
			case *network.EventLoadingFinished:
				r.onFinished(data)
			case *network.EventLoadingFailed:
				r.onFailed(data)
			}
		}
	}
}

func (r *Recorder) onRequest(ev *network.EventRequestWillBeSent) {
	start := time.Now()
	if ev.WallTime != nil {
		start = ev.WallTime.Time()
	}
	b := &entryBuilder{
		start: start,
		request: har.Request{
			Method:      ev.Request.Method,
			URL:         ev.Request.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     headerNVPs(flattenNetworkHeaders(ev.Request.Headers)),
			Cookies:     []har.Cookie{},
			QueryString: []har.NVP{},
			HeadersSize: -1,
			BodySize:    -1,
		},
	}
	if ev.Timestamp != nil {
		b.startTS = ev.Timestamp.Time()
	}
	if pd := postData(ev.Request); pd != "" {
		mime := ""
		if ct, ok := b.requestHeader("Content-Type"); ok {
			mime = ct
		}
		b.postData = &har.PostData{MimeType: mime, Text: pd}
		b.request.PostData = b.postData
		b.request.BodySize = int64(len(pd))
	}

	r.mu.Lock()
	// A redirect reuses the request id; the redirect hop is flushed as
	// its own entry before the follow-up replaces it.
	if prev, ok := r.building[ev.RequestID]; ok && ev.RedirectResponse != nil {
		prev.response = ev.RedirectResponse
		r.entries = append(r.entries, prev.build(start, -1))
	}
	r.building[ev.RequestID] = b
	r.mu.Unlock()
}

func (b *entryBuilder) requestHeader(name string) (string, bool) {
	for _, h := range b.request.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func (r *Recorder) onResponse(ev *network.EventResponseReceived) {
	r.mu.Lock()
	if b, ok := r.building[ev.RequestID]; ok {
		b.response = ev.Response
	}
	r.mu.Unlock()
}

func (r *Recorder) onFinished(ev *network.EventLoadingFinished) {
	r.mu.Lock()
	b, ok := r.building[ev.RequestID]
	delete(r.building, ev.RequestID)
	r.mu.Unlock()
	if !ok {
		return
	}

	bodySize := int64(ev.EncodedDataLength)
	entry := b.build(time.Now(), bodySize)
	if ev.Timestamp != nil && !b.startTS.IsZero() {
		entry.Time = float64(ev.Timestamp.Time().Sub(b.startTS)) / float64(time.Millisecond)
	}

	// Best effort; the buffer may already be gone for streamed bodies.
	if b.response != nil && textLike(b.response.MimeType) {
		if body, err := network.GetResponseBody(ev.RequestID).Do(cdppkg.WithExecutor(r.ctx, r.sess)); err == nil {
			entry.Response.Content.Text = string(body)
			entry.Response.Content.Size = int64(len(body))
		}
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *Recorder) onFailed(ev *network.EventLoadingFailed) {
	r.mu.Lock()
	b, ok := r.building[ev.RequestID]
	delete(r.building, ev.RequestID)
	if ok {
		entry := b.build(time.Now(), -1)
		entry.Response.StatusText = ev.ErrorText
		r.entries = append(r.entries, entry)
	}
	r.mu.Unlock()
}

func (b *entryBuilder) build(now time.Time, bodySize int64) har.Entry {
	entry := har.Entry{
		StartedDateTime: b.start,
		Time:            float64(now.Sub(b.start)) / float64(time.Millisecond),
		Request:         b.request,
		Response: har.Response{
			HTTPVersion: "HTTP/1.1",
			Cookies:     []har.Cookie{},
			Headers:     []har.NVP{},
			RedirectURL: "",
			HeadersSize: -1,
			BodySize:    bodySize,
		},
		Timings: har.Timings{Blocked: -1, DNS: -1, Connect: -1, Send: -1, Wait: -1, Receive: -1, SSL: -1},
	}
	if resp := b.response; resp != nil {
		entry.Response.Status = int(resp.Status)
		entry.Response.StatusText = resp.StatusText
		entry.Response.Headers = headerNVPs(flattenNetworkHeaders(resp.Headers))
		entry.Response.Content = har.Content{MimeType: resp.MimeType, Size: bodySize}
		entry.ServerIPAddress = resp.RemoteIPAddress
		if resp.Protocol != "" {
			entry.Response.HTTPVersion = resp.Protocol
		}
		if loc, ok := headerValue(resp.Headers, "Location"); ok {
			entry.Response.RedirectURL = loc
		}
		if t := resp.Timing; t != nil {
			entry.Timings = harTimings(t)
		}
	}
	return entry
}

func harTimings(t *network.ResourceTiming) har.Timings {
	span := func(start, end float64) float64 {
		if start < 0 || end < 0 || end < start {
			return -1
		}
		return end - start
	}
	return har.Timings{
		Blocked: -1,
		DNS:     span(t.DNSStart, t.DNSEnd),
		Connect: span(t.ConnectStart, t.ConnectEnd),
		SSL:     span(t.SslStart, t.SslEnd),
		Send:    span(t.SendStart, t.SendEnd),
		Wait:    span(t.SendEnd, t.ReceiveHeadersEnd),
		Receive: -1,
	}
}

// Flush returns the archive built so far and clears the buffer.
func (r *Recorder) Flush(creatorName, creatorVersion string) *har.HAR {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	h := har.New(creatorName, creatorVersion)
	h.Log.Entries = entries
	return h
}

// Snapshot returns the archive without clearing it.
func (r *Recorder) Snapshot(creatorName, creatorVersion string) *har.HAR {
	r.mu.Lock()
	entries := make([]har.Entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	h := har.New(creatorName, creatorVersion)
	h.Log.Entries = entries
	return h
}

// EntryCount returns how many completed exchanges are buffered.
func (r *Recorder) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Recorder) stop() {
	r.cancel()
}

func headerNVPs(h map[string]string) []har.NVP {
	out := make([]har.NVP, 0, len(h))
	for k, v := range h {
		out = append(out, har.NVP{Name: k, Value: v})
	}
	return out
}

func headerValue(h network.Headers, name string) (string, bool) {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(strings.Split(asString(v), "\n")[0]), true
		}
	}
	return "", false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func textLike(mime string) bool {
	switch {
	case strings.HasPrefix(mime, "text/"),
		strings.Contains(mime, "json"),
		strings.Contains(mime, "xml"),
		strings.Contains(mime, "javascript"),
		strings.Contains(mime, "x-www-form-urlencoded"):
		return true
	}
	return false
}
