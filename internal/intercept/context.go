package intercept

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// DefaultTimeout bounds how long a paused request may sit without a
// terminal disposition before the engine resumes it as-is.
const DefaultTimeout = 30 * time.Second

// session is the slice of cdp.Session the context needs; tests inject
// a fake.
type session interface {
	cdppkg.Executor
	On(ctx context.Context, events []string, ch chan cdp.Event)
}

// Disposition is the terminal state of a paused request.
type Disposition string

const (
	DispositionPending  Disposition = "pending"
	DispositionResumed  Disposition = "resumed"
	DispositionModified Disposition = "modified"
	DispositionFailed   Disposition = "failed"
	DispositionMocked   Disposition = "mocked"
	DispositionTimedOut Disposition = "timed-out"
)

// PausedRequest is the engine's record of one Fetch.requestPaused.
type PausedRequest struct {
	ID              fetch.RequestID
	URL             string
	Method          string
	Headers         map[string]string
	PostData        string
	ResourceType    string
	Stage           Stage
	StatusCode      int64
	StatusText      string
	ResponseHeaders map[string]string
	ArrivedAt       time.Time
	RuleID          string

	mu          sync.Mutex
	disposition Disposition
	warning     string
	timer       *time.Timer
}

// Disposition returns the request's current disposition.
func (p *PausedRequest) Disposition() Disposition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposition
}

// Warning returns the warning recorded on timeout, if any.
func (p *PausedRequest) Warning() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warning
}

// claim atomically transitions pending -> d. It returns false when a
// terminal disposition was already applied; the caller must then not
// issue a CDP call. This is the exactly-once guard.
func (p *PausedRequest) claim(d Disposition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposition != DispositionPending {
		return false
	}
	p.disposition = d
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return true
}

func (p *PausedRequest) setWarning(w string) {
	p.mu.Lock()
	p.warning = w
	p.mu.Unlock()
}

// TargetContext owns all interception state for one page target: the
// rule list, the mock table, the pending queue and the persistent
// session the Fetch domain is enabled on. Event dispatch is serialized
// through a single worker goroutine, preserving arrival order.
type TargetContext struct {
	tid    target.ID
	sess   session
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	rules   []Rule
	mocks   []*Mock
	pending map[fetch.RequestID]*PausedRequest
	// patterns registered by explicit Enable/AddRule, per stage.
	patterns map[Stage][]string
	// mockPatterns exist only while mocks do; they never hold traffic.
	mockPatterns []string
	// hold marks stages where Enable asked for the manual queue.
	hold         map[Stage]bool
	timeout      time.Duration
	fetchEnabled bool

	recorder *Recorder
	wsBuffer *wsCapture
}

func newTargetContext(parent context.Context, tid target.ID, sess session, logger *log.Logger) *TargetContext {
	ctx, cancel := context.WithCancel(parent)
	tc := &TargetContext{
		tid:      tid,
		sess:     sess,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[fetch.RequestID]*PausedRequest),
		patterns: make(map[Stage][]string),
		hold:     make(map[Stage]bool),
		timeout:  DefaultTimeout,
	}

	ch := make(chan cdp.Event)
	sess.On(ctx, []string{
		cdproto.EventFetchRequestPaused,
		cdproto.EventFetchAuthRequired,
	}, ch)
	go tc.worker(ch)
	return tc
}

func (tc *TargetContext) worker(ch chan cdp.Event) {
	for {
		select {
		case <-tc.ctx.Done():
			return
		case ev := <-ch:
			switch data := ev.Data.(type) {
			case *fetch.EventRequestPaused:
				tc.handlePaused(data)
			case *fetch.EventAuthRequired:
				tc.handleAuthRequired(data)
			}
		}
	}
}

// handleAuthRequired answers auth challenges with the browser's default
// behavior (credential prompt or cached credentials), so a challenged
// request cannot wedge while the Fetch domain is enabled.
func (tc *TargetContext) handleAuthRequired(ev *fetch.EventAuthRequired) {
	action := fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseDefault,
	})
	if err := action.Do(cdppkg.WithExecutor(tc.ctx, tc.sess)); err != nil {
		tc.logger.Warnf("intercept", "continuing auth challenge %s: %v", ev.RequestID, err)
	}
}

// enableFetch (re-)enables the Fetch domain with the union of the
// registered patterns across both stages plus the mock patterns.
func (tc *TargetContext) enableFetch(ctx context.Context) error {
	tc.mu.Lock()
	var pats []*fetch.RequestPattern
	for stage, urls := range tc.patterns {
		rs := fetch.RequestStageRequest
		if stage == StageResponse {
			rs = fetch.RequestStageResponse
		}
		for _, u := range urls {
			pats = append(pats, &fetch.RequestPattern{URLPattern: u, RequestStage: rs})
		}
	}
	for _, u := range tc.mockPatterns {
		pats = append(pats, &fetch.RequestPattern{URLPattern: u, RequestStage: fetch.RequestStageRequest})
	}
	tc.fetchEnabled = len(pats) > 0
	tc.mu.Unlock()

	if len(pats) == 0 {
		return fetch.Disable().Do(cdppkg.WithExecutor(ctx, tc.sess))
	}
	action := fetch.Enable().WithPatterns(pats).WithHandleAuthRequests(true)
	return action.Do(cdppkg.WithExecutor(ctx, tc.sess))
}

func (tc *TargetContext) addPatterns(stage Stage, urls []string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	existing := tc.patterns[stage]
	for _, u := range urls {
		dup := false
		for _, e := range existing {
			if e == u {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, u)
		}
	}
	tc.patterns[stage] = existing
}

// addMockPatterns registers URL patterns that exist only to route
// traffic at mocks; they are dropped with the last mock.
func (tc *TargetContext) addMockPatterns(urls ...string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, u := range urls {
		dup := false
		for _, e := range tc.mockPatterns {
			if e == u {
				dup = true
				break
			}
		}
		if !dup {
			tc.mockPatterns = append(tc.mockPatterns, u)
		}
	}
}

func (tc *TargetContext) stageActive(stage Stage) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.patterns[stage]) > 0
}

// setPolicy records whether Enable asked for the manual hold queue on
// the stage. Only Enable sets policy; mocks never hold traffic.
func (tc *TargetContext) setPolicy(stage Stage, autoContinue bool, timeout time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.hold[stage] = !autoContinue
	if timeout > 0 {
		tc.timeout = timeout
	}
}

func (tc *TargetContext) holdsStage(stage Stage) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.hold[stage]
}

func (tc *TargetContext) addRule(r Rule) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.rules = append(tc.rules, r)
}

func (tc *TargetContext) clearRules(stage Stage) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	kept := tc.rules[:0]
	for _, r := range tc.rules {
		if r.Stage != stage {
			kept = append(kept, r)
		}
	}
	tc.rules = kept
	delete(tc.patterns, stage)
	delete(tc.hold, stage)
}

func (tc *TargetContext) handlePaused(ev *fetch.EventRequestPaused) {
	stage := StageRequest
	if ev.ResponseStatusCode != 0 || ev.ResponseErrorReason != "" || len(ev.ResponseHeaders) > 0 {
		stage = StageResponse
	}

	pr := &PausedRequest{
		ID:           ev.RequestID,
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		Headers:      flattenNetworkHeaders(ev.Request.Headers),
		PostData:     postData(ev.Request),
		ResourceType: string(ev.ResourceType),
		Stage:        stage,
		StatusCode:   ev.ResponseStatusCode,
		StatusText:   ev.ResponseStatusText,
		ArrivedAt:    time.Now(),
		disposition:  DispositionPending,
	}
	if stage == StageResponse {
		pr.ResponseHeaders = flattenHeaderEntries(ev.ResponseHeaders)
	}

	tc.mu.Lock()
	tc.pending[ev.RequestID] = pr
	timeout := tc.timeout
	hold := tc.hold[stage]
	mocks := tc.mocks
	rules := tc.rules
	tc.mu.Unlock()

	// The deadline fires regardless of which branch the request takes;
	// the claim guard makes the late resume a no-op when a disposition
	// already landed.
	pr.mu.Lock()
	pr.timer = time.AfterFunc(timeout, func() {
		if tc.finish(pr, DispositionTimedOut, tc.resumeAsIs(pr)) {
			pr.setWarning(fmt.Sprintf("no disposition within %s; resumed as-is", timeout))
			tc.logger.Warnf("intercept", "request %s (%s) timed out; resumed as-is", pr.ID, pr.URL)
		}
	})
	pr.mu.Unlock()

	if stage == StageRequest {
		for _, m := range mocks {
			if m.Matches(pr.URL, pr.Method) {
				tc.serveMock(pr, m)
				return
			}
		}
	}

	for i := range rules {
		r := &rules[i]
		if r.Matches(pr.URL, pr.Method, pr.ResourceType, stage) {
			pr.RuleID = r.ID
			tc.dispatch(pr, r)
			return
		}
	}

	// No rule or mock claimed it. Only an explicit hold-mode Enable
	// keeps it in the manual queue; a request paused merely because a
	// mock pattern overlaps its URL flows on untouched.
	if hold {
		tc.logger.Debugf("intercept", "holding %s %s %s", pr.Stage, pr.Method, pr.URL)
		return
	}
	tc.finish(pr, DispositionResumed, tc.resumeAsIs(pr))
}

func (tc *TargetContext) dispatch(pr *PausedRequest, r *Rule) {
	switch r.Action {
	case ActionFail:
		tc.finish(pr, DispositionFailed, tc.fail(pr, errorReason(r.ErrorReason)))
	case ActionBlock:
		tc.finish(pr, DispositionFailed, tc.fail(pr, network.ErrorReasonBlockedByClient))
	case ActionDelay:
		delay := time.Duration(r.DelayMS) * time.Millisecond
		time.AfterFunc(delay, func() {
			tc.finish(pr, DispositionResumed, tc.resumeAsIs(pr))
		})
	case ActionModify:
		if pr.Stage == StageResponse {
			tc.finish(pr, DispositionModified, tc.modifyResponse(pr, &r.Modification))
		} else {
			tc.finish(pr, DispositionModified, tc.modifyRequest(pr, &r.Modification))
		}
	default: // observe
		if r.AutoContinue || !tc.holdsStage(pr.Stage) {
			tc.finish(pr, DispositionResumed, tc.resumeAsIs(pr))
		}
	}
}

// finish runs the terminal CDP call under the exactly-once guard and
// removes the record from the pending queue. fn is a closure so the
// call is only issued when the claim succeeds. When fn fails without
// having reached the browser's terminal state (a rejected fulfill or
// fail, a body fetch error), the request is resumed as-is so the page
// is never left hanging on a spent claim.
func (tc *TargetContext) finish(pr *PausedRequest, d Disposition, fn func() error) bool {
	if !pr.claim(d) {
		return false
	}
	if err := fn(); err != nil {
		tc.logger.Warnf("intercept", "disposing %s (%s): %v", pr.ID, d, err)
		if fallbackResume(d, err) {
			if ferr := tc.resumeAsIs(pr)(); ferr != nil {
				tc.logger.Warnf("intercept", "fallback resume of %s: %v", pr.ID, ferr)
			} else {
				pr.setWarning(fmt.Sprintf("%s failed (%v); resumed as-is", d, err))
			}
		}
	}
	tc.mu.Lock()
	delete(tc.pending, pr.ID)
	tc.mu.Unlock()
	return true
}

// fallbackResume reports whether a failed disposition call still needs
// a plain continue. A failed resume is not retried, and a dead
// transport has nothing left to resume against.
func fallbackResume(d Disposition, err error) bool {
	if d == DispositionResumed || d == DispositionTimedOut {
		return false
	}
	return !errors.Is(err, cdp.ErrTransportGone) &&
		!errors.Is(err, cdp.ErrChannelClosed) &&
		!errors.Is(err, context.Canceled)
}

// The disposition closures return the CDP call deferred behind the
// claim, so a lost claim never double-issues.

func (tc *TargetContext) resumeAsIs(pr *PausedRequest) func() error {
	return func() error {
		ctx := cdppkg.WithExecutor(tc.ctx, tc.sess)
		if pr.Stage == StageResponse {
			return fetch.ContinueResponse(pr.ID).Do(ctx)
		}
		return fetch.ContinueRequest(pr.ID).Do(ctx)
	}
}

func (tc *TargetContext) fail(pr *PausedRequest, reason network.ErrorReason) func() error {
	return func() error {
		return fetch.FailRequest(pr.ID, reason).Do(cdppkg.WithExecutor(tc.ctx, tc.sess))
	}
}

func (tc *TargetContext) serveMock(pr *PausedRequest, m *Mock) {
	fn := func() error {
		status := m.Status
		if status == 0 {
			status = 200
		}
		headers := make(map[string]string, len(m.Headers)+1)
		for k, v := range m.Headers {
			headers[k] = v
		}
		if m.ContentType != "" {
			headers["Content-Type"] = m.ContentType
		}
		action := fetch.FulfillRequest(pr.ID, status).
			WithResponseHeaders(headerEntries(headers)).
			WithBody(base64.StdEncoding.EncodeToString([]byte(m.Body)))
		return action.Do(cdppkg.WithExecutor(tc.ctx, tc.sess))
	}
	fulfill := func() {
		if tc.finish(pr, DispositionMocked, fn) {
			m.calls.Add(1)
			tc.logger.Debugf("intercept", "mock %s served %s %s (call %d)", m.ID, pr.Method, pr.URL, m.Calls())
		}
	}
	// Simulated latency runs off the dispatch goroutine so one slow
	// mock cannot stall later paused requests on the target.
	if m.DelayMS > 0 {
		time.AfterFunc(time.Duration(m.DelayMS)*time.Millisecond, fulfill)
		return
	}
	fulfill()
}

func (tc *TargetContext) modifyRequest(pr *PausedRequest, mod *Modification) func() error {
	return func() error {
		headers := patchHeaders(pr.Headers, mod)
		action := fetch.ContinueRequest(pr.ID).WithHeaders(headerEntries(headers))
		if mod.Method != "" {
			action = action.WithMethod(mod.Method)
		}
		if mod.PostData != "" {
			action = action.WithPostData(base64.StdEncoding.EncodeToString([]byte(mod.PostData)))
		}
		return action.Do(cdppkg.WithExecutor(tc.ctx, tc.sess))
	}
}

func (tc *TargetContext) modifyResponse(pr *PausedRequest, mod *Modification) func() error {
	return func() error {
		ctx := cdppkg.WithExecutor(tc.ctx, tc.sess)

		var body []byte
		switch {
		case mod.Body != "":
			body = []byte(mod.Body)
		default:
			orig, err := fetch.GetResponseBody(pr.ID).Do(ctx)
			if err != nil {
				return fmt.Errorf("fetching original body: %w", err)
			}
			body = orig
			if mod.BodyFind != "" {
				body = []byte(strings.ReplaceAll(string(orig), mod.BodyFind, mod.BodyReplace))
			}
		}

		status := pr.StatusCode
		if mod.Status != 0 {
			status = mod.Status
		}
		headers := patchHeaders(pr.ResponseHeaders, mod)
		delete(headers, "Content-Length")
		delete(headers, "content-length")

		action := fetch.FulfillRequest(pr.ID, status).
			WithResponseHeaders(headerEntries(headers)).
			WithBody(base64.StdEncoding.EncodeToString(body))
		if pr.StatusText != "" && mod.Status == 0 {
			action = action.WithResponsePhrase(pr.StatusText)
		}
		return action.Do(ctx)
	}
}

// ModifyPending applies a one-shot modification to a held request and
// forwards it.
func (tc *TargetContext) ModifyPending(id fetch.RequestID, mod Modification) error {
	pr, ok := tc.lookupPending(id)
	if !ok {
		return fmt.Errorf("no pending request %q", id)
	}
	var fn func() error
	if pr.Stage == StageResponse {
		fn = tc.modifyResponse(pr, &mod)
	} else {
		fn = tc.modifyRequest(pr, &mod)
	}
	if !tc.finish(pr, DispositionModified, fn) {
		return fmt.Errorf("request %q already disposed (%s)", id, pr.Disposition())
	}
	return nil
}

// ResumePending forwards a held request unmodified.
func (tc *TargetContext) ResumePending(id fetch.RequestID) error {
	pr, ok := tc.lookupPending(id)
	if !ok {
		return fmt.Errorf("no pending request %q", id)
	}
	if !tc.finish(pr, DispositionResumed, tc.resumeAsIs(pr)) {
		return fmt.Errorf("request %q already disposed (%s)", id, pr.Disposition())
	}
	return nil
}

func (tc *TargetContext) lookupPending(id fetch.RequestID) (*PausedRequest, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	pr, ok := tc.pending[id]
	return pr, ok
}

// Pending snapshots the hold queue for one stage, oldest first.
func (tc *TargetContext) Pending(stage Stage) []*PausedRequest {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var out []*PausedRequest
	for _, pr := range tc.pending {
		if pr.Stage == stage {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArrivedAt.Before(out[j].ArrivedAt) })
	return out
}

// drain resumes every still-pending request as-is. Runs before the
// persistent session closes so nothing is left hanging the page.
func (tc *TargetContext) drain() {
	tc.mu.Lock()
	held := make([]*PausedRequest, 0, len(tc.pending))
	for _, pr := range tc.pending {
		held = append(held, pr)
	}
	tc.mu.Unlock()

	for _, pr := range held {
		tc.finish(pr, DispositionResumed, tc.resumeAsIs(pr))
	}
}

func (tc *TargetContext) close() {
	tc.drain()
	if tc.recorder != nil {
		tc.recorder.stop()
	}
	tc.cancel()
}

func patchHeaders(base map[string]string, mod *Modification) map[string]string {
	headers := make(map[string]string, len(base)+len(mod.SetHeaders))
	for k, v := range base {
		headers[k] = v
	}
	for _, k := range mod.RemoveHeaders {
		for existing := range headers {
			if strings.EqualFold(existing, k) {
				delete(headers, existing)
			}
		}
	}
	for k, v := range mod.SetHeaders {
		headers[k] = v
	}
	return headers
}

func headerEntries(h map[string]string) []*fetch.HeaderEntry {
	out := make([]*fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		out = append(out, &fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func flattenNetworkHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func flattenHeaderEntries(entries []*fetch.HeaderEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Value
	}
	return out
}

func postData(req *network.Request) string {
	if req == nil || len(req.PostDataEntries) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range req.PostDataEntries {
		if e == nil {
			continue
		}
		if decoded, err := base64.StdEncoding.DecodeString(e.Bytes); err == nil {
			sb.Write(decoded)
		}
	}
	return sb.String()
}

func errorReason(name string) network.ErrorReason {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "failed":
		return network.ErrorReasonFailed
	case "aborted":
		return network.ErrorReasonAborted
	case "timedout":
		return network.ErrorReasonTimedOut
	case "accessdenied":
		return network.ErrorReasonAccessDenied
	case "connectionclosed":
		return network.ErrorReasonConnectionClosed
	case "connectionreset":
		return network.ErrorReasonConnectionReset
	case "connectionrefused":
		return network.ErrorReasonConnectionRefused
	case "connectionfailed":
		return network.ErrorReasonConnectionFailed
	case "namenotresolved":
		return network.ErrorReasonNameNotResolved
	case "internetdisconnected":
		return network.ErrorReasonInternetDisconnected
	case "addressunreachable":
		return network.ErrorReasonAddressUnreachable
	default:
		return network.ErrorReasonBlockedByClient
	}
}
