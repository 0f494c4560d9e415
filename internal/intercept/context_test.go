package intercept

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// fakeSession records every CDP command the context issues and feeds
// Fetch.requestPaused events into the worker.
type fakeSession struct {
	mu        sync.Mutex
	methods   []string
	continued []*fetch.ContinueRequestParams
	fulfilled []*fetch.FulfillRequestParams
	failed    []*fetch.FailRequestParams
	authed    []*fetch.ContinueWithAuthParams
	bodies    map[fetch.RequestID][]byte
	// errOn makes a command fail after being recorded.
	errOn map[string]error

	ch chan cdp.Event
}

func (f *fakeSession) Execute(_ context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, method)
	if err, ok := f.errOn[method]; ok {
		return err
	}
	switch p := params.(type) {
	case *fetch.ContinueRequestParams:
		f.continued = append(f.continued, p)
	case *fetch.FulfillRequestParams:
		f.fulfilled = append(f.fulfilled, p)
	case *fetch.FailRequestParams:
		f.failed = append(f.failed, p)
	case *fetch.ContinueWithAuthParams:
		f.authed = append(f.authed, p)
	case *fetch.GetResponseBodyParams:
		if r, ok := res.(*fetch.GetResponseBodyReturns); ok {
			r.Body = base64.StdEncoding.EncodeToString(f.bodies[p.RequestID])
			r.Base64encoded = true
		}
	case *network.GetResponseBodyParams:
		if r, ok := res.(*network.GetResponseBodyReturns); ok {
			r.Body = string(f.bodies[fetch.RequestID(p.RequestID)])
		}
	}
	return nil
}

func (f *fakeSession) On(_ context.Context, _ []string, ch chan cdp.Event) {
	f.ch = ch
}

func (f *fakeSession) send(ev *fetch.EventRequestPaused) {
	f.ch <- cdp.Event{Name: cdproto.EventFetchRequestPaused, Data: ev}
}

func (f *fakeSession) sendAuth(ev *fetch.EventAuthRequired) {
	f.ch <- cdp.Event{Name: cdproto.EventFetchAuthRequired, Data: ev}
}

// terminalCalls counts the disposition commands issued so far. The
// whole point of the claim guard is that this is exactly one per
// paused request.
func (f *fakeSession) terminalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.methods {
		switch m {
		case cdproto.CommandFetchContinueRequest,
			cdproto.CommandFetchContinueResponse,
			cdproto.CommandFetchFulfillRequest,
			cdproto.CommandFetchFailRequest:
			n++
		}
	}
	return n
}

func (f *fakeSession) called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

func newTestContext(t *testing.T) (*TargetContext, *fakeSession) {
	t.Helper()
	fs := &fakeSession{bodies: make(map[fetch.RequestID][]byte)}
	tc := newTargetContext(context.Background(), "T1", fs, log.New())
	t.Cleanup(tc.cancel)
	return tc, fs
}

func requestPaused(id, url, method string) *fetch.EventRequestPaused {
	return &fetch.EventRequestPaused{
		RequestID:    fetch.RequestID(id),
		Request:      &network.Request{URL: url, Method: method},
		ResourceType: network.ResourceTypeXHR,
	}
}

func responsePaused(id, url string, status int64) *fetch.EventRequestPaused {
	ev := requestPaused(id, url, "GET")
	ev.ResponseStatusCode = status
	ev.ResponseStatusText = "OK"
	ev.ResponseHeaders = []*fetch.HeaderEntry{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Content-Length", Value: "11"},
	}
	return ev
}

func TestHoldModeQueuesUnmatchedRequests(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.setPolicy(StageRequest, false, 0)
	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))

	require.Eventually(t, func() bool {
		return len(tc.Pending(StageRequest)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, fs.terminalCalls(), "held requests must not be forwarded")

	require.NoError(t, tc.ResumePending("R1"))
	assert.True(t, fs.called(cdproto.CommandFetchContinueRequest))
	assert.Equal(t, 1, fs.terminalCalls())
	assert.Empty(t, tc.Pending(StageRequest))

	err := tc.ResumePending("R1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending request")
}

func TestAutoContinueResumesUnmatched(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.setPolicy(StageRequest, true, 0)
	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))

	require.Eventually(t, func() bool {
		return fs.terminalCalls() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, fs.called(cdproto.CommandFetchContinueRequest))
	assert.Empty(t, tc.Pending(StageRequest))
}

func TestMockWinsOverRules(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	m := &Mock{
		ID:          "m1",
		URLPattern:  "*/api/login",
		Method:      "POST",
		Status:      201,
		ContentType: "application/json",
		Body:        `{"ok":true}`,
	}
	tc.mu.Lock()
	tc.mocks = append(tc.mocks, m)
	tc.mu.Unlock()
	tc.addRule(Rule{ID: "r1", URLPattern: "*", Stage: StageRequest, Action: ActionFail})

	fs.send(requestPaused("R1", "https://svc.example.com/api/login", "POST"))

	require.Eventually(t, func() bool {
		return fs.terminalCalls() == 1
	}, time.Second, 5*time.Millisecond)

	fs.mu.Lock()
	require.Len(t, fs.fulfilled, 1)
	p := fs.fulfilled[0]
	fs.mu.Unlock()
	assert.Empty(t, fs.failed, "the fail rule must never see a mocked request")
	assert.EqualValues(t, 201, p.ResponseCode)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(`{"ok":true}`)), p.Body)

	var contentType string
	for _, h := range p.ResponseHeaders {
		if h.Name == "Content-Type" {
			contentType = h.Value
		}
	}
	assert.Equal(t, "application/json", contentType)
	assert.EqualValues(t, 1, m.Calls())
}

func TestFailRuleUsesConfiguredReason(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.addRule(Rule{
		ID:          "r1",
		URLPattern:  "*/tracker.js",
		Stage:       StageRequest,
		Action:      ActionFail,
		ErrorReason: "timed_out",
	})

	fs.send(requestPaused("R1", "https://ads.example.com/tracker.js", "GET"))

	require.Eventually(t, func() bool {
		return fs.terminalCalls() == 1
	}, time.Second, 5*time.Millisecond)

	fs.mu.Lock()
	require.Len(t, fs.failed, 1)
	reason := fs.failed[0].ErrorReason
	fs.mu.Unlock()
	assert.Equal(t, network.ErrorReasonTimedOut, reason)
}

func TestModifyResponseRewritesBody(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	fs.bodies["R1"] = []byte(`{"plan":"free"}`)
	tc.addRule(Rule{
		ID:         "r1",
		URLPattern: "*/api/account",
		Stage:      StageResponse,
		Action:     ActionModify,
		Modification: Modification{
			BodyFind:    `"free"`,
			BodyReplace: `"pro"`,
		},
	})

	fs.send(responsePaused("R1", "https://svc.example.com/api/account", 200))

	require.Eventually(t, func() bool {
		return fs.terminalCalls() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, fs.called(cdproto.CommandFetchGetResponseBody))

	fs.mu.Lock()
	require.Len(t, fs.fulfilled, 1)
	p := fs.fulfilled[0]
	fs.mu.Unlock()

	body, err := base64.StdEncoding.DecodeString(p.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"plan":"pro"}`, string(body))
	assert.EqualValues(t, 200, p.ResponseCode)
	assert.Equal(t, "OK", p.ResponsePhrase)
	for _, h := range p.ResponseHeaders {
		assert.False(t, strings.EqualFold(h.Name, "Content-Length"), "stale length must be dropped after a rewrite")
	}
}

func TestModifyPendingRequest(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.setPolicy(StageRequest, false, 0)
	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))
	require.Eventually(t, func() bool {
		return len(tc.Pending(StageRequest)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tc.ModifyPending("R1", Modification{
		Method:     "POST",
		PostData:   `{"v":1}`,
		SetHeaders: map[string]string{"X-Test": "1"},
	}))

	fs.mu.Lock()
	require.Len(t, fs.continued, 1)
	p := fs.continued[0]
	fs.mu.Unlock()
	assert.Equal(t, "POST", p.Method)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(`{"v":1}`)), p.PostData)

	var xTest string
	for _, h := range p.Headers {
		if h.Name == "X-Test" {
			xTest = h.Value
		}
	}
	assert.Equal(t, "1", xTest)

	err := tc.ModifyPending("R1", Modification{})
	require.Error(t, err)
}

func TestTimeoutResumesExactlyOnce(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.setPolicy(StageRequest, false, 20*time.Millisecond)
	fs.send(requestPaused("R1", "https://api.example.com/slow", "GET"))

	var pr *PausedRequest
	require.Eventually(t, func() bool {
		held := tc.Pending(StageRequest)
		if len(held) != 1 {
			return false
		}
		pr = held[0]
		return true
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return pr.Disposition() == DispositionTimedOut
	}, time.Second, 5*time.Millisecond)

	assert.NotEmpty(t, pr.Warning())
	assert.Equal(t, 1, fs.terminalCalls())
	assert.Empty(t, tc.Pending(StageRequest))

	err := tc.ResumePending("R1")
	require.Error(t, err, "a timed-out request is gone from the queue")
}

func TestManualResumeBeatsTimeout(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.setPolicy(StageRequest, false, 50*time.Millisecond)
	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))

	var pr *PausedRequest
	require.Eventually(t, func() bool {
		held := tc.Pending(StageRequest)
		if len(held) != 1 {
			return false
		}
		pr = held[0]
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tc.ResumePending("R1"))
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, DispositionResumed, pr.Disposition())
	assert.Empty(t, pr.Warning())
	assert.Equal(t, 1, fs.terminalCalls(), "the late deadline must not double-dispose")
}

func TestDrainResumesEverything(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.setPolicy(StageRequest, false, 0)
	tc.setPolicy(StageResponse, false, 0)
	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))
	fs.send(requestPaused("R2", "https://api.example.com/b", "POST"))
	fs.send(responsePaused("R3", "https://api.example.com/c", 200))

	require.Eventually(t, func() bool {
		return len(tc.Pending(StageRequest))+len(tc.Pending(StageResponse)) == 3
	}, time.Second, 5*time.Millisecond)

	tc.drain()

	assert.Equal(t, 3, fs.terminalCalls())
	assert.True(t, fs.called(cdproto.CommandFetchContinueRequest))
	assert.True(t, fs.called(cdproto.CommandFetchContinueResponse), "response-stage holds resume via continueResponse")
	assert.Empty(t, tc.Pending(StageRequest))
	assert.Empty(t, tc.Pending(StageResponse))
}

func TestPendingSnapshotsOldestFirst(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.setPolicy(StageRequest, false, 0)
	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))
	require.Eventually(t, func() bool { return len(tc.Pending(StageRequest)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	fs.send(requestPaused("R2", "https://api.example.com/b", "GET"))

	require.Eventually(t, func() bool { return len(tc.Pending(StageRequest)) == 2 }, time.Second, 5*time.Millisecond)
	held := tc.Pending(StageRequest)
	assert.Equal(t, fetch.RequestID("R1"), held[0].ID)
	assert.Equal(t, fetch.RequestID("R2"), held[1].ID)
}

func TestMockMethodMissResumesRequest(t *testing.T) {
	t.Parallel()

	// A mock pattern overlapping the URL is not a reason to hold: a
	// request that misses on method flows on untouched.
	tc, fs := newTestContext(t)
	tc.mu.Lock()
	tc.mocks = append(tc.mocks, &Mock{ID: "m1", URLPattern: "*/api/login", Method: "POST", Status: 200})
	tc.mu.Unlock()
	tc.addMockPatterns("*/api/login")

	fs.send(requestPaused("R1", "https://svc.example.com/api/login", "GET"))

	require.Eventually(t, func() bool {
		return fs.terminalCalls() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, fs.called(cdproto.CommandFetchContinueRequest))
	assert.Empty(t, fs.fulfilled)
	assert.Empty(t, tc.Pending(StageRequest))
}

func TestAuthChallengeContinuesWithDefault(t *testing.T) {
	t.Parallel()

	_, fs := newTestContext(t)
	fs.sendAuth(&fetch.EventAuthRequired{
		RequestID: "R1",
		Request:   &network.Request{URL: "https://secure.example.com/", Method: "GET"},
		AuthChallenge: &fetch.AuthChallenge{
			Origin: "https://secure.example.com",
			Scheme: "basic",
		},
	})

	require.Eventually(t, func() bool {
		return fs.called(cdproto.CommandFetchContinueWithAuth)
	}, time.Second, 5*time.Millisecond)

	fs.mu.Lock()
	require.Len(t, fs.authed, 1)
	p := fs.authed[0]
	fs.mu.Unlock()
	assert.Equal(t, fetch.RequestID("R1"), p.RequestID)
	require.NotNil(t, p.AuthChallengeResponse)
	assert.Equal(t, fetch.AuthChallengeResponseResponseDefault, p.AuthChallengeResponse.Response)
}

func TestFailedBodyFetchFallsBackToResume(t *testing.T) {
	t.Parallel()

	// The browser refuses getResponseBody for some paused responses
	// (redirects, network errors). The claim must not be spent without a
	// terminal call reaching the browser.
	tc, fs := newTestContext(t)
	fs.errOn = map[string]error{
		cdproto.CommandFetchGetResponseBody: errors.New("No resource with given identifier found"),
	}
	tc.addRule(Rule{
		ID:         "r1",
		URLPattern: "*/api/account",
		Stage:      StageResponse,
		Action:     ActionModify,
		Modification: Modification{
			BodyFind:    `"free"`,
			BodyReplace: `"pro"`,
		},
	})

	fs.send(responsePaused("R1", "https://svc.example.com/api/account", 302))

	require.Eventually(t, func() bool {
		return fs.terminalCalls() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, fs.called(cdproto.CommandFetchContinueResponse), "the response must still be released")
	assert.Empty(t, fs.fulfilled)
	assert.Empty(t, tc.Pending(StageResponse))
}

func TestFailedFailRequestFallsBackToResume(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	fs.errOn = map[string]error{
		cdproto.CommandFetchFailRequest: errors.New("Invalid InterceptionId"),
	}
	tc.addRule(Rule{ID: "r1", URLPattern: "*", Stage: StageRequest, Action: ActionBlock})

	fs.send(requestPaused("R1", "https://ads.example.com/tracker.js", "GET"))

	require.Eventually(t, func() bool {
		return fs.called(cdproto.CommandFetchContinueRequest)
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, tc.Pending(StageRequest))
}

func TestMockDelayDoesNotStallQueue(t *testing.T) {
	t.Parallel()

	tc, fs := newTestContext(t)
	tc.mu.Lock()
	tc.mocks = append(tc.mocks,
		&Mock{ID: "slow", URLPattern: "*/slow", Status: 200, DelayMS: 400},
		&Mock{ID: "fast", URLPattern: "*/fast", Status: 200},
	)
	tc.mu.Unlock()

	fs.send(requestPaused("R1", "https://svc.example.com/slow", "GET"))
	fs.send(requestPaused("R2", "https://svc.example.com/fast", "GET"))

	// The undelayed mock must answer while the slow one is still waiting.
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, p := range fs.fulfilled {
			if p.RequestID == "R2" {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return fs.terminalCalls() == 2
	}, time.Second, 5*time.Millisecond)
}
