package intercept

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cdpint "github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// fakeSessions satisfies Sessions for engine tests that pre-seed their
// contexts; Persistent erroring keeps contextFor from fabricating one.
type fakeSessions struct {
	mu     sync.Mutex
	closed []target.ID
}

func (f *fakeSessions) Persistent(target.ID, string) (*cdpint.Session, error) {
	return nil, errors.New("no live browser in this test")
}

func (f *fakeSessions) ClosePersistent(tid target.ID, _ string) {
	f.mu.Lock()
	f.closed = append(f.closed, tid)
	f.mu.Unlock()
}

// newTestEngine seeds one target context backed by a fake session, the
// way contextFor would against a live browser.
func newTestEngine(t *testing.T) (*Engine, *fakeSessions, *fakeSession) {
	t.Helper()
	sessions := &fakeSessions{}
	e := NewEngine(context.Background(), sessions, log.New())
	fs := &fakeSession{bodies: make(map[fetch.RequestID][]byte)}
	tc := newTargetContext(e.ctx, "T1", fs, log.New())
	t.Cleanup(tc.cancel)
	e.contexts["T1"] = tc
	return e, sessions, fs
}

func TestEnableResponseStageConflictsWithMocks(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateMock(ctx, "T1", &Mock{ID: "m1", URLPattern: "*/api/*"}))

	err := e.Enable(ctx, "T1", StageResponse, nil, true, 0)
	require.ErrorIs(t, err, ErrModeConflict)

	err = e.AddRule(ctx, "T1", Rule{ID: "r1", URLPattern: "*", Stage: StageResponse, Action: ActionObserve})
	require.ErrorIs(t, err, ErrModeConflict)

	// Request-stage interception coexists with mocks.
	require.NoError(t, e.Enable(ctx, "T1", StageRequest, []string{"*"}, true, 0))
}

func TestCreateMockConflictsWithResponseStage(t *testing.T) {
	t.Parallel()

	e, _, fs := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Enable(ctx, "T1", StageResponse, []string{"*"}, true, 0))
	assert.True(t, fs.called(cdproto.CommandFetchEnable))

	err := e.CreateMock(ctx, "T1", &Mock{ID: "m1", URLPattern: "*/api/*"})
	require.ErrorIs(t, err, ErrModeConflict)
}

func TestDisableDrainsAndReleases(t *testing.T) {
	t.Parallel()

	e, sessions, fs := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Enable(ctx, "T1", StageRequest, []string{"*"}, false, 0))

	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))
	require.Eventually(t, func() bool {
		return len(e.Pending("T1", StageRequest)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Disable(ctx, "T1", StageRequest))

	assert.Empty(t, e.Pending("T1", StageRequest), "disable must leave nothing held")
	assert.Equal(t, 1, fs.terminalCalls())
	assert.True(t, fs.called(cdproto.CommandFetchDisable), "no patterns left means the domain goes down")

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	assert.Equal(t, []target.ID{"T1"}, sessions.closed)
	_, still := e.peek("T1")
	assert.False(t, still)
}

func TestMockLifecycle(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateMock(ctx, "T1", &Mock{ID: "m1", URLPattern: "*/a"}))
	require.NoError(t, e.CreateMock(ctx, "T1", &Mock{ID: "m2", URLPattern: "*/b"}))
	require.Len(t, e.Mocks("T1"), 2)

	removed, err := e.DeleteMock(ctx, "T1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", removed.ID)

	_, err = e.DeleteMock(ctx, "T1", "m1")
	require.Error(t, err)

	assert.Equal(t, 1, e.ClearMocks(ctx, ""))
	assert.Empty(t, e.Mocks("T1"))
}

func TestClearMocksDropsMockPatterns(t *testing.T) {
	t.Parallel()

	e, sessions, fs := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateMock(ctx, "T1", &Mock{ID: "m1", URLPattern: "*/a"}))
	assert.True(t, fs.called(cdproto.CommandFetchEnable))

	require.Equal(t, 1, e.ClearMocks(ctx, "T1"))

	// Nothing else was using the context: pausing stops and the
	// session goes back.
	assert.True(t, fs.called(cdproto.CommandFetchDisable))
	_, still := e.peek("T1")
	assert.False(t, still)
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	assert.Equal(t, []target.ID{"T1"}, sessions.closed)
}

func TestClearMocksKeepsExplicitInterception(t *testing.T) {
	t.Parallel()

	e, _, fs := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Enable(ctx, "T1", StageRequest, []string{"*/api/*"}, false, 0))
	require.NoError(t, e.CreateMock(ctx, "T1", &Mock{ID: "m1", URLPattern: "*/mock"}))

	require.Equal(t, 1, e.ClearMocks(ctx, "T1"))

	tc, still := e.peek("T1")
	require.True(t, still, "hold-mode interception outlives its mocks")
	assert.False(t, fs.called(cdproto.CommandFetchDisable))
	assert.True(t, tc.holdsStage(StageRequest))
	tc.mu.Lock()
	defer tc.mu.Unlock()
	assert.Equal(t, []string{"*/api/*"}, tc.patterns[StageRequest])
	assert.Empty(t, tc.mockPatterns)
}

func TestOperationsOnUnknownTarget(t *testing.T) {
	t.Parallel()

	e := NewEngine(context.Background(), &fakeSessions{}, log.New())

	assert.Nil(t, e.Pending("nope", StageRequest))
	assert.ErrorIs(t, e.ModifyPending("nope", "R1", Modification{}), ErrNotEnabled)
	assert.ErrorIs(t, e.ResumePending("nope", "R1"), ErrNotEnabled)
	_, err := e.StopHAR("nope", "x", "1")
	assert.ErrorIs(t, err, ErrNotEnabled)
	_, err = e.WebSocketFrames("nope")
	assert.ErrorIs(t, err, ErrNotEnabled)
	require.NoError(t, e.Disable(context.Background(), "nope", StageRequest))
}

func TestTeardownClosesEverything(t *testing.T) {
	t.Parallel()

	e, sessions, fs := newTestEngine(t)
	require.NoError(t, e.Enable(context.Background(), "T1", StageRequest, []string{"*"}, false, 0))

	fs.send(requestPaused("R1", "https://api.example.com/a", "GET"))
	require.Eventually(t, func() bool {
		return len(e.Pending("T1", StageRequest)) == 1
	}, time.Second, 5*time.Millisecond)

	e.Teardown()

	assert.Equal(t, 1, fs.terminalCalls(), "teardown drains held requests")
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	assert.Equal(t, []target.ID{"T1"}, sessions.closed)
}
