package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/target"

	cdpint "github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/har"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// ErrModeConflict is returned when response interception and mock
// endpoints would be active on the same target at once.
var ErrModeConflict = errors.New("response interception and mock endpoints cannot be active on the same target; disable one first")

// ErrNotEnabled is returned by list/modify/resume calls on a target
// with no interception context.
var ErrNotEnabled = errors.New("interception is not enabled on this target")

// sessionPurpose keys the persistent session the engine holds per
// target in the session manager.
const sessionPurpose = "intercept"

// Sessions is the slice of the session manager the engine needs.
type Sessions interface {
	Persistent(tid target.ID, purpose string) (*cdpint.Session, error)
	ClosePersistent(tid target.ID, purpose string)
}

// Engine owns one interception context per page target for the
// lifetime of a browser connection. All tool-facing entry points are
// here; the dispatcher never touches contexts directly.
type Engine struct {
	ctx      context.Context
	sessions Sessions
	logger   *log.Logger

	mu       sync.Mutex
	contexts map[target.ID]*TargetContext
}

// NewEngine builds an engine bound to one browser connection. Register
// Teardown with the instance's teardown hooks so pending requests are
// drained before sessions close.
func NewEngine(ctx context.Context, sessions Sessions, logger *log.Logger) *Engine {
	return &Engine{
		ctx:      ctx,
		sessions: sessions,
		logger:   logger,
		contexts: make(map[target.ID]*TargetContext),
	}
}

// contextFor returns the target's context, creating it (and its
// persistent session) if needed.
func (e *Engine) contextFor(tid target.ID) (*TargetContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tc, ok := e.contexts[tid]; ok {
		return tc, nil
	}
	sess, err := e.sessions.Persistent(tid, sessionPurpose)
	if err != nil {
		return nil, fmt.Errorf("acquiring interception session: %w", err)
	}
	tc := newTargetContext(e.ctx, tid, sess, e.logger)
	e.contexts[tid] = tc
	return tc, nil
}

// peek returns the context without creating one.
func (e *Engine) peek(tid target.ID) (*TargetContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.contexts[tid]
	return tc, ok
}

// Enable turns on interception for one stage with the given URL
// patterns. autoContinue decides whether unmatched paused requests
// resume immediately or join the manual hold queue; timeout overrides
// the 30 s disposition deadline when positive.
func (e *Engine) Enable(ctx context.Context, tid target.ID, stage Stage, patterns []string, autoContinue bool, timeout time.Duration) error {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	tc, err := e.contextFor(tid)
	if err != nil {
		return err
	}
	if stage == StageResponse && tc.hasMocks() {
		return ErrModeConflict
	}

	tc.setPolicy(stage, autoContinue, timeout)
	tc.addPatterns(stage, patterns)
	if err := tc.enableFetch(ctx); err != nil {
		return fmt.Errorf("enabling fetch domain: %w", err)
	}
	e.logger.Infof("intercept", "%s interception on %s (%d patterns, autoContinue=%t)",
		stage, tid, len(patterns), autoContinue)
	return nil
}

// Disable tears one stage down: drains held requests of that stage,
// clears its rules and patterns, and releases the context entirely
// when nothing else is using it.
func (e *Engine) Disable(ctx context.Context, tid target.ID, stage Stage) error {
	tc, ok := e.peek(tid)
	if !ok {
		return nil
	}

	for _, pr := range tc.Pending(stage) {
		tc.finish(pr, DispositionResumed, tc.resumeAsIs(pr))
	}
	tc.clearRules(stage)
	if err := tc.enableFetch(ctx); err != nil {
		e.logger.Warnf("intercept", "updating fetch patterns on %s: %v", tid, err)
	}
	e.maybeRelease(tid, tc)
	return nil
}

// maybeRelease closes the context and its session once no stage,
// mock, recorder or capture needs it.
func (e *Engine) maybeRelease(tid target.ID, tc *TargetContext) {
	tc.mu.Lock()
	idle := len(tc.patterns) == 0 && len(tc.mockPatterns) == 0 &&
		len(tc.mocks) == 0 && tc.recorder == nil && tc.wsBuffer == nil
	tc.mu.Unlock()
	if !idle {
		return
	}
	e.mu.Lock()
	delete(e.contexts, tid)
	e.mu.Unlock()
	tc.close()
	e.sessions.ClosePersistent(tid, sessionPurpose)
	e.logger.Debugf("intercept", "released context for %s", tid)
}

// AddRule declares a rule and makes sure its stage is being paused for
// the rule's pattern.
func (e *Engine) AddRule(ctx context.Context, tid target.ID, r Rule) error {
	tc, err := e.contextFor(tid)
	if err != nil {
		return err
	}
	if r.Stage == StageResponse && tc.hasMocks() {
		return ErrModeConflict
	}
	tc.addRule(r)
	tc.addPatterns(r.Stage, []string{r.URLPattern})
	if err := tc.enableFetch(ctx); err != nil {
		return fmt.Errorf("enabling fetch domain: %w", err)
	}
	return nil
}

// CreateMock registers a mock endpoint; request-stage pausing is
// enabled for its pattern.
func (e *Engine) CreateMock(ctx context.Context, tid target.ID, m *Mock) error {
	tc, err := e.contextFor(tid)
	if err != nil {
		return err
	}
	if tc.stageActive(StageResponse) {
		return ErrModeConflict
	}
	tc.mu.Lock()
	tc.mocks = append(tc.mocks, m)
	tc.mu.Unlock()
	tc.addMockPatterns(m.URLPattern)
	if err := tc.enableFetch(ctx); err != nil {
		return fmt.Errorf("enabling fetch domain: %w", err)
	}
	e.logger.Infof("intercept", "mock %s on %s: %s %s -> %d", m.ID, tid, m.Method, m.URLPattern, m.Status)
	return nil
}

// DeleteMock removes a mock by id. Removing the last mock also drops
// the mock-origin patterns and may release the context.
func (e *Engine) DeleteMock(ctx context.Context, tid target.ID, id string) (*Mock, error) {
	tc, ok := e.peek(tid)
	if !ok {
		return nil, ErrNotEnabled
	}
	tc.mu.Lock()
	var removed *Mock
	kept := tc.mocks[:0]
	for _, m := range tc.mocks {
		if m.ID == id && removed == nil {
			removed = m
			continue
		}
		kept = append(kept, m)
	}
	tc.mocks = kept
	tc.mu.Unlock()
	if removed == nil {
		return nil, fmt.Errorf("no mock %q on target %s", id, tid)
	}
	e.maybeReleaseIfNoMocks(ctx, tid, tc)
	return removed, nil
}

// ClearMocks removes every mock on the target (or on all targets when
// tid is empty) and reports how many were dropped.
func (e *Engine) ClearMocks(ctx context.Context, tid target.ID) int {
	e.mu.Lock()
	targets := make(map[target.ID]*TargetContext)
	if tid == "" {
		for k, v := range e.contexts {
			targets[k] = v
		}
	} else if tc, ok := e.contexts[tid]; ok {
		targets[tid] = tc
	}
	e.mu.Unlock()

	total := 0
	for id, tc := range targets {
		tc.mu.Lock()
		total += len(tc.mocks)
		tc.mocks = nil
		tc.mu.Unlock()
		e.maybeReleaseIfNoMocks(ctx, id, tc)
	}
	return total
}

func (e *Engine) maybeReleaseIfNoMocks(ctx context.Context, tid target.ID, tc *TargetContext) {
	tc.mu.Lock()
	if len(tc.mocks) > 0 {
		tc.mu.Unlock()
		return
	}
	// Mock-origin patterns go with the last mock. Patterns registered
	// by Enable or AddRule are untouched.
	tc.mockPatterns = nil
	tc.mu.Unlock()
	if err := tc.enableFetch(ctx); err != nil {
		e.logger.Warnf("intercept", "updating fetch patterns on %s: %v", tid, err)
	}
	e.maybeRelease(tid, tc)
}

// Mocks lists the target's mocks with their call counts.
func (e *Engine) Mocks(tid target.ID) []*Mock {
	tc, ok := e.peek(tid)
	if !ok {
		return nil
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]*Mock, len(tc.mocks))
	copy(out, tc.mocks)
	return out
}

// Pending snapshots the target's hold queue for one stage.
func (e *Engine) Pending(tid target.ID, stage Stage) []*PausedRequest {
	tc, ok := e.peek(tid)
	if !ok {
		return nil
	}
	return tc.Pending(stage)
}

// ModifyPending patches and forwards one held request.
func (e *Engine) ModifyPending(tid target.ID, id fetch.RequestID, mod Modification) error {
	tc, ok := e.peek(tid)
	if !ok {
		return ErrNotEnabled
	}
	return tc.ModifyPending(id, mod)
}

// ResumePending forwards one held request unmodified.
func (e *Engine) ResumePending(tid target.ID, id fetch.RequestID) error {
	tc, ok := e.peek(tid)
	if !ok {
		return ErrNotEnabled
	}
	return tc.ResumePending(id)
}

// StartHAR begins traffic recording on the target.
func (e *Engine) StartHAR(ctx context.Context, tid target.ID) error {
	tc, err := e.contextFor(tid)
	if err != nil {
		return err
	}
	tc.mu.Lock()
	already := tc.recorder != nil
	tc.mu.Unlock()
	if already {
		return nil
	}
	rec, err := newRecorder(tc.ctx, tc.sess, e.logger)
	if err != nil {
		return fmt.Errorf("starting recorder: %w", err)
	}
	tc.mu.Lock()
	tc.recorder = rec
	tc.mu.Unlock()
	return nil
}

// StopHAR stops recording and returns the flushed archive.
func (e *Engine) StopHAR(tid target.ID, creatorName, creatorVersion string) (*har.HAR, error) {
	tc, ok := e.peek(tid)
	if !ok {
		return nil, ErrNotEnabled
	}
	tc.mu.Lock()
	rec := tc.recorder
	tc.recorder = nil
	tc.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("recording is not active on target %s", tid)
	}
	rec.stop()
	h := rec.Flush(creatorName, creatorVersion)
	e.maybeRelease(tid, tc)
	return h, nil
}

// SnapshotHAR returns the in-progress archive without stopping.
func (e *Engine) SnapshotHAR(tid target.ID, creatorName, creatorVersion string) (*har.HAR, error) {
	tc, ok := e.peek(tid)
	if !ok {
		return nil, ErrNotEnabled
	}
	tc.mu.Lock()
	rec := tc.recorder
	tc.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("recording is not active on target %s", tid)
	}
	return rec.Snapshot(creatorName, creatorVersion), nil
}

// CaptureWebSockets toggles websocket frame capture on the target.
func (e *Engine) CaptureWebSockets(ctx context.Context, tid target.ID, enable bool) error {
	if !enable {
		tc, ok := e.peek(tid)
		if !ok {
			return nil
		}
		tc.mu.Lock()
		w := tc.wsBuffer
		tc.wsBuffer = nil
		tc.mu.Unlock()
		if w != nil {
			w.stop()
		}
		e.maybeRelease(tid, tc)
		return nil
	}

	tc, err := e.contextFor(tid)
	if err != nil {
		return err
	}
	tc.mu.Lock()
	already := tc.wsBuffer != nil
	tc.mu.Unlock()
	if already {
		return nil
	}
	w, err := newWSCapture(tc.ctx, tc.sess, e.logger)
	if err != nil {
		return fmt.Errorf("starting websocket capture: %w", err)
	}
	tc.mu.Lock()
	tc.wsBuffer = w
	tc.mu.Unlock()
	return nil
}

// WebSocketFrames returns the captured frames for the target.
func (e *Engine) WebSocketFrames(tid target.ID) ([]WSFrame, error) {
	tc, ok := e.peek(tid)
	if !ok {
		return nil, ErrNotEnabled
	}
	tc.mu.Lock()
	w := tc.wsBuffer
	tc.mu.Unlock()
	if w == nil {
		return nil, fmt.Errorf("websocket capture is not active on target %s", tid)
	}
	return w.Frames(), nil
}

// Teardown drains every context. Runs as a browser teardown hook,
// before the session manager closes its sessions.
func (e *Engine) Teardown() {
	e.mu.Lock()
	contexts := e.contexts
	e.contexts = make(map[target.ID]*TargetContext)
	e.mu.Unlock()

	for tid, tc := range contexts {
		tc.close()
		e.sessions.ClosePersistent(tid, sessionPurpose)
	}
	if len(contexts) > 0 {
		e.logger.Infof("intercept", "drained %d interception contexts", len(contexts))
	}
}

func (tc *TargetContext) hasMocks() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.mocks) > 0
}
