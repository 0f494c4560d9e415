package tools

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pilothouse-dev/pilothouse/internal/browser"
	"github.com/pilothouse-dev/pilothouse/internal/intercept"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(browser.NewOrchestrator(9222, log.New()), log.New())
}

// skipEnsure wraps a handler in a descriptor that runs without a
// browser, which is all these tests need.
func skipEnsure(h HandlerFunc) *Descriptor {
	return &Descriptor{Name: "test_tool", SkipEnsure: true, Handler: h}
}

func TestDispatchSuccessShape(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	desc := skipEnsure(func(context.Context, *Dispatcher, *browser.Browser, map[string]any) (map[string]any, error) {
		return map[string]any{"port": 9222}, nil
	})

	res := d.Dispatch(context.Background(), desc, nil)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, 9222, res["port"])
}

func TestDispatchNilResultStillSucceeds(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	desc := skipEnsure(func(context.Context, *Dispatcher, *browser.Browser, map[string]any) (map[string]any, error) {
		return nil, nil
	})

	res := d.Dispatch(context.Background(), desc, nil)
	assert.Equal(t, true, res["success"])
}

func TestDispatchValidatesBeforeRunning(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	ran := false
	desc := skipEnsure(func(context.Context, *Dispatcher, *browser.Browser, map[string]any) (map[string]any, error) {
		ran = true
		return nil, nil
	})

	res := d.Dispatch(context.Background(), desc, map[string]any{"bogus": 1})
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "invalid-arguments", res["kind"])
	assert.False(t, ran, "the handler must not see invalid arguments")
}

func TestDispatchRecoversPanics(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	desc := skipEnsure(func(context.Context, *Dispatcher, *browser.Browser, map[string]any) (map[string]any, error) {
		panic("boom")
	})

	res := d.Dispatch(context.Background(), desc, nil)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "handler-raised", res["kind"])
	assert.Contains(t, res["error"], "handler fault")
}

func TestDispatchMapsSentinelErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err      error
		kind     string
		wantHint bool
	}{
		{browser.ErrNotConnected, "not-connected", true},
		{browser.ErrChromiumNotFound, "chromium-not-found", true},
		{browser.ErrBrowserFailedToStart, "browser-failed-to-start", false},
		{fmt.Errorf("probing: %w", browser.ErrPortNotBrowser), "port-not-browser", true},
		{browser.ErrNoPageAvailable, "no-page-available", false},
		{browser.ErrTargetNotFound, "invalid-arguments", false},
		{intercept.ErrModeConflict, "interception-mode-conflict", true},
		{ErrSelectorNotFound, "selector-not-found", false},
		{fmt.Errorf("plain failure"), "handler-raised", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.kind, func(t *testing.T) {
			t.Parallel()
			d := newTestDispatcher()
			desc := skipEnsure(func(context.Context, *Dispatcher, *browser.Browser, map[string]any) (map[string]any, error) {
				return nil, tt.err
			})
			res := d.Dispatch(context.Background(), desc, nil)
			assert.Equal(t, false, res["success"])
			assert.Equal(t, tt.kind, res["kind"])
			assert.Equal(t, "test_tool", res["tool"])
			_, hasHint := res["hint"]
			assert.Equal(t, tt.wantHint, hasHint)
		})
	}
}

func TestDispatchEnforcesDeadline(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	desc := skipEnsure(func(ctx context.Context, _ *Dispatcher, _ *browser.Browser, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	desc.Timeout = 30 * time.Millisecond

	start := time.Now()
	res := d.Dispatch(context.Background(), desc, nil)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, false, res["success"])
	assert.Contains(t, res["error"], "did not complete")
}

func TestDispatchHonorsTimeoutMSArg(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	desc := skipEnsure(func(ctx context.Context, _ *Dispatcher, _ *browser.Browser, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	desc.Params = []Param{{Name: "timeout_ms", Kind: KindInt}}

	start := time.Now()
	res := d.Dispatch(context.Background(), desc, map[string]any{"timeout_ms": float64(40)})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, false, res["success"])
}

func TestDispatchRequiresConnectionByDefault(t *testing.T) {
	t.Parallel()

	// The orchestrator probes the real loopback port; nothing is
	// listening on a reserved port in CI, so ensure-connected refuses.
	d := NewDispatcher(browser.NewOrchestrator(1, log.New()), log.New())
	desc := &Descriptor{
		Name: "needs_browser",
		Handler: func(context.Context, *Dispatcher, *browser.Browser, map[string]any) (map[string]any, error) {
			t.Fatal("handler must not run without a browser")
			return nil, nil
		},
	}

	res := d.Dispatch(context.Background(), desc, nil)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "not-connected", res["kind"])
}

func TestSetAdvancedNotifiesOnChangeOnly(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	var notified []bool
	d.onVisibility = func(enabled bool) { notified = append(notified, enabled) }

	assert.False(t, d.AdvancedEnabled())
	d.SetAdvanced(true)
	d.SetAdvanced(true) // no-op
	d.SetAdvanced(false)

	assert.True(t, len(notified) == 2)
	assert.Equal(t, []bool{true, false}, notified)
	assert.False(t, d.AdvancedEnabled())
}
