package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pilothouse-dev/pilothouse/internal/browser"
	cdpint "github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/intercept"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// defaultToolTimeout bounds a tool call that declares no timeout of
// its own.
const defaultToolTimeout = 30 * time.Second

// Dispatcher fronts every tool call: ensure-connected policy, schema
// validation, deadline, panic recovery and error shaping. One call is
// in flight at a time.
type Dispatcher struct {
	orch   *browser.Orchestrator
	logger *log.Logger

	// serializes tool invocations
	callMu sync.Mutex

	mu           sync.Mutex
	advanced     bool
	engine       *intercept.Engine
	engineOwner  *browser.Browser
	onVisibility func(advanced bool)
}

// NewDispatcher builds a dispatcher over the orchestrator.
func NewDispatcher(orch *browser.Orchestrator, logger *log.Logger) *Dispatcher {
	return &Dispatcher{orch: orch, logger: logger}
}

// AdvancedEnabled reports the advanced-catalog visibility flag.
func (d *Dispatcher) AdvancedEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advanced
}

// SetAdvanced flips the visibility flag and notifies the server so it
// can update the published tool list.
func (d *Dispatcher) SetAdvanced(enabled bool) {
	d.mu.Lock()
	changed := d.advanced != enabled
	d.advanced = enabled
	notify := d.onVisibility
	d.mu.Unlock()
	if changed && notify != nil {
		notify(enabled)
	}
}

// Engine returns the interception engine bound to the current browser
// connection, creating one on first use. The engine drains as a
// teardown hook, so a lost connection resets it along with everything
// else.
func (d *Dispatcher) Engine(b *browser.Browser) *intercept.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engineOwner == b && d.engine != nil {
		return d.engine
	}
	e := intercept.NewEngine(context.Background(), b.Sessions(), d.logger)
	b.OnTeardown(e.Teardown)
	d.engine = e
	d.engineOwner = b
	return e
}

// Dispatch runs one tool call and always returns a structured result;
// faults never escape.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *Descriptor, rawArgs map[string]any) map[string]any {
	d.callMu.Lock()
	defer d.callMu.Unlock()

	start := time.Now()
	d.logger.Debugf("tools", "call %s", desc.Name)

	args, err := desc.Validate(rawArgs)
	if err != nil {
		return d.failure(desc.Name, "invalid-arguments", err, "")
	}

	var b *browser.Browser
	if !desc.SkipEnsure {
		b, err = d.orch.EnsureConnected(ctx)
		if err != nil {
			return d.errorResult(desc.Name, err)
		}
	} else {
		b = d.orch.Current()
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	if ms, ok := args["timeout_ms"].(int64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Errorf("tools", "%s panicked: %v\n%s", desc.Name, r, debug.Stack())
				done <- outcome{err: fmt.Errorf("handler fault: %v", r)}
			}
		}()
		res, err := desc.Handler(callCtx, d, b, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-callCtx.Done():
		// The handler sees the cancellation through callCtx; its late
		// result is discarded. Shared state is preserved.
		return d.failure(desc.Name, "handler-raised",
			fmt.Errorf("tool did not complete within %s", timeout), "")
	case out := <-done:
		if out.err != nil {
			return d.errorResult(desc.Name, out.err)
		}
		res := out.result
		if res == nil {
			res = map[string]any{}
		}
		res["success"] = true
		d.logger.Debugf("tools", "%s ok in %s", desc.Name, time.Since(start).Round(time.Millisecond))
		return res
	}
}

// errorResult maps sentinel errors onto the documented error kinds.
func (d *Dispatcher) errorResult(tool string, err error) map[string]any {
	kind := "handler-raised"
	hint := ""
	switch {
	case errors.Is(err, browser.ErrNotConnected):
		kind = "not-connected"
		hint = "call launch_with_profile to start or attach to a browser"
	case errors.Is(err, browser.ErrChromiumNotFound):
		kind = "chromium-not-found"
		hint = "install Chrome or Chromium, or pass executable_path"
	case errors.Is(err, browser.ErrBrowserFailedToStart):
		kind = "browser-failed-to-start"
	case errors.Is(err, browser.ErrPortNotBrowser):
		kind = "port-not-browser"
		hint = "something other than Chromium is listening on the port"
	case errors.Is(err, browser.ErrNoPageAvailable):
		kind = "no-page-available"
	case errors.Is(err, browser.ErrTargetNotFound), errors.Is(err, browser.ErrTargetNotPage):
		kind = "invalid-arguments"
	case errors.Is(err, intercept.ErrModeConflict):
		kind = "interception-mode-conflict"
		hint = "disable the conflicting interception mode first"
	case errors.Is(err, cdpint.ErrTransportGone), errors.Is(err, cdpint.ErrChannelClosed):
		kind = "transport-gone"
		hint = "the browser connection was lost; the next call reconnects"
	case errors.Is(err, cdpint.ErrTargetCrashed):
		kind = "target-crashed"
	case errors.Is(err, ErrSelectorNotFound):
		kind = "selector-not-found"
	}
	return d.failure(tool, kind, err, hint)
}

func (d *Dispatcher) failure(tool, kind string, err error, hint string) map[string]any {
	d.logger.Warnf("tools", "%s failed (%s): %v", tool, kind, err)
	res := map[string]any{
		"success": false,
		"tool":    tool,
		"kind":    kind,
		"error":   err.Error(),
	}
	if hint != "" {
		res["hint"] = hint
	}
	return res
}
