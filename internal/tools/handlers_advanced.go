package tools

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/pilothouse-dev/pilothouse/internal/browser"
	"github.com/pilothouse-dev/pilothouse/internal/har"
	"github.com/pilothouse-dev/pilothouse/internal/intercept"
	"github.com/pilothouse-dev/pilothouse/internal/stealth"
)

const (
	stageRequest  = intercept.StageRequest
	stageResponse = intercept.StageResponse
)

var mockSeq atomic.Int64

func targetIDOf(s string) target.ID { return target.ID(s) }

// resolveTarget maps the optional target_id argument to a page target
// id for the interception engine.
func resolveTarget(b *browser.Browser, args map[string]any) (browser.Target, error) {
	return b.Targets().ResolvePage(stringArg(args, "target_id"))
}

func enableInterception(stage intercept.Stage) HandlerFunc {
	return func(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
		t, err := resolveTarget(b, args)
		if err != nil {
			return nil, err
		}
		var patterns []string
		if raw, ok := args["patterns"].([]any); ok {
			for _, p := range raw {
				if s, ok := p.(string); ok {
					patterns = append(patterns, s)
				}
			}
		}
		autoContinue, _ := args["auto_continue"].(bool)
		var timeout time.Duration
		if ms, ok := args["disposition_timeout_ms"].(int64); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}

		if err := d.Engine(b).Enable(ctx, t.ID, stage, patterns, autoContinue, timeout); err != nil {
			return nil, err
		}
		return map[string]any{
			"target_id":     string(t.ID),
			"stage":         string(stage),
			"patterns":      len(patterns),
			"auto_continue": autoContinue,
		}, nil
	}
}

func disableInterception(stage intercept.Stage) HandlerFunc {
	return func(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
		t, err := resolveTarget(b, args)
		if err != nil {
			return nil, err
		}
		if err := d.Engine(b).Disable(ctx, t.ID, stage); err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID), "stage": string(stage)}, nil
	}
}

func listIntercepted(stage intercept.Stage) HandlerFunc {
	return func(_ context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
		t, err := resolveTarget(b, args)
		if err != nil {
			return nil, err
		}
		pending := d.Engine(b).Pending(t.ID, stage)
		list := make([]map[string]any, 0, len(pending))
		for _, pr := range pending {
			item := map[string]any{
				"request_id": string(pr.ID),
				"url":        pr.URL,
				"method":     pr.Method,
				"headers":    pr.Headers,
				"age_ms":     time.Since(pr.ArrivedAt).Milliseconds(),
			}
			if stage == intercept.StageResponse {
				item["status"] = pr.StatusCode
				item["response_headers"] = pr.ResponseHeaders
			} else if pr.PostData != "" {
				item["post_data"] = pr.PostData
			}
			list = append(list, item)
		}
		return map[string]any{
			"target_id": string(t.ID),
			"count":     len(list),
			"requests":  list,
		}, nil
	}
}

func modificationFromArgs(args map[string]any) intercept.Modification {
	mod := intercept.Modification{
		Method:      stringArg(args, "method"),
		PostData:    stringArg(args, "post_data"),
		Body:        stringArg(args, "body"),
		BodyFind:    stringArg(args, "body_find"),
		BodyReplace: stringArg(args, "body_replace"),
	}
	if status, ok := args["status"].(int64); ok {
		mod.Status = status
	}
	if hdrs, ok := args["set_headers"].(map[string]any); ok {
		mod.SetHeaders = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			mod.SetHeaders[k] = fmt.Sprint(v)
		}
	}
	if rm, ok := args["remove_headers"].([]any); ok {
		for _, v := range rm {
			if s, ok := v.(string); ok {
				mod.RemoveHeaders = append(mod.RemoveHeaders, s)
			}
		}
	}
	return mod
}

func handleModifyIntercepted(_ context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	id := fetch.RequestID(stringArg(args, "request_id"))
	if err := d.Engine(b).ModifyPending(t.ID, id, modificationFromArgs(args)); err != nil {
		return nil, err
	}
	return map[string]any{"request_id": string(id), "disposition": "modified"}, nil
}

func handleResumeIntercepted(_ context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	id := fetch.RequestID(stringArg(args, "request_id"))
	if err := d.Engine(b).ResumePending(t.ID, id); err != nil {
		return nil, err
	}
	return map[string]any{"request_id": string(id), "disposition": "resumed"}, nil
}

func handleInterceptAndModify(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	rule := intercept.Rule{
		ID:           fmt.Sprintf("rule-%d", mockSeq.Add(1)),
		URLPattern:   stringArg(args, "url_pattern"),
		Method:       stringArg(args, "method_filter"),
		ResourceType: stringArg(args, "resource_type"),
		Stage:        intercept.Stage(stringArg(args, "stage")),
		Action:       intercept.Action(stringArg(args, "action")),
		Modification: modificationFromArgs(args),
		ErrorReason:  stringArg(args, "error_reason"),
		AutoContinue: true,
	}
	if ms, ok := args["delay_ms"].(int64); ok {
		rule.DelayMS = ms
	}
	if err := d.Engine(b).AddRule(ctx, t.ID, rule); err != nil {
		return nil, err
	}
	return map[string]any{
		"target_id": string(t.ID),
		"rule_id":   rule.ID,
		"stage":     string(rule.Stage),
		"action":    string(rule.Action),
	}, nil
}

func handleCreateMock(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	m := &intercept.Mock{
		ID:          fmt.Sprintf("mock-%d", mockSeq.Add(1)),
		URLPattern:  stringArg(args, "url_pattern"),
		Method:      stringArg(args, "method"),
		ContentType: stringArg(args, "content_type"),
		Body:        stringArg(args, "body"),
	}
	if status, ok := args["status"].(int64); ok {
		m.Status = status
	}
	if ms, ok := args["delay_ms"].(int64); ok {
		m.DelayMS = ms
	}
	if hdrs, ok := args["headers"].(map[string]any); ok {
		m.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			m.Headers[k] = fmt.Sprint(v)
		}
	}
	if err := d.Engine(b).CreateMock(ctx, t.ID, m); err != nil {
		return nil, err
	}
	return map[string]any{
		"target_id":   string(t.ID),
		"mock_id":     m.ID,
		"url_pattern": m.URLPattern,
	}, nil
}

func handleDeleteMock(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	m, err := d.Engine(b).DeleteMock(ctx, t.ID, stringArg(args, "mock_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"mock_id": m.ID, "calls": m.Calls()}, nil
}

func handleClearMocks(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	var tid target.ID
	if id := stringArg(args, "target_id"); id != "" {
		t, err := b.Targets().ResolvePage(id)
		if err != nil {
			return nil, err
		}
		tid = t.ID
	}
	cleared := d.Engine(b).ClearMocks(ctx, tid)
	return map[string]any{"cleared": cleared}, nil
}

func handleStartHAR(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	if err := d.Engine(b).StartHAR(ctx, t.ID); err != nil {
		return nil, err
	}
	return map[string]any{"target_id": string(t.ID), "recording": true}, nil
}

func handleStopHAR(_ context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	h, err := d.Engine(b).StopHAR(t.ID, serverName, serverVersion)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"target_id": string(t.ID),
		"entries":   len(h.Log.Entries),
	}, nil
}

func handleExportHAR(_ context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	path := stringArg(args, "path")
	stop, _ := args["stop"].(bool)

	var h *har.HAR
	if stop {
		h, err = d.Engine(b).StopHAR(t.ID, serverName, serverVersion)
	} else {
		h, err = d.Engine(b).SnapshotHAR(t.ID, serverName, serverVersion)
	}
	if err != nil {
		return nil, err
	}
	if err := har.WriteFile(h, path); err != nil {
		return nil, err
	}
	return map[string]any{
		"target_id": string(t.ID),
		"path":      path,
		"entries":   len(h.Log.Entries),
	}, nil
}

func handleApplyStealth(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	force, _ := args["force"].(bool)
	if err := d.orch.ApplyStealth(ctx, force); err != nil {
		return nil, err
	}
	return map[string]any{"stealth_applied": true, "seed": b.StealthSeed()}, nil
}

func handleInjectScript(ctx context.Context, _ *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, sess, err := pageSession(b, args)
	if err != nil {
		return nil, err
	}
	script := stringArg(args, "script")
	persistent, _ := args["persistent"].(bool)

	if persistent {
		id, err := page.AddScriptToEvaluateOnNewDocument(script).
			Do(cdppkg.WithExecutor(ctx, sess))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"target_id":  string(t.ID),
			"persistent": true,
			"script_id":  string(id),
		}, nil
	}

	raw, err := evaluate(ctx, sess, script)
	if err != nil {
		return nil, err
	}
	return map[string]any{"target_id": string(t.ID), "result": raw}, nil
}

func handleCaptureWebSockets(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, err := resolveTarget(b, args)
	if err != nil {
		return nil, err
	}
	action := stringArg(args, "action")
	engine := d.Engine(b)

	switch action {
	case "enable":
		if err := engine.CaptureWebSockets(ctx, t.ID, true); err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID), "capturing": true}, nil
	case "disable":
		if err := engine.CaptureWebSockets(ctx, t.ID, false); err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID), "capturing": false}, nil
	case "list":
		frames, err := engine.WebSocketFrames(t.ID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"target_id": string(t.ID),
			"count":     len(frames),
			"frames":    frames,
		}, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

// applyStealthToPage registers the stealth script on one page; used
// when a new tab is opened after launch.
func applyStealthToPage(ctx context.Context, b *browser.Browser, t browser.Target) error {
	sess, err := b.Sessions().Ephemeral(t.ID)
	if err != nil {
		return err
	}
	return stealth.Apply(ctx, sess, b.StealthSeed())
}
