package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cdppkg "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"

	"github.com/pilothouse-dev/pilothouse/internal/browser"
	cdpint "github.com/pilothouse-dev/pilothouse/internal/cdp"
)

// ErrSelectorNotFound is returned when a DOM selector does not appear
// within its timeout.
var ErrSelectorNotFound = errors.New("selector did not match any element within the timeout")

// pageSession resolves the optional target_id argument to a page and
// returns its ephemeral session.
func pageSession(b *browser.Browser, args map[string]any) (browser.Target, *cdpint.Session, error) {
	id, _ := args["target_id"].(string)
	t, err := b.Targets().ResolvePage(id)
	if err != nil {
		return browser.Target{}, nil, err
	}
	sess, err := b.Sessions().Ephemeral(t.ID)
	if err != nil {
		return browser.Target{}, nil, err
	}
	return t, sess, nil
}

// jsString renders a Go string as a quoted JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// evaluate runs an expression on the session and returns its
// by-value result.
func evaluate(ctx context.Context, sess *cdpint.Session, expr string) (json.RawMessage, error) {
	obj, exc, err := runtime.Evaluate(expr).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(cdppkg.WithExecutor(ctx, sess))
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, fmt.Errorf("page script threw: %s", exc.Text)
	}
	if obj == nil || obj.Value == nil {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(obj.Value), nil
}

func handleStatus(ctx context.Context, d *Dispatcher, b *browser.Browser, _ map[string]any) (map[string]any, error) {
	res := map[string]any{
		"port":                   d.orch.Port(),
		"connected":              false,
		"advanced_tools_enabled": d.AdvancedEnabled(),
	}
	if b == nil || !b.Connected() {
		return res, nil
	}
	v := b.Version()
	res["connected"] = true
	res["browser"] = v.Browser
	res["user_agent"] = v.UserAgent
	res["protocol_version"] = v.ProtocolVersion
	res["managed"] = b.Managed()
	res["shadow_profile"] = b.ShadowProfile()
	res["stealth_applied"] = b.StealthApplied()
	res["tabs"] = len(b.Targets().Pages())
	return res, nil
}

func handleLaunch(ctx context.Context, d *Dispatcher, _ *browser.Browser, args map[string]any) (map[string]any, error) {
	opts := browser.LaunchOptions{}
	if v, ok := args["profile_name"].(string); ok {
		opts.ProfileName = v
	}
	if v, ok := args["user_data_dir"].(string); ok {
		opts.UserDataDir = v
	}
	if v, ok := args["executable_path"].(string); ok {
		opts.ExecutablePath = v
	}
	if v, ok := args["force"].(bool); ok {
		opts.Force = v
	}

	b, err := d.orch.LaunchWithProfile(ctx, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"browser":        b.Version().Browser,
		"port":           b.Port(),
		"managed":        b.Managed(),
		"shadow_profile": b.ShadowProfile(),
	}, nil
}

func handleCloseBrowser(ctx context.Context, d *Dispatcher, _ *browser.Browser, _ map[string]any) (map[string]any, error) {
	if err := d.orch.CloseBrowser(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true}, nil
}

func handleSetAdvancedTools(_ context.Context, d *Dispatcher, _ *browser.Browser, args map[string]any) (map[string]any, error) {
	enabled, _ := args["enabled"].(bool)
	d.SetAdvanced(enabled)
	return map[string]any{"advanced_tools_enabled": enabled}, nil
}

func handleBrowserAction(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	action, _ := args["action"].(string)
	t, sess, err := pageSession(b, args)
	if err != nil {
		return nil, err
	}
	execCtx := cdppkg.WithExecutor(ctx, sess)

	switch action {
	case "navigate":
		url, _ := args["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("action navigate requires url")
		}
		_, _, errText, err := page.Navigate(url).Do(execCtx)
		if err != nil {
			return nil, err
		}
		if errText != "" {
			return nil, fmt.Errorf("navigation failed: %s", errText)
		}
		return map[string]any{"target_id": string(t.ID), "url": url}, nil

	case "back", "forward":
		idx, entries, err := page.GetNavigationHistory().Do(execCtx)
		if err != nil {
			return nil, err
		}
		want := idx - 1
		if action == "forward" {
			want = idx + 1
		}
		if want < 0 || want >= int64(len(entries)) {
			return nil, fmt.Errorf("no history entry to go %s to", action)
		}
		if err := page.NavigateToHistoryEntry(entries[want].ID).Do(execCtx); err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID), "url": entries[want].URL}, nil

	case "reload":
		if err := page.Reload().Do(execCtx); err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID)}, nil

	case "click":
		selector, _ := args["selector"].(string)
		if selector == "" {
			return nil, fmt.Errorf("action click requires selector")
		}
		script := fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			el.scrollIntoView({block: 'center', inline: 'center'});
			el.click();
			return true;
		})()`, jsString(selector))
		raw, err := evaluate(ctx, sess, script)
		if err != nil {
			return nil, err
		}
		if string(raw) != "true" {
			return nil, ErrSelectorNotFound
		}
		return map[string]any{"target_id": string(t.ID), "clicked": selector}, nil

	case "type":
		selector, _ := args["selector"].(string)
		text, _ := args["text"].(string)
		if selector == "" {
			return nil, fmt.Errorf("action type requires selector")
		}
		raw, err := evaluate(ctx, sess, fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			el.scrollIntoView({block: 'center'});
			el.focus();
			return true;
		})()`, jsString(selector)))
		if err != nil {
			return nil, err
		}
		if string(raw) != "true" {
			return nil, ErrSelectorNotFound
		}
		if err := input.InsertText(text).Do(execCtx); err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID), "typed": len(text)}, nil

	case "screenshot":
		shot, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			Do(execCtx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"target_id":  string(t.ID),
			"format":     "png",
			"screenshot": base64.StdEncoding.EncodeToString(shot),
		}, nil

	case "evaluate":
		expr, _ := args["expression"].(string)
		if expr == "" {
			return nil, fmt.Errorf("action evaluate requires expression")
		}
		raw, err := evaluate(ctx, sess, expr)
		if err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID), "result": raw}, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func handleManageTabs(ctx context.Context, _ *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	action, _ := args["action"].(string)

	switch action {
	case "list":
		pages := b.Targets().Pages()
		list := make([]map[string]any, 0, len(pages))
		for _, t := range pages {
			list = append(list, map[string]any{
				"target_id": string(t.ID),
				"url":       t.URL,
				"title":     t.Title,
			})
		}
		return map[string]any{"tabs": list}, nil

	case "new":
		url, _ := args["url"].(string)
		listing, err := b.NewPage(ctx, url)
		if err != nil {
			return nil, err
		}
		// New tabs pick up the stealth script too; launch only covered
		// the pages that existed at the time.
		if b.StealthApplied() {
			if t, ok := b.Targets().Get(targetIDOf(listing.ID)); ok {
				if err := applyStealthToPage(ctx, b, t); err != nil {
					return nil, fmt.Errorf("stealth on new tab: %w", err)
				}
			}
		}
		return map[string]any{"target_id": listing.ID, "url": listing.URL}, nil

	case "close":
		t, err := b.Targets().ResolvePage(stringArg(args, "target_id"))
		if err != nil {
			return nil, err
		}
		if err := b.ClosePage(ctx, string(t.ID)); err != nil {
			return nil, err
		}
		return map[string]any{"closed": string(t.ID)}, nil

	case "activate":
		t, err := b.Targets().ResolvePage(stringArg(args, "target_id"))
		if err != nil {
			return nil, err
		}
		if err := b.ActivatePage(ctx, string(t.ID)); err != nil {
			return nil, err
		}
		return map[string]any{"activated": string(t.ID)}, nil

	case "get_url":
		t, err := b.Targets().ResolvePage(stringArg(args, "target_id"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"target_id": string(t.ID), "url": t.URL, "title": t.Title}, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func handleWaitForSelector(ctx context.Context, _ *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	selector, _ := args["selector"].(string)
	timeoutMS, _ := args["timeout_ms"].(int64)

	t, sess, err := pageSession(b, args)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	probe := fmt.Sprintf(`!!document.querySelector(%s)`, jsString(selector))
	for {
		raw, err := evaluate(ctx, sess, probe)
		if err != nil {
			return nil, err
		}
		if string(raw) == "true" {
			return map[string]any{"target_id": string(t.ID), "found": true}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrSelectorNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ErrSelectorNotFound
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// sessionState is the export_session / import_session payload.
type sessionState struct {
	Cookies        []*network.CookieParam `json:"cookies"`
	LocalStorage   map[string]string      `json:"localStorage"`
	SessionStorage map[string]string      `json:"sessionStorage"`
}

const exportStorageScript = `(() => {
	const dump = (s) => {
		const out = {};
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			out[k] = s.getItem(k);
		}
		return out;
	};
	return {localStorage: dump(localStorage), sessionStorage: dump(sessionStorage)};
})()`

func handleExportSession(ctx context.Context, _ *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, sess, err := pageSession(b, args)
	if err != nil {
		return nil, err
	}

	cookies, err := storage.GetCookies().Do(cdppkg.WithExecutor(ctx, sess))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	raw, err := evaluate(ctx, sess, exportStorageScript)
	if err != nil {
		return nil, fmt.Errorf("reading storage: %w", err)
	}
	var stores struct {
		LocalStorage   map[string]string `json:"localStorage"`
		SessionStorage map[string]string `json:"sessionStorage"`
	}
	if err := json.Unmarshal(raw, &stores); err != nil {
		return nil, fmt.Errorf("decoding storage dump: %w", err)
	}

	return map[string]any{
		"target_id": string(t.ID),
		"session": map[string]any{
			"cookies":        cookies,
			"localStorage":   stores.LocalStorage,
			"sessionStorage": stores.SessionStorage,
		},
	}, nil
}

func handleImportSession(ctx context.Context, _ *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error) {
	t, sess, err := pageSession(b, args)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(args["session"])
	if err != nil {
		return nil, fmt.Errorf("encoding session payload: %w", err)
	}
	var state sessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding session payload: %w", err)
	}

	execCtx := cdppkg.WithExecutor(ctx, sess)
	if len(state.Cookies) > 0 {
		if err := storage.SetCookies(state.Cookies).Do(execCtx); err != nil {
			return nil, fmt.Errorf("restoring cookies: %w", err)
		}
	}

	restore := func(store string, data map[string]string) error {
		if len(data) == 0 {
			return nil
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		script := fmt.Sprintf(`(() => {
			const data = %s;
			for (const [k, v] of Object.entries(data)) %s.setItem(k, v);
			return true;
		})()`, payload, store)
		_, err = evaluate(ctx, sess, script)
		return err
	}
	if err := restore("localStorage", state.LocalStorage); err != nil {
		return nil, fmt.Errorf("restoring localStorage: %w", err)
	}
	if err := restore("sessionStorage", state.SessionStorage); err != nil {
		return nil, fmt.Errorf("restoring sessionStorage: %w", err)
	}

	return map[string]any{
		"target_id": string(t.ID),
		"cookies":   len(state.Cookies),
	}, nil
}
