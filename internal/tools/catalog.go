package tools

import "time"

// targetParam is shared by every tool that acts on a page.
var targetParam = Param{
	Name:        "target_id",
	Kind:        KindString,
	Description: "Page target to act on; defaults to the active tab",
}

var timeoutParam = Param{
	Name:        "timeout_ms",
	Kind:        KindInt,
	Description: "Per-call deadline override in milliseconds",
	Min:         fptr(1),
	Max:         fptr(600_000),
}

// coreCatalog is always visible.
func coreCatalog() []*Descriptor {
	return []*Descriptor{
		{
			Name:        "status",
			Description: "Report the connection state, browser version and tool visibility",
			SkipEnsure:  true,
			Handler:     handleStatus,
		},
		{
			Name:        "launch_with_profile",
			Description: "Launch Chromium with a debug-enabled copy of the user's profile, or attach to one already running",
			SkipEnsure:  true,
			Timeout:     60 * time.Second,
			Params: []Param{
				{Name: "profile_name", Kind: KindString, Description: "Profile subdirectory, e.g. 'Default' or 'Profile 1'", Default: "Default"},
				{Name: "user_data_dir", Kind: KindString, Description: "Use this data dir verbatim instead of shadow-cloning the real profile"},
				{Name: "executable_path", Kind: KindString, Description: "Chromium executable override"},
				{Name: "force", Kind: KindBool, Description: "Disconnect a live instance before launching", Default: false},
				timeoutParam,
			},
			Handler: handleLaunch,
		},
		{
			Name:        "close_browser",
			Description: "Disconnect and terminate the managed browser process",
			SkipEnsure:  true,
			Handler:     handleCloseBrowser,
		},
		{
			Name:        "set_advanced_tools",
			Description: "Show or hide the advanced interception tool catalog",
			SkipEnsure:  true,
			Params: []Param{
				{Name: "enabled", Kind: KindBool, Required: true},
			},
			Handler: handleSetAdvancedTools,
		},
		{
			Name:        "browser_action",
			Description: "Drive a page: navigate, back, forward, reload, click, type, screenshot or evaluate",
			Timeout:     60 * time.Second,
			Params: []Param{
				{Name: "action", Kind: KindString, Required: true,
					Enum: []string{"navigate", "back", "forward", "reload", "click", "type", "screenshot", "evaluate"}},
				{Name: "url", Kind: KindString, Description: "Destination for navigate"},
				{Name: "selector", Kind: KindString, Description: "CSS selector for click/type"},
				{Name: "text", Kind: KindString, Description: "Text for type"},
				{Name: "expression", Kind: KindString, Description: "JavaScript for evaluate"},
				targetParam,
				timeoutParam,
			},
			Handler: handleBrowserAction,
		},
		{
			Name:        "manage_tabs",
			Description: "List, open, close, activate tabs or read a tab's URL",
			Params: []Param{
				{Name: "action", Kind: KindString, Required: true,
					Enum: []string{"list", "new", "close", "activate", "get_url"}},
				{Name: "url", Kind: KindString, Description: "Initial URL for new"},
				targetParam,
			},
			Handler: handleManageTabs,
		},
		{
			Name:        "wait_for_selector",
			Description: "Poll until a CSS selector matches an element",
			Timeout:     2 * time.Minute,
			Params: []Param{
				{Name: "selector", Kind: KindString, Required: true},
				{Name: "timeout_ms", Kind: KindInt, Default: int64(10_000), Min: fptr(1), Max: fptr(600_000),
					Description: "How long to wait for the selector"},
				targetParam,
			},
			Handler: handleWaitForSelector,
		},
		{
			Name:        "export_session",
			Description: "Export cookies plus local/session storage of a page",
			Params:      []Param{targetParam},
			Handler:     handleExportSession,
		},
		{
			Name:        "import_session",
			Description: "Restore cookies plus local/session storage from an export",
			Params: []Param{
				{Name: "session", Kind: KindObject, Required: true,
					Description: "Payload produced by export_session"},
				targetParam,
			},
			Handler: handleImportSession,
		},
	}
}

// advancedCatalog is listed only while the visibility flag is on.
func advancedCatalog() []*Descriptor {
	interceptParams := func() []Param {
		return []Param{
			{Name: "patterns", Kind: KindArray, Description: "URL glob patterns; defaults to all traffic"},
			{Name: "auto_continue", Kind: KindBool, Default: false,
				Description: "Resume unmatched requests immediately instead of holding them"},
			{Name: "disposition_timeout_ms", Kind: KindInt, Min: fptr(100), Max: fptr(600_000),
				Description: "Deadline before a held request is resumed as-is (default 30000)"},
			targetParam,
		}
	}
	modifyParams := []Param{
		{Name: "method", Kind: KindString, Description: "Replacement HTTP method (request stage)"},
		{Name: "post_data", Kind: KindString, Description: "Replacement request body (request stage)"},
		{Name: "set_headers", Kind: KindObject, Description: "Headers to add or override"},
		{Name: "remove_headers", Kind: KindArray, Description: "Header names to drop"},
		{Name: "status", Kind: KindInt, Min: fptr(100), Max: fptr(599), Description: "Replacement status (response stage)"},
		{Name: "body", Kind: KindString, Description: "Replacement response body (response stage)"},
		{Name: "body_find", Kind: KindString, Description: "Substring to replace in the original body"},
		{Name: "body_replace", Kind: KindString, Description: "Replacement for body_find"},
	}

	ds := []*Descriptor{
		{
			Name:        "enable_request_interception",
			Description: "Pause matching requests before they leave the browser",
			Advanced:    true,
			Params:      interceptParams(),
			Handler:     enableInterception(stageRequest),
		},
		{
			Name:        "enable_response_interception",
			Description: "Pause matching responses before the page sees them",
			Advanced:    true,
			Params:      interceptParams(),
			Handler:     enableInterception(stageResponse),
		},
		{
			Name:        "disable_request_interception",
			Description: "Stop request interception and drain held requests",
			Advanced:    true,
			Params:      []Param{targetParam},
			Handler:     disableInterception(stageRequest),
		},
		{
			Name:        "disable_response_interception",
			Description: "Stop response interception and drain held responses",
			Advanced:    true,
			Params:      []Param{targetParam},
			Handler:     disableInterception(stageResponse),
		},
		{
			Name:        "list_intercepted_requests",
			Description: "Snapshot the held request queue",
			Advanced:    true,
			Params:      []Param{targetParam},
			Handler:     listIntercepted(stageRequest),
		},
		{
			Name:        "list_intercepted_responses",
			Description: "Snapshot the held response queue",
			Advanced:    true,
			Params:      []Param{targetParam},
			Handler:     listIntercepted(stageResponse),
		},
		{
			Name:        "modify_intercepted_request",
			Description: "Patch one held request or response and forward it",
			Advanced:    true,
			Params: append([]Param{
				{Name: "request_id", Kind: KindString, Required: true},
				targetParam,
			}, modifyParams...),
			Handler: handleModifyIntercepted,
		},
		{
			Name:        "resume_intercepted_request",
			Description: "Forward one held request or response unmodified",
			Advanced:    true,
			Params: []Param{
				{Name: "request_id", Kind: KindString, Required: true},
				targetParam,
			},
			Handler: handleResumeIntercepted,
		},
		{
			Name:        "intercept_and_modify_traffic",
			Description: "Declare a standing rule that rewrites, delays, blocks or fails matching traffic",
			Advanced:    true,
			Params: append([]Param{
				{Name: "url_pattern", Kind: KindString, Required: true},
				{Name: "stage", Kind: KindString, Default: "request", Enum: []string{"request", "response"}},
				{Name: "action", Kind: KindString, Required: true,
					Enum: []string{"observe", "modify", "fail", "delay", "block"}},
				{Name: "method_filter", Kind: KindString, Description: "Only match this HTTP method"},
				{Name: "resource_type", Kind: KindString, Description: "Only match this resource type"},
				{Name: "error_reason", Kind: KindString, Description: "Network error for fail (default blocked-by-client)"},
				{Name: "delay_ms", Kind: KindInt, Min: fptr(0), Max: fptr(600_000)},
				targetParam,
			}, modifyParams...),
			Handler: handleInterceptAndModify,
		},
		{
			Name:        "create_mock_endpoint",
			Description: "Serve matching requests from a canned response without touching the network",
			Advanced:    true,
			Params: []Param{
				{Name: "url_pattern", Kind: KindString, Required: true},
				{Name: "method", Kind: KindString, Description: "HTTP method to match; default any"},
				{Name: "status", Kind: KindInt, Default: int64(200), Min: fptr(100), Max: fptr(599)},
				{Name: "content_type", Kind: KindString, Default: "application/json"},
				{Name: "headers", Kind: KindObject},
				{Name: "body", Kind: KindString, Default: ""},
				{Name: "delay_ms", Kind: KindInt, Min: fptr(0), Max: fptr(600_000)},
				targetParam,
			},
			Handler: handleCreateMock,
		},
		{
			Name:        "delete_mock_endpoint",
			Description: "Remove a mock endpoint and report its call count",
			Advanced:    true,
			Params: []Param{
				{Name: "mock_id", Kind: KindString, Required: true},
				targetParam,
			},
			Handler: handleDeleteMock,
		},
		{
			Name:        "clear_all_mocks",
			Description: "Remove every mock endpoint on a target, or on all targets",
			Advanced:    true,
			Params:      []Param{targetParam},
			Handler:     handleClearMocks,
		},
		{
			Name:        "start_har_recording",
			Description: "Begin recording network traffic for HAR export",
			Advanced:    true,
			Params:      []Param{targetParam},
			Handler:     handleStartHAR,
		},
		{
			Name:        "stop_har_recording",
			Description: "Stop recording and discard the buffer unless exported first",
			Advanced:    true,
			Params:      []Param{targetParam},
			Handler:     handleStopHAR,
		},
		{
			Name:        "export_har_file",
			Description: "Write the recorded traffic to a HAR 1.2 file",
			Advanced:    true,
			Params: []Param{
				{Name: "path", Kind: KindString, Required: true},
				{Name: "stop", Kind: KindBool, Default: false, Description: "Also stop recording"},
				targetParam,
			},
			Handler: handleExportHAR,
		},
		{
			Name:        "apply_stealth",
			Description: "Install the fingerprint-masking script on every page",
			Advanced:    true,
			Params: []Param{
				{Name: "force", Kind: KindBool, Default: false, Description: "Reinstall even if already applied"},
			},
			Handler: handleApplyStealth,
		},
		{
			Name:        "inject_script",
			Description: "Run JavaScript once, or register it to run on every new document",
			Advanced:    true,
			Params: []Param{
				{Name: "script", Kind: KindString, Required: true},
				{Name: "persistent", Kind: KindBool, Default: false},
				targetParam,
			},
			Handler: handleInjectScript,
		},
		{
			Name:        "capture_websocket_traffic",
			Description: "Capture websocket frames on a page and list them per direction",
			Advanced:    true,
			Params: []Param{
				{Name: "action", Kind: KindString, Required: true, Enum: []string{"enable", "disable", "list"}},
				targetParam,
			},
			Handler: handleCaptureWebSockets,
		},
	}
	return ds
}
