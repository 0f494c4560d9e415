package browser

import (
	"fmt"
	"sort"
	"strings"
)

// prepareFlags builds the fixed hardening flag set for spawning a
// debuggable, user-visible Chromium. The browser must look and behave
// like the user's own: no automation infobar, OS keychain left alone,
// window maximized and visible.
func prepareFlags(port int, dataDir, profileName string) map[string]any {
	f := map[string]any{
		"remote-debugging-port": fmt.Sprintf("%d", port),
		"user-data-dir":         dataDir,

		"no-first-run":             true,
		"no-default-browser-check": true,
		"start-maximized":          true,
		"new-window":               true,

		// Hide the "controlled by automated test software" banner and
		// the webdriver-adjacent blink behavior.
		"disable-blink-features": "AutomationControlled",
		"disable-infobars":       true,

		// The OS keychain prompts would block a headful launch; the
		// basic store still decrypts via the copied Local State keys.
		"password-store":    "basic",
		"use-mock-keychain": true,

		"disable-background-timer-throttling":    true,
		"disable-backgrounding-occluded-windows": true,
		"disable-renderer-backgrounding":         true,
		"disable-hang-monitor":                   true,
		"disable-prompt-on-repost":               true,
		"disable-session-crashed-bubble":         true,
		"hide-crash-restore-bubble":              true,
		"disable-features":                       "DestroyProfileOnBrowserClose",
	}
	if profileName != "" {
		f["profile-directory"] = profileName
	}
	return f
}

// parseArgs converts a flag map to a deterministic argv slice.
func parseArgs(flags map[string]any) ([]string, error) {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	var args []string
	for _, name := range names {
		switch value := flags[name].(type) {
		case string:
			if strings.TrimSpace(value) == "" {
				args = append(args, fmt.Sprintf("--%s", name))
				continue
			}
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf("invalid browser command line flag: %q=%v", name, value)
		}
	}
	return args, nil
}
