package browser

import "errors"

var (
	// ErrChromiumNotFound is returned when no Chromium executable can
	// be located on this system.
	ErrChromiumNotFound = errors.New("couldn't detect google chrome or a chromium-based browser on this system")

	// ErrBrowserFailedToStart is returned when the spawned process
	// never reached a verified-alive state within the startup budget.
	ErrBrowserFailedToStart = errors.New("browser failed to start")

	// ErrNotConnected is returned when a tool needs a browser but none
	// is available and auto-launch is refused.
	ErrNotConnected = errors.New("not connected to a browser; call launch_with_profile first")

	// ErrPortNotBrowser is returned when something answers on the
	// debugging port but identifies as an embedded WebView or another
	// look-alike rather than a full Chromium browser.
	ErrPortNotBrowser = errors.New("debugging port is not a full chromium browser")

	// ErrNoPageAvailable is returned when a tool requires a page
	// target and the browser has none.
	ErrNoPageAvailable = errors.New("no page target available")

	// ErrTargetNotFound is returned when an explicit target id does
	// not resolve to a known target.
	ErrTargetNotFound = errors.New("target not found")

	// ErrTargetNotPage is returned when an explicit target id resolves
	// to a non-page target where a page is required.
	ErrTargetNotPage = errors.New("target is not a page")
)
