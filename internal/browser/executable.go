package browser

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// executablePath returns the path of the Chromium executable to spawn.
// A non-empty override wins; otherwise the per-platform well-known
// locations are searched in order. lookPath is injected for tests and
// is exec.LookPath in production.
func executablePath(
	override string,
	goos string,
	lookPath func(file string) (string, error),
) (string, error) {
	if p := strings.TrimSpace(override); p != "" {
		if _, err := lookPath(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("%w: no executable at %s", ErrChromiumNotFound, p)
	}

	var paths []string
	switch goos {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			"chrome.exe",
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, `AppData\Local\Google\Chrome\Application\chrome.exe`))
		}
	default: // unix-like
		paths = []string{
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
			"/usr/bin/google-chrome",
			"/usr/bin/chromium",
			"/snap/bin/chromium",
		}
	}

	for _, p := range paths {
		if found, err := lookPath(p); err == nil {
			if filepath.IsAbs(p) {
				return p, nil
			}
			return found, nil
		}
	}

	return "", ErrChromiumNotFound
}

// FindExecutable resolves the Chromium binary for the current platform.
func FindExecutable(override string) (string, error) {
	return executablePath(override, runtime.GOOS, exec.LookPath)
}
