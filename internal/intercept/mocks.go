package intercept

import (
	"strings"
	"sync/atomic"
)

// Mock is a registered endpoint served without touching the network.
// A mock with matching url and method wins over any rule.
type Mock struct {
	ID          string
	URLPattern  string
	Method      string // "" or "*" matches any
	Status      int64
	ContentType string
	Headers     map[string]string
	Body        string
	DelayMS     int64

	calls atomic.Int64
}

// Matches reports whether the mock serves the given request.
func (m *Mock) Matches(url, method string) bool {
	if m.Method != "" && m.Method != "*" && !strings.EqualFold(m.Method, method) {
		return false
	}
	return MatchPattern(m.URLPattern, url)
}

// Calls returns how many requests the mock has served.
func (m *Mock) Calls() int64 { return m.calls.Load() }
