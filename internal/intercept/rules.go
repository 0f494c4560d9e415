// Package intercept implements the paused-request engine on top of the
// CDP Fetch domain: rule matching, mock serving, manual hold queues and
// traffic recording, per page target.
package intercept

import "strings"

// Stage is where in the exchange a rule (or a paused event) applies.
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
)

// Action is what a matching rule does with a paused request.
type Action string

const (
	// ActionObserve records the request; the context's auto-continue
	// policy decides between immediate resume and the pending queue.
	ActionObserve Action = "observe"
	// ActionModify patches the request (request stage) or the response
	// (response stage) before forwarding.
	ActionModify Action = "modify"
	// ActionFail terminates the request with a browser-side error.
	ActionFail Action = "fail"
	// ActionDelay resumes unmodified after a fixed latency.
	ActionDelay Action = "delay"
	// ActionBlock is fail with the blocked-by-client reason.
	ActionBlock Action = "block"
)

// Modification is the patch payload of a modify rule.
type Modification struct {
	// Request stage.
	Method        string
	PostData      string
	SetHeaders    map[string]string
	RemoveHeaders []string

	// Response stage.
	Status      int64
	Body        string // replaces the body outright when non-empty
	BodyFind    string // otherwise a find/replace pair applied to the body
	BodyReplace string
}

// Rule is one declared interception behavior. Rules on a target are
// evaluated first-match-wins in declaration order.
type Rule struct {
	ID           string
	URLPattern   string
	Method       string // "" or "*" matches any
	ResourceType string // "" matches any
	Stage        Stage
	Action       Action
	Modification Modification
	ErrorReason  string // fail action; "" means blocked-by-client
	DelayMS      int64
	AutoContinue bool // observe action: resume immediately even if the context holds
}

// Matches reports whether the rule applies to a paused event.
func (r *Rule) Matches(url, method, resourceType string, stage Stage) bool {
	if r.Stage != stage {
		return false
	}
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	if r.ResourceType != "" && !strings.EqualFold(r.ResourceType, resourceType) {
		return false
	}
	return MatchPattern(r.URLPattern, url)
}

// MatchPattern matches a URL against a Chromium-style pattern where '*'
// matches any run of characters and '?' matches a single character. An
// empty pattern matches everything.
func MatchPattern(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	// Iterative wildcard match with single-star backtracking.
	var pi, si, star, mark int
	star = -1
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
