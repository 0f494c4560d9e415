package cdp

import "errors"

var (
	// ErrTransportGone is synthesized for every in-flight command when
	// the underlying WebSocket closes mid-command.
	ErrTransportGone = errors.New("cdp transport gone: websocket closed")

	// ErrChannelClosed is returned when a reply channel is closed
	// before a response arrives.
	ErrChannelClosed = errors.New("cdp reply channel closed")

	// ErrSessionPoisoned marks a session that received a malformed
	// frame and was closed.
	ErrSessionPoisoned = errors.New("cdp session poisoned by malformed frame")

	// ErrTargetCrashed is returned when issuing commands on a session
	// whose target has crashed.
	ErrTargetCrashed = errors.New("cdp target crashed")
)
