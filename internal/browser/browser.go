package browser

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/pilothouse-dev/pilothouse/internal/cdp"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

// Browser is the singleton instance the server is connected to. It may
// wrap a managed child process or an external browser that was merely
// attached to (proc == nil).
type Browser struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger

	port          int
	proc          *Process
	shadowProfile string
	version       VersionInfo
	stealthSeed   int64

	conn     *cdp.Connection
	registry *TargetRegistry
	sessions *SessionManager
	devtools *devToolsClient

	mu             sync.Mutex
	connected      bool
	stealthApplied bool
	onTeardown     []func()
}

// Connect attaches to the browser answering on port and builds the
// downstream state: root CDP connection, target registry, session
// manager. proc is nil when attaching to an externally managed
// browser; shadowProfile is empty unless we built one for this launch.
func Connect(ctx context.Context, port int, proc *Process, shadowProfile string, logger *log.Logger) (*Browser, error) {
	v, err := Probe(ctx, port)
	if err != nil {
		return nil, err
	}
	if v.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("%w: version reply carries no webSocketDebuggerUrl", ErrPortNotBrowser)
	}

	bctx, cancel := context.WithCancel(ctx)
	conn, err := cdp.NewConnection(bctx, v.WebSocketDebuggerURL, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dialing browser websocket: %w", err)
	}

	b := &Browser{
		ctx:           bctx,
		cancel:        cancel,
		logger:        logger,
		port:          port,
		proc:          proc,
		shadowProfile: shadowProfile,
		version:       v,
		// One seed per connection: fingerprints vary between sessions
		// but stay stable within one.
		stealthSeed: rand.Int63(), //nolint:gosec
		conn:        conn,
		devtools:    newDevToolsClient(port),
		connected:   true,
	}

	b.registry, err = NewTargetRegistry(bctx, conn, logger)
	if err != nil {
		b.Teardown()
		return nil, fmt.Errorf("initializing target registry: %w", err)
	}
	b.sessions = NewSessionManager(bctx, conn, logger)
	// A destroyed tab takes its sessions with it; drop the dead cache
	// entries instead of letting the maps grow for the connection's life.
	b.registry.OnRemoved(b.sessions.Evict)

	// Transport loss clears all downstream state.
	closeCh := make(chan cdp.Event)
	conn.On(bctx, []string{cdp.EventConnectionClose}, closeCh)
	go func() {
		select {
		case <-bctx.Done():
		case <-closeCh:
			logger.Warnf("browser", "cdp connection closed; tearing down instance")
			b.Teardown()
		}
	}()

	if proc != nil {
		proc.Supervise(bctx, func() { b.Teardown() })
	}

	logger.Infof("browser", "connected to %s on port %d (managed=%t)", v.Browser, port, proc != nil)
	return b, nil
}

// Port returns the immutable debugging port.
func (b *Browser) Port() int { return b.port }

// Version returns the version reply captured at connect time.
func (b *Browser) Version() VersionInfo { return b.version }

// Managed reports whether this instance owns a child process handle.
func (b *Browser) Managed() bool {
	return b.proc != nil && !b.proc.HandleDropped()
}

// ShadowProfile returns the shadow profile path, or "" if the launch
// used a caller-supplied data directory or we attached externally.
func (b *Browser) ShadowProfile() string { return b.shadowProfile }

// StealthSeed returns the per-connection fingerprint seed.
func (b *Browser) StealthSeed() int64 { return b.stealthSeed }

// StealthApplied reports whether the stealth script is registered.
func (b *Browser) StealthApplied() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stealthApplied
}

// SetStealthApplied records stealth installation.
func (b *Browser) SetStealthApplied(v bool) {
	b.mu.Lock()
	b.stealthApplied = v
	b.mu.Unlock()
}

// Conn returns the root CDP connection.
func (b *Browser) Conn() *cdp.Connection { return b.conn }

// Targets returns the live target registry.
func (b *Browser) Targets() *TargetRegistry { return b.registry }

// Sessions returns the session manager.
func (b *Browser) Sessions() *SessionManager { return b.sessions }

// Connected reports whether the instance is still live.
func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Alive re-verifies liveness with a cheap version query.
func (b *Browser) Alive(ctx context.Context) bool {
	if !b.Connected() {
		return false
	}
	_, err := Probe(ctx, b.port)
	return err == nil
}

// NewPage opens a new tab via the devtools HTTP endpoint.
func (b *Browser) NewPage(ctx context.Context, url string) (TargetListing, error) {
	return b.devtools.NewPage(ctx, url)
}

// ActivatePage foregrounds a tab and records the activation for
// active-tab resolution.
func (b *Browser) ActivatePage(ctx context.Context, id string) error {
	if err := b.devtools.ActivatePage(ctx, id); err != nil {
		return err
	}
	b.registry.MarkActivated(targetID(id))
	return nil
}

// ClosePage closes a tab via the devtools HTTP endpoint.
func (b *Browser) ClosePage(ctx context.Context, id string) error {
	return b.devtools.ClosePage(ctx, id)
}

// OnTeardown registers fn to run when the instance is torn down. The
// interception engine uses this to drain and release its contexts
// before sessions close.
func (b *Browser) OnTeardown(fn func()) {
	b.mu.Lock()
	b.onTeardown = append(b.onTeardown, fn)
	b.mu.Unlock()
}

// Teardown transitions the instance to disconnected, clearing all
// downstream state atomically: registered hooks first (interception
// drain), then sessions, then the transport. Idempotent. The child
// process, if any, is left running; only explicit shutdown kills it.
func (b *Browser) Teardown() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	hooks := b.onTeardown
	b.onTeardown = nil
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	if b.sessions != nil {
		b.sessions.CloseAll()
	}
	b.conn.Close()
	b.cancel()
	b.logger.Infof("browser", "instance on port %d torn down", b.port)
}

// TerminateProcess kills the managed child process after teardown.
// Only close_browser reaches this.
func (b *Browser) TerminateProcess() error {
	if b.proc == nil {
		return nil
	}
	return b.proc.Terminate()
}
