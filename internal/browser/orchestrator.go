package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pilothouse-dev/pilothouse/internal/log"
	"github.com/pilothouse-dev/pilothouse/internal/profile"
	"github.com/pilothouse-dev/pilothouse/internal/stealth"
)

// LaunchOptions control LaunchWithProfile.
type LaunchOptions struct {
	// ProfileName is the profile subdirectory inside the data dir,
	// e.g. "Default" or "Profile 1".
	ProfileName string
	// UserDataDir, when set, is used verbatim instead of shadow-cloning
	// the user's real profile.
	UserDataDir string
	// ExecutablePath overrides the per-platform executable search.
	ExecutablePath string
	// Force disconnects a live instance before launching.
	Force bool
}

// Orchestrator is the choke point every tool goes through. It owns the
// single Browser instance and implements the lazy-init policy: verify,
// attach if something real is already listening, but never auto-launch.
type Orchestrator struct {
	port   int
	logger *log.Logger

	// baseCtx outlives individual tool calls. The spawned process and
	// the CDP connection bind to it, so a per-call deadline can never
	// kill the browser or drop the transport.
	baseCtx context.Context

	mu      sync.Mutex
	browser *Browser

	// Injectable seams for tests.
	probe   func(ctx context.Context, port int) (VersionInfo, error)
	connect func(ctx context.Context, port int, proc *Process, shadowProfile string, logger *log.Logger) (*Browser, error)
}

// NewOrchestrator creates an orchestrator for the given debugging port.
func NewOrchestrator(port int, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		port:    port,
		logger:  logger,
		baseCtx: context.Background(),
		probe:   Probe,
		connect: Connect,
	}
}

// Port returns the configured debugging port.
func (o *Orchestrator) Port() int { return o.port }

// Current returns the live instance, or nil when disconnected.
func (o *Orchestrator) Current() *Browser {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.browser != nil && o.browser.Connected() {
		return o.browser
	}
	return nil
}

// EnsureConnected makes sure a working browser exists before a tool
// runs:
//
//   - a live instance that still answers is reused; if it has zero
//     pages a blank one is created so page resolution cannot fail;
//   - with no instance, a real browser already answering on the port
//     is attached to;
//   - otherwise it refuses with ErrNotConnected (or ErrPortNotBrowser
//     for look-alikes). Launch only ever happens through the explicit
//     LaunchWithProfile, so reconnection storms can never pop up the
//     user's browser unsolicited.
func (o *Orchestrator) EnsureConnected(ctx context.Context) (*Browser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.browser != nil {
		if o.browser.Connected() && o.browser.Alive(ctx) {
			if len(o.browser.Targets().Pages()) == 0 {
				if _, err := o.browser.NewPage(ctx, ""); err != nil {
					return nil, fmt.Errorf("creating blank page: %w", err)
				}
			}
			return o.browser, nil
		}
		o.logger.Warnf("browser:orchestrator", "instance stopped answering; tearing down")
		o.browser.Teardown()
		o.browser = nil
	}

	if _, err := o.probe(ctx, o.port); err != nil {
		if errors.Is(err, ErrPortNotBrowser) {
			return nil, err
		}
		return nil, ErrNotConnected
	}

	b, err := o.connect(o.baseCtx, o.port, nil, "", o.logger)
	if err != nil {
		return nil, fmt.Errorf("attaching to browser on port %d: %w", o.port, err)
	}
	o.browser = b
	return b, nil
}

// LaunchWithProfile unconditionally establishes a BrowserInstance. A
// live instance is foregrounded unless Force, in which case it is
// disconnected (not killed) first. Stealth is applied automatically
// after a successful launch.
func (o *Orchestrator) LaunchWithProfile(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.browser != nil && o.browser.Connected() && o.browser.Alive(ctx) {
		if !opts.Force {
			if pages := o.browser.Targets().Pages(); len(pages) > 0 {
				_ = o.browser.ActivatePage(ctx, string(pages[0].ID))
			}
			return o.browser, nil
		}
		o.browser.Teardown()
		o.browser = nil
	}

	// Something real already on the port: attach rather than fight it
	// for the profile.
	if v, err := o.probe(ctx, o.port); err == nil {
		o.logger.Infof("browser:orchestrator", "attaching to already-running %s on port %d", v.Browser, o.port)
		b, err := o.connect(o.baseCtx, o.port, nil, "", o.logger)
		if err != nil {
			return nil, err
		}
		o.browser = b
		o.applyStealth(ctx, b, false)
		return b, nil
	} else if errors.Is(err, ErrPortNotBrowser) {
		return nil, err
	}

	b, err := o.launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	o.browser = b
	o.applyStealth(ctx, b, false)
	return b, nil
}

func (o *Orchestrator) launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	profileName := opts.ProfileName
	if profileName == "" {
		profileName = "Default"
	}

	var (
		dataDir    string
		shadowPath string
	)
	if opts.UserDataDir != "" {
		dataDir = opts.UserDataDir
	} else {
		src, err := profile.DefaultUserDataDir()
		if err != nil {
			return nil, fmt.Errorf("locating user profile: %w", err)
		}
		shadowPath, err = profile.BuildShadow(ctx, src, profileName, o.logger)
		if err != nil {
			return nil, fmt.Errorf("building shadow profile: %w", err)
		}
		dataDir = shadowPath
	}

	// Stale singleton locks from a previously killed browser cause an
	// instantaneous silent exit.
	profile.RemoveSingletonLocks(dataDir, profileName)

	path, err := FindExecutable(opts.ExecutablePath)
	if err != nil {
		return nil, err
	}

	args, err := parseArgs(prepareFlags(o.port, dataDir, profileName))
	if err != nil {
		return nil, err
	}

	// The process and connection take the base context; only the
	// launch-phase waits (probe polling, liveness) honor the call
	// deadline.
	proc, err := StartProcess(o.baseCtx, path, args, o.port, dataDir, o.logger)
	if err != nil {
		return nil, err
	}
	if err := proc.VerifyLiveness(ctx); err != nil {
		_ = proc.Terminate()
		return nil, err
	}

	b, err := o.connect(o.baseCtx, o.port, proc, shadowPath, o.logger)
	if err != nil {
		_ = proc.Terminate()
		return nil, err
	}
	return b, nil
}

// applyStealth registers the fingerprint-masking script on every page.
// Failures are logged, not fatal; launch already succeeded.
func (o *Orchestrator) applyStealth(ctx context.Context, b *Browser, force bool) {
	if b.StealthApplied() && !force {
		return
	}
	for _, t := range b.Targets().Pages() {
		sess, err := b.Sessions().Ephemeral(t.ID)
		if err != nil {
			o.logger.Warnf("browser:orchestrator", "stealth: no session for %s: %v", t.ID, err)
			continue
		}
		if err := stealth.Apply(ctx, sess, b.StealthSeed()); err != nil {
			o.logger.Warnf("browser:orchestrator", "stealth on %s: %v", t.ID, err)
		}
	}
	b.SetStealthApplied(true)
}

// ApplyStealth reinstalls the stealth script; used by the apply_stealth
// tool with force semantics.
func (o *Orchestrator) ApplyStealth(ctx context.Context, force bool) error {
	b := o.Current()
	if b == nil {
		return ErrNotConnected
	}
	if b.StealthApplied() && !force {
		return nil
	}
	o.applyStealth(ctx, b, force)
	return nil
}

// CloseBrowser is the only code path permitted to terminate the
// process: teardown first (interception drain included via the
// teardown hooks), then kill the managed child if we own one.
func (o *Orchestrator) CloseBrowser(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.browser == nil {
		return nil
	}
	b := o.browser
	o.browser = nil
	b.Teardown()
	return b.TerminateProcess()
}

// Shutdown tears down without killing the browser; used on server
// exit so the user's browser keeps running.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.browser != nil {
		o.browser.Teardown()
		o.browser = nil
	}
}
