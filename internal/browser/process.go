package browser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pilothouse-dev/pilothouse/internal/log"
)

const (
	// startupBudget bounds the whole spawn-and-verify sequence.
	startupBudget = 12 * time.Second

	// reprobeWindow is how long after a process exit the port is given
	// to prove the browser is actually still alive (Chromium sometimes
	// re-parents its window process and the spawn handle dies while
	// the browser keeps running).
	reprobeWindow = 2 * time.Second
)

// Process is a managed Chromium child process plus its liveness
// supervisor. A Process with a dropped handle represents a browser
// that outlived its original spawn handle.
type Process struct {
	port    int
	path    string
	dataDir string
	logger  *log.Logger

	cmd    *exec.Cmd
	pid    int
	exited chan struct{}

	mu            sync.Mutex
	handleDropped bool
	diagnostics   []string

	// probe is injectable for tests; defaults to Probe.
	probe func(ctx context.Context, port int) (VersionInfo, error)
}

// StartProcess spawns the Chromium executable and begins collecting
// its stderr for diagnostics. It does not wait for the debugging port;
// call VerifyLiveness next.
func StartProcess(ctx context.Context, path string, args []string, port int, dataDir string, logger *log.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %s", ErrBrowserFailedToStart, err)
	}

	// Start must precede Wait or the two race.
	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrChromiumNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s", ErrBrowserFailedToStart, err)
	}

	p := &Process{
		port:    port,
		path:    path,
		dataDir: dataDir,
		logger:  logger,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		exited:  make(chan struct{}),
		probe:   Probe,
	}

	go p.scanStderr(stderr)
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debugf("browser:process", "pid %d ended: %v", p.pid, err)
		}
		close(p.exited)
	}()

	logger.Infof("browser:process", "spawned %s pid=%d port=%d", path, p.pid, port)
	return p, nil
}

func (p *Process) scanStderr(r interface{ Read([]byte) (int, error) }) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, ":ERROR:") || strings.Contains(line, "FATAL") {
			p.mu.Lock()
			if len(p.diagnostics) < 64 {
				p.diagnostics = append(p.diagnostics, line)
			}
			p.mu.Unlock()
		}
		p.logger.Tracef("browser:stderr", "%s", line)
	}
}

// Diagnostics returns the error lines collected from the child's
// stderr so far.
func (p *Process) Diagnostics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.diagnostics...)
}

// Pid returns the child process id, or -1 after the handle is dropped.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handleDropped {
		return -1
	}
	return p.pid
}

// Port returns the debugging port the process was spawned with.
func (p *Process) Port() int { return p.port }

// Exited is closed once the spawn handle observes process exit. Note
// that this is not proof the browser is gone; see Supervise.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// HandleDropped reports whether the spawn handle was abandoned because
// the browser re-parented and kept running.
func (p *Process) HandleDropped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handleDropped
}

func (p *Process) dropHandle() {
	p.mu.Lock()
	p.handleDropped = true
	p.mu.Unlock()
}

// VerifyLiveness runs the staged startup checks under the startup
// budget: process still running, port listening, version endpoint
// answering as a real browser. On failure it returns
// ErrBrowserFailedToStart carrying the accumulated diagnostics.
func (p *Process) VerifyLiveness(ctx context.Context) error {
	deadline := time.Now().Add(startupBudget)
	backoff := 100 * time.Millisecond

	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.exited:
			return p.startFailure("process exited during startup")
		default:
		}

		switch {
		case !processAlive(p.pid):
			lastErr = fmt.Errorf("no process with pid %d", p.pid)
		case !portListening(p.port, time.Second):
			lastErr = fmt.Errorf("port %d not listening", p.port)
		default:
			if _, err := p.probe(ctx, p.port); err != nil {
				lastErr = err
				break
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("startup budget of %s exhausted", startupBudget)
	}
	return p.startFailure(lastErr.Error())
}

func (p *Process) startFailure(reason string) error {
	diag := p.Diagnostics()
	if len(diag) == 0 {
		return fmt.Errorf("%w: %s", ErrBrowserFailedToStart, reason)
	}
	return fmt.Errorf("%w: %s; browser reported: %s", ErrBrowserFailedToStart, reason, strings.Join(diag, "; "))
}

// Supervise watches for process exit. When the spawn handle dies it
// re-probes the port once: if a real browser still answers, only the
// handle reference is dropped and the instance stays valid; otherwise
// onGone runs so downstream state can be cleared atomically.
//
// Explicit shutdown is the only code path that terminates the browser;
// Supervise never kills anything.
func (p *Process) Supervise(ctx context.Context, onGone func()) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-p.exited:
		}

		reprobeCtx, cancel := context.WithTimeout(context.Background(), reprobeWindow)
		defer cancel()
		if _, err := p.probe(reprobeCtx, p.port); err == nil {
			p.logger.Infof("browser:process",
				"spawn handle for pid %d died but port %d still answers; dropping handle only", p.pid, p.port)
			p.dropHandle()
			return
		}

		p.logger.Warnf("browser:process", "browser on port %d is gone", p.port)
		onGone()
	}()
}

// Terminate kills the child process. Only the explicit close_browser
// path may call this.
func (p *Process) Terminate() error {
	p.mu.Lock()
	dropped := p.handleDropped
	p.mu.Unlock()
	if dropped || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
		return fmt.Errorf("terminating browser pid %d: %w", p.pid, err)
	}
	return nil
}

// processAlive reports whether the OS still has a process with the
// given pid.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On unix FindProcess always succeeds; signal 0 performs the
	// actual existence check.
	return signalZero(proc) == nil
}
