package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-dev/pilothouse/internal/log"
)

func TestEnsureConnectedRefusesAutoLaunch(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(9222, log.New())
	o.probe = func(context.Context, int) (VersionInfo, error) {
		return VersionInfo{}, errors.New("connection refused")
	}
	o.connect = func(context.Context, int, *Process, string, *log.Logger) (*Browser, error) {
		t.Fatal("connect must not be called when nothing answers")
		return nil, nil
	}

	_, err := o.EnsureConnected(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestEnsureConnectedSurfacesLookAlike(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(9222, log.New())
	o.probe = func(_ context.Context, port int) (VersionInfo, error) {
		return VersionInfo{Browser: "HeadlessChrome/124.0"},
			fmt.Errorf("%w: port %d answered as headless", ErrPortNotBrowser, port)
	}

	_, err := o.EnsureConnected(context.Background())
	require.ErrorIs(t, err, ErrPortNotBrowser)
}

func TestEnsureConnectedAttachesToRunningBrowser(t *testing.T) {
	t.Parallel()

	fake := &Browser{connected: true, port: 9222, logger: log.New(), registry: newTestRegistry()}
	connects := 0

	o := NewOrchestrator(9222, log.New())
	o.probe = func(context.Context, int) (VersionInfo, error) {
		return VersionInfo{Browser: "Chrome/124.0"}, nil
	}
	o.connect = func(_ context.Context, port int, proc *Process, shadow string, _ *log.Logger) (*Browser, error) {
		connects++
		assert.Equal(t, 9222, port)
		assert.Nil(t, proc, "attach must not claim a process handle")
		assert.Empty(t, shadow)
		return fake, nil
	}

	b, err := o.EnsureConnected(context.Background())
	require.NoError(t, err)
	assert.Same(t, fake, b)
	assert.Equal(t, 1, connects)
	assert.Same(t, fake, o.Current())
}

func TestLaunchWithProfileAttachesWhenPortBusy(t *testing.T) {
	t.Parallel()

	fake := &Browser{connected: true, port: 9222, logger: log.New(), registry: newTestRegistry()}

	o := NewOrchestrator(9222, log.New())
	o.probe = func(context.Context, int) (VersionInfo, error) {
		return VersionInfo{Browser: "Chrome/124.0"}, nil
	}
	o.connect = func(context.Context, int, *Process, string, *log.Logger) (*Browser, error) {
		return fake, nil
	}

	b, err := o.LaunchWithProfile(context.Background(), LaunchOptions{})
	require.NoError(t, err)
	assert.Same(t, fake, b)
	// Attaching applies stealth bookkeeping even without pages.
	assert.True(t, b.StealthApplied())
}

func TestConnectionOutlivesToolCallContext(t *testing.T) {
	t.Parallel()

	fake := &Browser{connected: true, port: 9222, logger: log.New(), registry: newTestRegistry()}
	var connectCtx context.Context

	o := NewOrchestrator(9222, log.New())
	o.probe = func(context.Context, int) (VersionInfo, error) {
		return VersionInfo{Browser: "Chrome/124.0"}, nil
	}
	o.connect = func(ctx context.Context, _ int, _ *Process, _ string, _ *log.Logger) (*Browser, error) {
		connectCtx = ctx
		return fake, nil
	}

	// Tool calls carry a deadline and cancel on return; the instance
	// must not be bound to that context.
	callCtx, cancel := context.WithCancel(context.Background())
	_, err := o.LaunchWithProfile(callCtx, LaunchOptions{})
	require.NoError(t, err)
	cancel()

	require.NotNil(t, connectCtx)
	require.NoError(t, connectCtx.Err(), "instance context must survive the tool call")
}

func TestLaunchWithProfileRejectsLookAlikePort(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(9222, log.New())
	o.probe = func(_ context.Context, port int) (VersionInfo, error) {
		return VersionInfo{}, fmt.Errorf("%w: port %d", ErrPortNotBrowser, port)
	}

	_, err := o.LaunchWithProfile(context.Background(), LaunchOptions{})
	require.ErrorIs(t, err, ErrPortNotBrowser)
}

func TestCloseBrowserWithoutInstance(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(9222, log.New())
	require.NoError(t, o.CloseBrowser(context.Background()))
}
