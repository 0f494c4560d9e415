package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-dev/pilothouse/internal/log"
)

func TestNewServerWiresCatalogAndVisibility(t *testing.T) {
	t.Parallel()

	s := NewServer(context.Background(), 9222, log.New())
	require.NotNil(t, s)
	require.NotNil(t, s.mcp)
	require.NotNil(t, s.dispatcher)
	assert.Equal(t, 9222, s.orch.Port())

	// The visibility callback is installed at construction; flipping the
	// flag must round-trip through it without a live transport.
	assert.False(t, s.dispatcher.AdvancedEnabled())
	s.dispatcher.SetAdvanced(true)
	assert.True(t, s.dispatcher.AdvancedEnabled())
	s.dispatcher.SetAdvanced(false)
	assert.False(t, s.dispatcher.AdvancedEnabled())
}
