package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pilothouse-dev/pilothouse/internal/browser"
	"github.com/pilothouse-dev/pilothouse/internal/log"
)

const (
	serverName    = "pilothouse"
	serverVersion = "0.1.0"
)

// Server owns the MCP stdio endpoint and the tool catalog published on
// it. stdout carries the protocol stream; all logging goes to stderr.
type Server struct {
	orch       *browser.Orchestrator
	dispatcher *Dispatcher
	logger     *log.Logger
	mcp        *mcp.Server
}

// NewServer wires the orchestrator, dispatcher and MCP server for the
// given debugging port and registers the core catalog.
func NewServer(_ context.Context, port int, logger *log.Logger) *Server {
	orch := browser.NewOrchestrator(port, logger)
	s := &Server{
		orch:       orch,
		dispatcher: NewDispatcher(orch, logger),
		logger:     logger,
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		}, nil),
	}

	for _, desc := range coreCatalog() {
		s.register(desc)
	}

	// Toggling visibility adds or removes the advanced tools; the SDK
	// sends the tool-list-changed notification on both transitions.
	s.dispatcher.onVisibility = func(enabled bool) {
		if enabled {
			for _, desc := range advancedCatalog() {
				s.register(desc)
			}
			s.logger.Infof("tools", "advanced catalog enabled")
			return
		}
		names := make([]string, 0, len(advancedCatalog()))
		for _, desc := range advancedCatalog() {
			names = append(names, desc.Name)
		}
		s.mcp.RemoveTools(names...)
		s.logger.Infof("tools", "advanced catalog hidden")
	}

	return s
}

// register publishes one descriptor, routing its calls through the
// dispatcher.
func (s *Server) register(desc *Descriptor) {
	tool := &mcp.Tool{
		Name:        desc.Name,
		Description: desc.Description,
		InputSchema: desc.InputSchema(),
	}
	mcp.AddTool(s.mcp, tool,
		func(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[map[string]any]) (*mcp.CallToolResultFor[struct{}], error) {
			result := s.dispatcher.Dispatch(ctx, desc, params.Arguments)
			text, err := json.Marshal(result)
			if err != nil {
				text = []byte(fmt.Sprintf(`{"success":false,"tool":%q,"kind":"handler-raised","error":"result not serializable"}`, desc.Name))
			}
			return &mcp.CallToolResultFor[struct{}]{
				Content: []mcp.Content{
					&mcp.TextContent{Text: string(text)},
				},
			}, nil
		})
}

// Serve runs the stdio transport until the context is cancelled or
// stdin closes. The browser, if any, is left running; only the
// close_browser tool terminates it.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Infof("tools", "%s %s serving MCP over stdio (port %d)", serverName, serverVersion, s.orch.Port())
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	s.orch.Shutdown()
	if err != nil && ctx.Err() != nil {
		// Cancelled by signal: clean shutdown.
		return nil
	}
	return err
}
