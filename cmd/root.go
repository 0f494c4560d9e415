package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pilothouse-dev/pilothouse/internal/log"
	"github.com/pilothouse-dev/pilothouse/internal/tools"
)

const defaultDebuggingPort = 9222

type rootCommand struct {
	cmd    *cobra.Command
	logger *log.Logger

	port     int
	logLevel string
	logFile  string
}

func newRootCommand() *rootCommand {
	c := &rootCommand{
		logger: log.New(),
	}
	c.cmd = &cobra.Command{
		Use:           "pilothouse",
		Short:         "Drive a real Chromium browser over CDP from an MCP tool caller",
		Long:          "pilothouse is a long-lived MCP stdio server that exposes browser automation,\nnetwork interception and mocking tools backed by the Chrome DevTools Protocol.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          c.run,
	}

	flags := c.cmd.Flags()
	flags.IntVar(&c.port, "port", defaultDebuggingPort, "Chromium remote debugging port to attach to or launch on")
	flags.StringVar(&c.logLevel, "log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	flags.StringVar(&c.logFile, "log-file", "", "also append logs to this file")

	return c
}

func (c *rootCommand) run(cmd *cobra.Command, _ []string) error {
	if err := c.logger.SetLevel(c.logLevel); err != nil {
		return err
	}

	// SIGINT/SIGTERM end the serve loop; the deferred shutdown inside
	// Serve drains interception state before the process exits 0.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.logFile != "" {
		hook, err := log.NewFileHook(afero.NewOsFs(), c.logFile, c.logLevel, c.logger.Logger)
		if err != nil {
			return err
		}
		c.logger.AddHook(hook)
		go hook.Listen(ctx)
	}

	return tools.NewServer(ctx, c.port, c.logger).Serve(ctx)
}

// Execute runs the root command and exits non-zero on an unrecoverable
// startup fault. A signal-initiated shutdown exits 0.
func Execute() {
	c := newRootCommand()
	if err := c.cmd.ExecuteContext(context.Background()); err != nil {
		c.logger.Errorf("pilothouse", "fatal: %s", err)
		os.Exit(1)
	}
}
