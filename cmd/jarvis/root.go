package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ent0n29/jarvis/internal/config"
	"github.com/ent0n29/jarvis/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jarvis",
		Short:         "Voice assistant job orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newTopologyCmd(),
		newSyncToolsCmd(),
		newSummarizeCmd(),
		newIndexCmd(),
		newGraphBuilderCmd(),
	)
	return root
}

// setup loads configuration and returns a logger plus a context cancelled on SIGINT/SIGTERM.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, config.Config{}, zerolog.Nop(), err
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("command", cmd.Name()).Logger()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, stop, cfg, log, nil
}
