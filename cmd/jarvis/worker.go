package main

import (
	"github.com/ent0n29/jarvis/internal/app"
	"github.com/ent0n29/jarvis/internal/worker"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the mock STT/TTS worker against the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			client, err := app.ConnectBroker(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			mock := worker.NewMock(client, worker.Config{
				Transcript: cfg.MockTranscript,
				Prefetch:   cfg.BrokerPrefetch,
			}, log)
			log.Info().Msg("mock worker started")
			if err := mock.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func newTopologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare the exchange, queues and bindings, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			client, err := app.ConnectBroker(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			log.Info().Str("exchange", cfg.BrokerExchange).Msg("topology declared")
			return client.Close()
		},
	}
}
