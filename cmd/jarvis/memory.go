package main

import (
	"github.com/ent0n29/jarvis/internal/app"
	"github.com/ent0n29/jarvis/internal/summarizer"
	"github.com/spf13/cobra"
)

func newSyncToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-tools",
		Short: "Upsert the tool catalog into the memory store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			model, err := app.NewModel(cfg)
			if err != nil {
				return err
			}
			store, err := app.NewMemory(ctx, cfg, model, log)
			if err != nil {
				return err
			}
			defer store.Close()

			registry, closeTools, err := app.NewTools(ctx, cfg, store, log)
			if err != nil {
				return err
			}
			defer closeTools()

			specs := registry.List()
			if err := store.SyncTools(ctx, specs); err != nil {
				return err
			}
			log.Info().Int("tools", len(specs)).Msg("tool catalog synced")
			return nil
		},
	}
}

func newSummarizeCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize finished conversations into user facts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			model, err := app.NewModel(cfg)
			if err != nil {
				return err
			}
			store, err := app.NewMemory(ctx, cfg, model, log)
			if err != nil {
				return err
			}
			defer store.Close()

			s := summarizer.New(store, model, log)
			if once {
				report, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("sessions", report.Sessions).Int("facts", report.Facts).Int("failed", report.Failed).Msg("summary pass complete")
				return nil
			}
			return s.Run(ctx, cfg.SummarizerSchedule)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}
