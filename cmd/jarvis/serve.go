package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/ent0n29/jarvis/internal/app"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket API and the event consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			built, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					log.Warn().Err(err).Msg("cleanup failed")
				}
			}()
			built.StartBackground(ctx)

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: built.API.Router(),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				err := built.Orchestrator.Run(gctx)
				if gctx.Err() != nil {
					return nil
				}
				return err
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("graceful shutdown failed")
					_ = httpServer.Close()
				}
				return nil
			})

			err = g.Wait()
			built.Orchestrator.Wait()
			log.Info().Msg("shutdown complete")
			return err
		},
	}
}
