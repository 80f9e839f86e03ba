package main

import (
	"errors"

	"github.com/ent0n29/jarvis/internal/app"
	"github.com/ent0n29/jarvis/internal/knowledge"
	"github.com/ent0n29/jarvis/internal/protocol"
	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	var size, overlap int
	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Chunk and embed the documents under dir into the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()
			if cfg.DatabaseURL == "" {
				return errors.New("index needs DATABASE_URL: the in-memory store does not outlive the command")
			}

			model, err := app.NewModel(cfg)
			if err != nil {
				return err
			}
			store, err := app.NewMemory(ctx, cfg, model, log)
			if err != nil {
				return err
			}
			defer store.Close()
			sink, ok := store.(knowledge.Sink)
			if !ok {
				return errors.New("memory store cannot hold knowledge chunks")
			}

			ix := knowledge.NewIndexer(sink, knowledge.Options{ChunkSize: size, ChunkOverlap: overlap}, log)
			_, err = ix.IndexDir(ctx, args[0])
			return err
		},
	}
	cmd.Flags().IntVar(&size, "chunk-size", knowledge.DefaultChunkSize, "maximum characters per chunk")
	cmd.Flags().IntVar(&overlap, "overlap", knowledge.DefaultChunkOverlap, "characters shared by consecutive chunks")
	return cmd
}

func newGraphBuilderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph-builder",
		Short: "Extract entities from finished turns into the knowledge graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer stop()

			graph, closeGraph, err := app.NewGraph(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeGraph()
			model, err := app.NewModel(cfg)
			if err != nil {
				return err
			}
			client, err := app.ConnectBroker(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			builder := knowledge.NewGraphBuilder(model, graph, log)
			log.Info().Str("queue", protocol.QueueGraphBuilder).Msg("graph builder started")
			if err := client.Subscribe(ctx, protocol.QueueGraphBuilder, cfg.BrokerPrefetch, builder.Handle); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}
