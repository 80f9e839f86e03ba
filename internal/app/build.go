package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/jarvis/internal/agent"
	"github.com/ent0n29/jarvis/internal/broker"
	"github.com/ent0n29/jarvis/internal/config"
	"github.com/ent0n29/jarvis/internal/httpapi"
	"github.com/ent0n29/jarvis/internal/jobs"
	"github.com/ent0n29/jarvis/internal/llm"
	"github.com/ent0n29/jarvis/internal/memory"
	"github.com/ent0n29/jarvis/internal/observability"
	"github.com/ent0n29/jarvis/internal/orchestrator"
	"github.com/ent0n29/jarvis/internal/session"
	"github.com/ent0n29/jarvis/internal/tools"
	"github.com/rs/zerolog"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Broker       *broker.Client
	Jobs         jobs.Store
	Sessions     *session.Registry
	Orchestrator *orchestrator.Orchestrator
	Tools        *tools.Registry
	Memory       memory.Store
	Model        llm.Client
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (broker, DB, graph).
	Cleanup func() error
}

type janitor interface {
	StartJanitor(ctx context.Context, interval time.Duration)
}

// StartBackground runs the job and session janitors until ctx is done.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, 5*time.Second)
	if j, ok := b.Jobs.(janitor); ok {
		j.StartJanitor(ctx, time.Minute)
	}
}

// ConnectBroker dials the broker and declares the pipeline topology.
func ConnectBroker(ctx context.Context, cfg config.Config, log zerolog.Logger, metrics *observability.Metrics) (*broker.Client, error) {
	client, err := broker.Dial(ctx, cfg.RabbitMQURL, cfg.BrokerConnectAttempts, broker.Options{
		Exchange:   cfg.BrokerExchange,
		RPCTimeout: cfg.RPCTimeout,
		Logger:     log,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := client.DeclareTopology(broker.DefaultTopology(cfg.BrokerExchange, cfg.BrokerEventsQueue)); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// NewModel builds the chat and embedding client selected by LLM_PROVIDER.
func NewModel(cfg config.Config) (llm.Client, error) {
	return llm.NewClient(cfg.LLMProvider, llm.OllamaConfig{
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		EmbedModel:  cfg.LLMEmbedModel,
		Temperature: cfg.LLMTemperature,
	})
}

// NewMemory opens the persistent store, or the in-memory one when DATABASE_URL is unset.
func NewMemory(ctx context.Context, cfg config.Config, model llm.Embedder, log zerolog.Logger) (memory.Store, error) {
	return memory.NewStore(ctx, memory.PostgresConfig{
		DatabaseURL:     cfg.DatabaseURL,
		Username:        cfg.AgentUsername,
		ConnectAttempts: cfg.DBConnectAttempts,
		Embedder:        model,
	}, log)
}

// NewTools builds the default registry. The returned closer releases the
// knowledge graph driver when one was opened.
func NewTools(ctx context.Context, cfg config.Config, store memory.Store, log zerolog.Logger) (*tools.Registry, func() error, error) {
	deps := tools.BuiltinDeps{
		Launcher:      tools.ExecLauncher{},
		Web:           tools.NewWebSearcher(cfg.WebSearchURL),
		KnowledgeTopK: cfg.KnowledgeTopK,
	}
	if ks, ok := store.(tools.KnowledgeSearcher); ok {
		deps.Knowledge = ks
	}
	closer := func() error { return nil }
	if cfg.Neo4jURI != "" {
		graph, closeGraph, err := NewGraph(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("knowledge graph unavailable")
		} else {
			deps.Graph = graph
			closer = closeGraph
		}
	}
	registry, err := tools.NewDefaultRegistry(deps)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return registry, closer, nil
}

// NewGraph connects to the Neo4j knowledge graph at NEO4J_URI.
func NewGraph(ctx context.Context, cfg config.Config) (*tools.Neo4jGraph, func() error, error) {
	if cfg.Neo4jURI == "" {
		return nil, nil, errors.New("NEO4J_URI is not set")
	}
	graph, err := tools.NewNeo4jGraph(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return nil, nil, err
	}
	closer := func() error {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return graph.Close(cctx)
	}
	return graph, closer, nil
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	brokerClient, err := ConnectBroker(ctx, cfg, log, metrics)
	if err != nil {
		return fail(fmt.Errorf("broker init failed: %w", err))
	}
	closers = append(closers, brokerClient.Close)

	jobStore, err := jobs.NewStoreFromAddr(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.JobTTL)
	if err != nil {
		return fail(fmt.Errorf("job store init failed: %w", err))
	}
	closers = append(closers, jobStore.Close)

	model, err := NewModel(cfg)
	if err != nil {
		return fail(fmt.Errorf("llm init failed: %w", err))
	}

	memoryStore, err := NewMemory(ctx, cfg, model, log)
	if err != nil {
		return fail(fmt.Errorf("memory store init failed: %w", err))
	}
	closers = append(closers, memoryStore.Close)

	registry, closeTools, err := NewTools(ctx, cfg, memoryStore, log)
	if err != nil {
		return fail(fmt.Errorf("tool registry init failed: %w", err))
	}
	closers = append(closers, closeTools)

	if err := memoryStore.SyncTools(ctx, registry.List()); err != nil {
		log.Warn().Err(err).Msg("tool catalog sync failed")
	}

	sessions := session.NewRegistry(cfg.SessionTTL)
	sessions.SetCountHook(metrics.SetActiveConnections)
	sessions.SetExpireHook(func(id string) {
		log.Debug().Str("job_id", id).Msg("idle client connection expired")
	})
	closers = append(closers, func() error {
		sessions.CloseAll()
		return nil
	})

	orch := orchestrator.New(orchestrator.Deps{
		Broker:       brokerClient,
		Jobs:         jobStore,
		Sessions:     sessions,
		Agent:        agent.New(model, registry, cfg.AgentRecursionLimit, log, metrics),
		Tools:        registry,
		Memory:       memoryStore,
		EventsQueue:  cfg.BrokerEventsQueue,
		Prefetch:     cfg.BrokerPrefetch,
		RPCTimeout:   cfg.RPCTimeout,
		Username:     cfg.AgentUsername,
		HistoryLimit: cfg.HistoryLimit,
		TTSLanguage:  cfg.TTSLanguage,
		PublishTurns: cfg.GraphBuilderEnabled,
		Logger:       log,
		Metrics:      metrics,
	})

	api := httpapi.New(cfg, sessions, orch, registry, metrics, log)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Broker:       brokerClient,
		Jobs:         jobStore,
		Sessions:     sessions,
		Orchestrator: orch,
		Tools:        registry,
		Memory:       memoryStore,
		Model:        model,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
