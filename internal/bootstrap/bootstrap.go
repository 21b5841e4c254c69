package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/db-agent/internal/config"
	"github.com/kirillkom/db-agent/internal/core/ports"
	"github.com/kirillkom/db-agent/internal/core/usecase"
	"github.com/kirillkom/db-agent/internal/infrastructure/cache"
	"github.com/kirillkom/db-agent/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/db-agent/internal/infrastructure/llm/openai"
	"github.com/kirillkom/db-agent/internal/infrastructure/mongodb"
	"github.com/kirillkom/db-agent/internal/infrastructure/prompt"
	"github.com/kirillkom/db-agent/internal/infrastructure/queue/nats"
	"github.com/kirillkom/db-agent/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
	"github.com/kirillkom/db-agent/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Agent       *usecase.AgentLoop
	Dispatcher  *usecase.ToolDispatcher
	Schema      *mongodb.SchemaIntrospector
	Cache       *cache.TurnCache
	Transcripts *postgres.TranscriptRepository
	Bus         *nats.Bus
	Metrics     *metrics.HTTPServerMetrics

	closeFn func()
}

// New connects the data store and wires the agent. Postgres and NATS are
// optional and stay nil when their DSN/URL is empty.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	executor := resilience.NewExecutor(cfg.Resilience())

	mongoClient, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, mongodb.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init mongo: %w", err)
	}
	closers := []func(){func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Close(closeCtx)
	}}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store := mongodb.NewDataStore(mongoClient)
	schema := mongodb.NewSchemaIntrospector(mongoClient, cfg.SchemaCacheTTL)

	transport, err := newModelTransport(cfg, executor)
	if err != nil {
		closeAll()
		return nil, err
	}

	prompts, err := prompt.NewBuilder(schema, nil, cfg.AgentDocumentLimit)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init prompt builder: %w", err)
	}

	turnCache := cache.NewTurnCache(cfg.AgentCacheTTL)
	dispatcher := usecase.NewToolDispatcher(schema, store, cfg.AgentDocumentLimit, cfg.SchemaSampleSize)
	httpMetrics := metrics.NewHTTPServerMetrics(service)

	options := usecase.AgentLoopOptions{
		Metrics: httpMetrics.AgentObserver(service, "agent"),
	}

	var transcripts *postgres.TranscriptRepository
	if strings.TrimSpace(cfg.PostgresDSN) != "" {
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		transcripts = postgres.NewTranscriptRepository(db)
		if err := transcripts.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		options.Transcripts = transcripts
	}

	var bus *nats.Bus
	if strings.TrimSpace(cfg.NATSURL) != "" {
		bus, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSUISubject, nats.Options{
			ResilienceExecutor: executor,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init ui bus: %w", err)
		}
		closers = append(closers, bus.Close)
		options.Broadcaster = bus
	}

	agent := usecase.NewAgentLoop(transport, dispatcher, prompts, turnCache, cfg.AgentLimits(), options)

	slog.Info("bootstrap_ready",
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
		"mongo_database", cfg.MongoDatabase,
		"transcripts", transcripts != nil,
		"ui_bus", bus != nil,
	)

	return &App{
		Config:      cfg,
		Agent:       agent,
		Dispatcher:  dispatcher,
		Schema:      schema,
		Cache:       turnCache,
		Transcripts: transcripts,
		Bus:         bus,
		Metrics:     httpMetrics,
		closeFn:     closeAll,
	}, nil
}

// TranscriptReader returns the audit store, or nil when none is configured.
func (a *App) TranscriptReader() ports.TranscriptReader {
	if a.Transcripts == nil {
		return nil
	}
	return a.Transcripts
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newModelTransport(cfg config.Config, executor *resilience.Executor) (ports.ModelTransport, error) {
	switch cfg.LLMProvider {
	case "", "openai":
		return openai.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, openai.Options{
			Temperature:        cfg.LLMTemperature,
			ResilienceExecutor: executor,
		}), nil
	case "ollama":
		return ollama.NewWithExecutor(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTemperature, executor), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLMProvider)
	}
}
