package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/emberhq/ember/internal/agent"
	"github.com/emberhq/ember/internal/api"
	"github.com/emberhq/ember/internal/assembler"
	"github.com/emberhq/ember/internal/auth"
	"github.com/emberhq/ember/internal/chat"
	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/database"
	"github.com/emberhq/ember/internal/embedding"
	"github.com/emberhq/ember/internal/events"
	"github.com/emberhq/ember/internal/llm"
	"github.com/emberhq/ember/internal/memory"
	"github.com/emberhq/ember/internal/middleware"
	iredis "github.com/emberhq/ember/internal/redis"
	"github.com/emberhq/ember/internal/server"
	"github.com/emberhq/ember/internal/session"
	"github.com/emberhq/ember/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var eventsClient *events.Client
	var publisher agent.Publisher
	if cfg.NATS.Enabled {
		eventsClient, err = events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer eventsClient.Close()
		publisher = events.NewPublisher(eventsClient.JetStream())
	}

	// Memory store
	engine, err := newIndexEngine(ctx, cfg)
	if err != nil {
		slog.Error("opening memory index", "error", err)
		os.Exit(1)
	}
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		slog.Error("creating embedder", "error", err)
		os.Exit(1)
	}
	memStore := memory.NewStore(engine, embedder, cfg.Store)
	defer memStore.Close()

	// Sessions
	sessionRepo := session.NewRepository(pool)
	identityCache := session.NewIdentityCache(sessionRepo)
	stateStore := session.NewStateStore(redisClient, cfg.Store.SessionTTL)

	// Tools
	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewTaskAdd(stateStore),
		tools.NewTaskList(stateStore),
		tools.NewTaskComplete(stateStore),
		tools.NewCalendarDraft(stateStore),
		tools.NewRemember(memStore),
		tools.NewRecall(memStore, cfg.Agent.MemoryTopK),
		tools.NewWebFetch(),
	} {
		if err := registry.Register(tool); err != nil {
			slog.Error("registering tool", "error", err)
			os.Exit(1)
		}
	}
	executor := tools.NewExecutor(registry, cfg.Agent)

	// Agent loop
	backend := llm.NewOpenAI(cfg.Model)
	asm := assembler.New(identityCache, stateStore, memStore, cfg.Agent)
	loop := agent.NewLoop(backend, asm, executor, registry, sessionRepo, stateStore, memStore, publisher, cfg.Agent)

	// Handlers
	chatHandler := chat.NewHandler(loop)
	sessionHandler := session.NewHandler(sessionRepo, identityCache, stateStore, memStore)
	memoryHandler := memory.NewHandler(memStore, cfg.Agent.MemoryTopK)

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, 24*time.Hour)

	chatLimiter := middleware.NewRateLimiter(redisClient, cfg.RateLimit.ChatMaxRequests, cfg.RateLimit.ChatWindowSec)

	// Router
	router := api.NewRouter(pool, eventsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		ChatRateLimiter:    chatLimiter.Middleware,
	}, api.HandlerSet{
		ChatStream: chatHandler.Stream,
		Chat:       chatHandler.Chat,

		GetIdentity:    sessionHandler.GetIdentity,
		UpdateIdentity: sessionHandler.UpdateIdentity,

		ListTurns:  sessionHandler.ListTurns,
		EndSession: sessionHandler.EndSession,

		CreateMemory:   memoryHandler.Create,
		SearchMemories: memoryHandler.Search,
		GetMemory:      memoryHandler.Get,

		AuthMiddleware: auth.Middleware(jwtManager),

		IndexHealthy: func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return engine.Ping(pingCtx) == nil
		},
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newIndexEngine builds the configured semantic index backend.
func newIndexEngine(ctx context.Context, cfg *config.Config) (memory.Engine, error) {
	switch cfg.Index.Engine {
	case "postgres":
		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		return memory.NewPostgresEngine(pool), nil
	default:
		return memory.NewLibsqlEngine(cfg.Index.Path, cfg.Index.Dimensions)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
