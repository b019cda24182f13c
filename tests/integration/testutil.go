//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/emberhq/ember/internal/agent"
	"github.com/emberhq/ember/internal/api"
	"github.com/emberhq/ember/internal/assembler"
	"github.com/emberhq/ember/internal/auth"
	"github.com/emberhq/ember/internal/chat"
	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/embedding"
	"github.com/emberhq/ember/internal/llm"
	"github.com/emberhq/ember/internal/memory"
	"github.com/emberhq/ember/internal/session"
	"github.com/emberhq/ember/internal/tools"
)

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	JWT         *auth.JWTManager
	MemStore    *memory.Store
}

var testEnv *TestEnv

// scriptedBackend answers every completion with fixed text so turns run
// without a live model.
type scriptedBackend struct {
	text string
}

func (b *scriptedBackend) Complete(_ context.Context, _ llm.Request) (*llm.Completion, error) {
	return &llm.Completion{Text: b.text}, nil
}

func (b *scriptedBackend) Stream(_ context.Context, _ llm.Request, onDelta func(string)) (*llm.Completion, error) {
	onDelta(b.text)
	return &llm.Completion{Text: b.text}, nil
}

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:0.8.1-pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "ember_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/ember_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	// Enable extensions
	_, err = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS "vector";`)
	if err != nil {
		t.Fatalf("enabling extensions: %v", err)
	}

	// Run migrations
	migrationsPath := getMigrationsPath()
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		dsn,
	)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Setup services
	agentCfg := config.AgentConfig{
		MaxToolRounds:         5,
		HistoryTurns:          20,
		ContextBudget:         2000,
		MemoryTopK:            5,
		ArtifactsTopN:         10,
		ModelTimeout:          time.Minute,
		ToolTimeout:           10 * time.Second,
		ToolOutputBytes:       16000,
		SummarizedOutputBytes: 2000,
	}

	// The index runs on the pgvector engine here so the whole Postgres
	// path gets exercised; unit tests cover the embedded engine's store
	// behavior with fakes. The migration provisions 1536-dim vectors, so
	// the local embedder matches that width.
	engine := memory.NewPostgresEngine(pool)
	memStore := memory.NewStore(engine, embedding.NewLocal(1536), config.StoreConfig{
		MaxAttempts: 3,
		BackoffBase: 50 * time.Millisecond,
		SessionTTL:  time.Hour,
	})

	sessionRepo := session.NewRepository(pool)
	identityCache := session.NewIdentityCache(sessionRepo)
	stateStore := session.NewStateStore(redisClient, time.Hour)

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewTaskAdd(stateStore),
		tools.NewTaskList(stateStore),
		tools.NewTaskComplete(stateStore),
		tools.NewCalendarDraft(stateStore),
		tools.NewRemember(memStore),
		tools.NewRecall(memStore, agentCfg.MemoryTopK),
	} {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("registering tool: %v", err)
		}
	}
	executor := tools.NewExecutor(registry, agentCfg)

	backend := &scriptedBackend{text: "Understood."}
	asm := assembler.New(identityCache, stateStore, memStore, agentCfg)
	loop := agent.NewLoop(backend, asm, executor, registry, sessionRepo, stateStore, memStore, nil, agentCfg)

	chatHandler := chat.NewHandler(loop)
	sessionHandler := session.NewHandler(sessionRepo, identityCache, stateStore, memStore)
	memoryHandler := memory.NewHandler(memStore, agentCfg.MemoryTopK)

	jwtManager := auth.NewJWTManager("test-secret-key-32-characters-ok!", time.Hour)

	router := api.NewRouter(pool, nil, api.RouterConfig{}, api.HandlerSet{
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

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		JWT:         jwtManager,
		MemStore:    memStore,
	}

	return testEnv
}

func getMigrationsPath() string {
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func TokenFor(t *testing.T, env *TestEnv, userID string) string {
	t.Helper()
	token, err := env.JWT.GenerateToken(userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return token
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}
