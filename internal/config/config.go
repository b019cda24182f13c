package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Index     IndexConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	Model     ModelConfig
	Embedding EmbeddingConfig
	Agent     AgentConfig
	Store     StoreConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// IndexConfig selects and configures the semantic index engine behind the
// memory store. "libsql" runs against an embedded file-backed database,
// "postgres" against pgvector in the main database.
type IndexConfig struct {
	Engine     string
	Path       string
	Dimensions int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type JWTConfig struct {
	Secret string
}

type ModelConfig struct {
	BaseURL string
	APIKey  string
	Name    string
}

type EmbeddingConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
}

// AgentConfig holds the per-turn tunables: loop bounds, history window,
// context budget and tool output ceilings. These are empirically tuned
// defaults, not load-bearing constants.
type AgentConfig struct {
	MaxToolRounds         int
	HistoryTurns          int
	ContextBudget         int
	MemoryTopK            int
	ArtifactsTopN         int
	ModelTimeout          time.Duration
	ToolTimeout           time.Duration
	ToolOutputBytes       int
	SummarizedOutputBytes int
	Location              string
}

// StoreConfig controls the memory store's retry discipline around the
// shared index engine.
type StoreConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	SessionTTL  time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	ChatMaxRequests int
	ChatWindowSec   int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Index: IndexConfig{
			Engine:     k.String("index.engine"),
			Path:       k.String("index.path"),
			Dimensions: k.Int("index.dimensions"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Enabled: k.Bool("nats.enabled"),
		},
		JWT: JWTConfig{
			Secret: k.String("jwt.secret"),
		},
		Model: ModelConfig{
			BaseURL: k.String("model.base.url"),
			APIKey:  k.String("model.api.key"),
			Name:    k.String("model.name"),
		},
		Embedding: EmbeddingConfig{
			Provider:   k.String("embedding.provider"),
			BaseURL:    k.String("embedding.base.url"),
			APIKey:     k.String("embedding.api.key"),
			Model:      k.String("embedding.model"),
			Dimensions: k.Int("embedding.dimensions"),
		},
		Agent: AgentConfig{
			MaxToolRounds:         k.Int("agent.max.tool.rounds"),
			HistoryTurns:          k.Int("agent.history.turns"),
			ContextBudget:         k.Int("agent.context.budget"),
			MemoryTopK:            k.Int("agent.memory.topk"),
			ArtifactsTopN:         k.Int("agent.artifacts.topn"),
			ToolOutputBytes:       k.Int("agent.tool.output.bytes"),
			SummarizedOutputBytes: k.Int("agent.tool.summary.bytes"),
			Location:              k.String("agent.location"),
		},
		Store: StoreConfig{
			MaxAttempts: k.Int("store.max.attempts"),
		},
		CORS: CORSConfig{
			AllowedOrigins: k.Strings("cors.allowed.origins"),
		},
		RateLimit: RateLimitConfig{
			ChatMaxRequests: k.Int("ratelimit.chat.max"),
			ChatWindowSec:   k.Int("ratelimit.chat.window.sec"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "ember"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "ember"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Index.Engine == "" {
		cfg.Index.Engine = "libsql"
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = "./data/ember_memory.db"
	}
	if cfg.Index.Dimensions == 0 {
		cfg.Index.Dimensions = 1536
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "gpt-4o-mini"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.Model.BaseURL
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.Model.APIKey
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = cfg.Index.Dimensions
	}
	if cfg.Agent.MaxToolRounds == 0 {
		cfg.Agent.MaxToolRounds = 5
	}
	if cfg.Agent.HistoryTurns == 0 {
		cfg.Agent.HistoryTurns = 20
	}
	if cfg.Agent.ContextBudget == 0 {
		cfg.Agent.ContextBudget = 2000
	}
	if cfg.Agent.MemoryTopK == 0 {
		cfg.Agent.MemoryTopK = 5
	}
	if cfg.Agent.ArtifactsTopN == 0 {
		cfg.Agent.ArtifactsTopN = 10
	}
	if cfg.Agent.ToolOutputBytes == 0 {
		cfg.Agent.ToolOutputBytes = 16000
	}
	if cfg.Agent.SummarizedOutputBytes == 0 {
		cfg.Agent.SummarizedOutputBytes = 2000
	}
	if cfg.Store.MaxAttempts == 0 {
		cfg.Store.MaxAttempts = 3
	}
	if cfg.RateLimit.ChatMaxRequests == 0 {
		cfg.RateLimit.ChatMaxRequests = 30
	}
	if cfg.RateLimit.ChatWindowSec == 0 {
		cfg.RateLimit.ChatWindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	modelTimeoutStr := k.String("model.timeout")
	if modelTimeoutStr == "" {
		modelTimeoutStr = "60s"
	}
	cfg.Agent.ModelTimeout, err = time.ParseDuration(modelTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing model timeout: %w", err)
	}

	toolTimeoutStr := k.String("agent.tool.timeout")
	if toolTimeoutStr == "" {
		toolTimeoutStr = "30s"
	}
	cfg.Agent.ToolTimeout, err = time.ParseDuration(toolTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing tool timeout: %w", err)
	}

	backoffStr := k.String("store.backoff.base")
	if backoffStr == "" {
		backoffStr = "500ms"
	}
	cfg.Store.BackoffBase, err = time.ParseDuration(backoffStr)
	if err != nil {
		return nil, fmt.Errorf("parsing store backoff base: %w", err)
	}

	sessionTTLStr := k.String("store.session.ttl")
	if sessionTTLStr == "" {
		sessionTTLStr = "24h"
	}
	cfg.Store.SessionTTL, err = time.ParseDuration(sessionTTLStr)
	if err != nil {
		return nil, fmt.Errorf("parsing session ttl: %w", err)
	}

	return cfg, nil
}
