package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "ember",
			Password: "secret", Name: "ember", SSLMode: "disable",
		},
		Index: IndexConfig{Engine: "libsql", Path: "./data/test.db", Dimensions: 1536},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		JWT:   JWTConfig{Secret: strings.Repeat("s", 32)},
		Agent: AgentConfig{MaxToolRounds: 5, ContextBudget: 2000},
		Store: StoreConfig{MaxAttempts: 3},
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_ShortJWTSecret(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.Secret = "short"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidate_MissingDBPassword(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestValidate_UnknownIndexEngine(t *testing.T) {
	cfg := validConfig()
	cfg.Index.Engine = "chroma"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INDEX_ENGINE")
}

func TestValidate_BadPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Redis.Port = 70000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
	assert.Contains(t, err.Error(), "REDIS_PORT")
}

func TestValidate_LoopBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.MaxToolRounds = 0
	cfg.Store.MaxAttempts = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_MAX_TOOL_ROUNDS")
	assert.Contains(t, err.Error(), "STORE_MAX_ATTEMPTS")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.Secret = ""
	cfg.DB.Password = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, 2, strings.Count(err.Error(), "\n  "))
}
