package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Index engine
	switch c.Index.Engine {
	case "libsql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("INDEX_ENGINE must be libsql or postgres, got %q", c.Index.Engine))
	}
	if c.Index.Dimensions < 1 {
		errs = append(errs, fmt.Sprintf("INDEX_DIMENSIONS must be positive, got %d", c.Index.Dimensions))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Loop and retry bounds
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, fmt.Sprintf("AGENT_MAX_TOOL_ROUNDS must be at least 1, got %d", c.Agent.MaxToolRounds))
	}
	if c.Store.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("STORE_MAX_ATTEMPTS must be at least 1, got %d", c.Store.MaxAttempts))
	}
	if c.Agent.ContextBudget < 1 {
		errs = append(errs, fmt.Sprintf("AGENT_CONTEXT_BUDGET must be positive, got %d", c.Agent.ContextBudget))
	}

	// Model API key: warn only, local OpenAI-compatible backends may not need one
	if c.Model.APIKey == "" {
		slog.Warn("MODEL_API_KEY is empty — model backend requests are unauthenticated")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
