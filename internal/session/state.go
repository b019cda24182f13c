package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore keeps the volatile per-session state — working memory and
// tool artifacts — in Redis. Values are replaced wholesale on every
// write and expire with the session TTL so abandoned sessions clean
// themselves up.
type StateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStateStore(client *redis.Client, ttl time.Duration) *StateStore {
	return &StateStore{client: client, ttl: ttl}
}

func workingMemoryKey(sessionID string) string {
	return "state:" + sessionID + ":wm"
}

func artifactsKey(sessionID string) string {
	return "state:" + sessionID + ":artifacts"
}

// WorkingMemory returns the session's scratchpad, or nil when none is set.
func (s *StateStore) WorkingMemory(ctx context.Context, sessionID string) (*WorkingMemory, error) {
	data, err := s.client.Get(ctx, workingMemoryKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading working memory: %w", err)
	}

	var wm WorkingMemory
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decoding working memory: %w", err)
	}
	return &wm, nil
}

// SetWorkingMemory replaces the scratchpad. The previous value is gone;
// there is no merge.
func (s *StateStore) SetWorkingMemory(ctx context.Context, sessionID string, wm *WorkingMemory) error {
	if wm.UpdatedAt.IsZero() {
		wm.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("encoding working memory: %w", err)
	}
	if err := s.client.Set(ctx, workingMemoryKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing working memory: %w", err)
	}
	return nil
}

// Artifacts returns the session's tool artifacts; an empty value when none exist.
func (s *StateStore) Artifacts(ctx context.Context, sessionID string) (*Artifacts, error) {
	data, err := s.client.Get(ctx, artifactsKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &Artifacts{}, nil
		}
		return nil, fmt.Errorf("reading artifacts: %w", err)
	}

	var a Artifacts
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding artifacts: %w", err)
	}
	return &a, nil
}

// SetArtifacts replaces the session's artifacts.
func (s *StateStore) SetArtifacts(ctx context.Context, sessionID string, a *Artifacts) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding artifacts: %w", err)
	}
	if err := s.client.Set(ctx, artifactsKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}
	return nil
}

// Clear drops all volatile state for the session.
func (s *StateStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, workingMemoryKey(sessionID), artifactsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clearing session state: %w", err)
	}
	return nil
}
