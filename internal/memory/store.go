package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/embedding"
	"github.com/emberhq/ember/internal/metrics"
)

// Store is the tiered memory service. It is constructed once at process
// start and shared by every turn worker. The underlying engine does not
// support concurrent writers, so every engine call — reads included, to
// observe a consistent index state — runs under a single exclusive lock,
// and is retried with linear backoff when the engine reports a transient
// contention failure. Exhausting the retry budget yields
// ErrStoreUnavailable, which callers absorb rather than failing the turn.
type Store struct {
	mu       sync.Mutex
	engine   Engine
	embedder embedding.Embedder

	maxAttempts int
	backoffBase time.Duration
	sleep       func(time.Duration)
}

func NewStore(engine Engine, embedder embedding.Embedder, cfg config.StoreConfig) *Store {
	return &Store{
		engine:      engine,
		embedder:    embedder,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		sleep:       time.Sleep,
	}
}

// Put embeds text and writes a new record, returning its id. When metadata
// carries ExternalKeyMeta, Put is idempotent: a record already holding that
// key is returned instead of creating a duplicate.
func (s *Store) Put(ctx context.Context, tier Tier, sessionID, text string, metadata map[string]string) (uuid.UUID, error) {
	if !ValidTier(tier) {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	if tier == TierSession && sessionID == "" {
		return uuid.Nil, fmt.Errorf("session-tier put requires a session id")
	}

	if key := metadata[ExternalKeyMeta]; key != "" {
		var existing *Record
		err := s.withRetry(ctx, "put", func(ctx context.Context) error {
			var err error
			existing, err = s.engine.FindByExternalKey(ctx, key)
			return err
		})
		if err == nil {
			return existing.ID, nil
		}
		if !isNotFound(err) {
			return uuid.Nil, err
		}
	}

	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return uuid.Nil, fmt.Errorf("embedding text: %w", err)
	}

	rec := &Record{
		ID:        uuid.New(),
		Tier:      tier,
		SessionID: sessionID,
		Text:      text,
		Embedding: emb,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.withRetry(ctx, "put", func(ctx context.Context) error {
		return s.engine.Insert(ctx, rec)
	}); err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// Query embeds text and returns the nearest records in the requested
// tiers, ordered by similarity descending with ties broken by recency.
// Session-tier results are filtered to the given session.
func (s *Store) Query(ctx context.Context, tiers []Tier, text, sessionID string, limit int) ([]Match, error) {
	for _, t := range tiers {
		if !ValidTier(t) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTier, t)
		}
	}
	if limit <= 0 {
		limit = 5
	}

	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var matches []Match
	if err := s.withRetry(ctx, "query", func(ctx context.Context) error {
		var err error
		matches, err = s.engine.Search(ctx, SearchQuery{
			Embedding: emb,
			Tiers:     tiers,
			SessionID: sessionID,
			Limit:     limit,
		})
		return err
	}); err != nil {
		return nil, err
	}
	return matches, nil
}

// Get returns a record by id, including superseded and purged ones.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var rec *Record
	if err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = s.engine.Get(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Supersede writes a new record linked to oldID. The old record is not
// deleted — Get still returns it unchanged — but Search stops surfacing it.
func (s *Store) Supersede(ctx context.Context, oldID uuid.UUID, newText string, metadata map[string]string) (uuid.UUID, error) {
	old, err := s.Get(ctx, oldID)
	if err != nil {
		return uuid.Nil, err
	}

	emb, err := s.embedder.Embed(ctx, newText)
	if err != nil {
		return uuid.Nil, fmt.Errorf("embedding text: %w", err)
	}

	rec := &Record{
		ID:         uuid.New(),
		Tier:       old.Tier,
		SessionID:  old.SessionID,
		Text:       newText,
		Embedding:  emb,
		Metadata:   metadata,
		Supersedes: &oldID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.withRetry(ctx, "supersede", func(ctx context.Context) error {
		return s.engine.Insert(ctx, rec)
	}); err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// EndSession logically deletes all session-tier records for the session.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "end_session", func(ctx context.Context) error {
		return s.engine.PurgeSession(ctx, sessionID)
	})
}

// Close releases the underlying engine.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Close()
}

// withRetry serializes an engine call behind the store lock and retries
// transient failures, waiting backoffBase * attempt between tries. After
// maxAttempts the call reports ErrStoreUnavailable.
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.mu.Lock()
		err = fn(ctx)
		s.mu.Unlock()

		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}

		metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
		slog.Warn("memory: transient index error",
			"op", op, "attempt", attempt, "max_attempts", s.maxAttempts, "error", err)

		if attempt < s.maxAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s interrupted: %w", op, ctx.Err())
			case <-s.after(s.backoffBase * time.Duration(attempt)):
			}
		}
	}
	slog.Warn("memory: retries exhausted", "op", op, "attempts", s.maxAttempts, "error", err)
	return fmt.Errorf("%s failed after %d attempts: %w", op, s.maxAttempts, ErrStoreUnavailable)
}

// after wraps the injectable sleep so retry waits stay cancelable in
// production and instantaneous in tests.
func (s *Store) after(d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.sleep(d)
		close(done)
	}()
	return done
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
