package memory

import (
	"context"

	"github.com/google/uuid"
)

// SearchQuery filters a similarity search over the index.
type SearchQuery struct {
	Embedding []float32
	Tiers     []Tier
	// SessionID scopes session-tier results; records from other tiers
	// are returned regardless.
	SessionID string
	Limit     int
}

// Engine is the storage backend beneath the Store. Implementations are NOT
// required to be safe for concurrent writers — the Store serializes all
// calls behind its own lock. An engine signals a retryable contention
// failure by returning an error wrapped with Transient.
type Engine interface {
	// Insert writes a record. When rec.Supersedes is set, the engine also
	// marks the superseded record so Search excludes it; the old record
	// itself is kept for auditability.
	Insert(ctx context.Context, rec *Record) error

	// Search returns the nearest non-superseded, non-purged records,
	// ordered by similarity descending with ties broken by recency.
	Search(ctx context.Context, q SearchQuery) ([]Match, error)

	// Get returns a record by id regardless of supersession or purge
	// state, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// FindByExternalKey returns the record carrying the given external
	// key in its metadata, or ErrNotFound.
	FindByExternalKey(ctx context.Context, key string) (*Record, error)

	// PurgeSession logically deletes all session-tier records for the
	// session: they stop matching Search but remain readable via Get.
	PurgeSession(ctx context.Context, sessionID string) error

	// Ping reports whether the index is reachable, for health probes.
	Ping(ctx context.Context) error

	Close() error
}
