package memory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tier partitions the store by retention scope.
type Tier string

const (
	// TierSession records are logically deleted when their session ends.
	TierSession Tier = "session"
	// TierPermanent records persist until explicitly superseded.
	TierPermanent Tier = "permanent"
	// TierProject records persist like permanent ones but are scoped to
	// ongoing project work rather than personal facts.
	TierProject Tier = "project"
)

// ValidTier reports whether t is one of the three known tiers.
func ValidTier(t Tier) bool {
	return t == TierSession || t == TierPermanent || t == TierProject
}

// Record is one entry in the semantic index. Records are append-only:
// an update is a new record whose Supersedes field points at the old id.
type Record struct {
	ID         uuid.UUID         `json:"id"`
	Tier       Tier              `json:"tier"`
	SessionID  string            `json:"session_id,omitempty"`
	Text       string            `json:"text"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Supersedes *uuid.UUID        `json:"supersedes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Match is a query result: a record with its cosine similarity to the query.
type Match struct {
	Record     Record  `json:"record"`
	Similarity float64 `json:"similarity"`
}

// ExternalKeyMeta is the metadata key that makes Put idempotent: a second
// Put with the same external key returns the existing record's id.
const ExternalKeyMeta = "external_key"

var (
	// ErrNotFound is returned by Get for an unknown record id.
	ErrNotFound = errors.New("memory: record not found")

	// ErrStoreUnavailable is returned after the retry budget against the
	// index engine is exhausted. Callers must treat it as non-fatal to
	// the turn: the conversation proceeds without memory augmentation.
	ErrStoreUnavailable = errors.New("memory: store unavailable")

	// ErrInvalidTier is returned for a tier outside the known set.
	ErrInvalidTier = errors.New("memory: invalid tier")
)

// transientError marks an engine failure as retryable (the underlying
// index rejected the call under contention rather than failing hard).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the store's retry loop recognizes it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a retryable engine failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
