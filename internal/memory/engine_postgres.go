package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PostgresEngine backs the index with pgvector. Deployments that already
// run the Postgres dependency can point the store here instead of the
// embedded file; serialization failures and lock timeouts map to the same
// transient classification the libsql engine uses.
type PostgresEngine struct {
	pool *pgxpool.Pool
}

func NewPostgresEngine(pool *pgxpool.Pool) *PostgresEngine {
	return &PostgresEngine{pool: pool}
}

func (e *PostgresEngine) Insert(ctx context.Context, rec *Record) error {
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr("beginning insert", err)
	}
	defer tx.Rollback(ctx)

	vec := pgvector.NewVector(rec.Embedding)
	_, err = tx.Exec(ctx,
		`INSERT INTO agent_memories (id, tier, session_id, content, embedding, metadata, supersedes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, string(rec.Tier), rec.SessionID, rec.Text, vec, meta, rec.Supersedes, rec.CreatedAt,
	)
	if err != nil {
		return wrapPgErr("inserting memory", err)
	}

	if rec.Supersedes != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE agent_memories SET superseded_by = $1 WHERE id = $2`,
			rec.ID, *rec.Supersedes,
		); err != nil {
			return wrapPgErr("marking superseded memory", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapPgErr("committing insert", err)
	}
	return nil
}

func (e *PostgresEngine) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	if len(q.Tiers) == 0 {
		return nil, nil
	}
	tiers := make([]string, len(q.Tiers))
	for i, t := range q.Tiers {
		tiers[i] = string(t)
	}

	vec := pgvector.NewVector(q.Embedding)
	rows, err := e.pool.Query(ctx,
		`SELECT id, tier, session_id, content, metadata, supersedes, created_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM agent_memories
		 WHERE purged = FALSE
		   AND superseded_by IS NULL
		   AND tier = ANY($2)
		   AND (tier != $3 OR session_id = $4)
		 ORDER BY embedding <=> $1, created_at DESC
		 LIMIT $5`,
		vec, tiers, string(TierSession), q.SessionID, q.Limit,
	)
	if err != nil {
		return nil, wrapPgErr("searching memories", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			rec        Record
			meta       []byte
			similarity float64
		)
		if err := rows.Scan(&rec.ID, &rec.Tier, &rec.SessionID, &rec.Text, &meta, &rec.Supersedes, &rec.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		matches = append(matches, Match{Record: rec, Similarity: similarity})
	}
	return matches, rows.Err()
}

func (e *PostgresEngine) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var (
		rec  Record
		meta []byte
	)
	err := e.pool.QueryRow(ctx,
		`SELECT id, tier, session_id, content, metadata, supersedes, created_at
		 FROM agent_memories WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.Tier, &rec.SessionID, &rec.Text, &meta, &rec.Supersedes, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapPgErr("getting memory", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &rec, nil
}

func (e *PostgresEngine) FindByExternalKey(ctx context.Context, key string) (*Record, error) {
	var (
		rec  Record
		meta []byte
	)
	err := e.pool.QueryRow(ctx,
		`SELECT id, tier, session_id, content, metadata, supersedes, created_at
		 FROM agent_memories
		 WHERE purged = FALSE AND superseded_by IS NULL
		   AND metadata->>'`+ExternalKeyMeta+`' = $1
		 ORDER BY created_at DESC LIMIT 1`,
		key,
	).Scan(&rec.ID, &rec.Tier, &rec.SessionID, &rec.Text, &meta, &rec.Supersedes, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapPgErr("looking up external key", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &rec, nil
}

func (e *PostgresEngine) PurgeSession(ctx context.Context, sessionID string) error {
	_, err := e.pool.Exec(ctx,
		`UPDATE agent_memories SET purged = TRUE WHERE tier = $1 AND session_id = $2`,
		string(TierSession), sessionID,
	)
	if err != nil {
		return wrapPgErr("purging session memories", err)
	}
	return nil
}

func (e *PostgresEngine) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

func (e *PostgresEngine) Close() error {
	e.pool.Close()
	return nil
}

// wrapPgErr maps serialization failures (40001), deadlocks (40P01) and
// lock timeouts (55P03) to the transient class.
func wrapPgErr(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return Transient(wrapped)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "lock timeout") {
		return Transient(wrapped)
	}
	return wrapped
}
