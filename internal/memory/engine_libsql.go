package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// LibsqlEngine stores memory records in an embedded libsql database with a
// native F32_BLOB vector column. A single file on disk is the whole index,
// which is why the engine tolerates only one writer at a time: concurrent
// writes surface as "database is locked" errors, reported upward as
// transient so the Store's retry loop handles them.
type LibsqlEngine struct {
	db   *sql.DB
	dims int
}

// NewLibsqlEngine opens (creating if needed) the index file at path and
// ensures the schema exists.
func NewLibsqlEngine(path string, dims int) (*LibsqlEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	// One connection: the embedded database has no row-level locking and
	// the Store serializes access anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=0",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memories (
	id            TEXT PRIMARY KEY,
	tier          TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	text          TEXT NOT NULL,
	embedding     F32_BLOB(%d),
	metadata      TEXT NOT NULL DEFAULT '{}',
	supersedes    TEXT,
	superseded_by TEXT,
	purged        INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories (tier, session_id);
CREATE INDEX IF NOT EXISTS idx_memories_live ON memories (purged) WHERE superseded_by IS NULL;
`, dims)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &LibsqlEngine{db: db, dims: dims}, nil
}

func (e *LibsqlEngine) Insert(ctx context.Context, rec *Record) error {
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapLibsqlErr("beginning insert", err)
	}
	defer tx.Rollback()

	var supersedes any
	if rec.Supersedes != nil {
		supersedes = rec.Supersedes.String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, tier, session_id, text, embedding, metadata, supersedes, created_at)
		VALUES (?, ?, ?, ?, vector32(?), ?, ?, ?)`,
		rec.ID.String(), string(rec.Tier), rec.SessionID, rec.Text,
		vectorLiteral(rec.Embedding), string(meta), supersedes,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wrapLibsqlErr("inserting record", err)
	}

	if rec.Supersedes != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET superseded_by = ? WHERE id = ?`,
			rec.ID.String(), rec.Supersedes.String()); err != nil {
			return wrapLibsqlErr("marking superseded record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapLibsqlErr("committing insert", err)
	}
	return nil
}

func (e *LibsqlEngine) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	if len(q.Tiers) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(q.Tiers))
	args := []any{vectorLiteral(q.Embedding)}
	for i, t := range q.Tiers {
		placeholders[i] = "?"
		args = append(args, string(t))
	}
	args = append(args, string(TierSession), q.SessionID, q.Limit)

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tier, session_id, text, embedding, metadata, supersedes, created_at,
		       vector_distance_cos(embedding, vector32(?)) AS distance
		FROM memories
		WHERE purged = 0
		  AND superseded_by IS NULL
		  AND tier IN (%s)
		  AND (tier != ? OR session_id = ?)
		ORDER BY distance ASC, created_at DESC
		LIMIT ?`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, wrapLibsqlErr("searching index", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			rec      Record
			distance float64
		)
		if err := scanRecord(rows, &rec, &distance); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, Match{Record: rec, Similarity: 1 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapLibsqlErr("reading matches", err)
	}
	return matches, nil
}

func (e *LibsqlEngine) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, tier, session_id, text, embedding, metadata, supersedes, created_at, 0.0
		FROM memories WHERE id = ?`, id.String())
	if err != nil {
		return nil, wrapLibsqlErr("fetching record", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, wrapLibsqlErr("fetching record", err)
		}
		return nil, ErrNotFound
	}
	var (
		rec      Record
		distance float64
	)
	if err := scanRecord(rows, &rec, &distance); err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}
	return &rec, nil
}

func (e *LibsqlEngine) FindByExternalKey(ctx context.Context, key string) (*Record, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, tier, session_id, text, embedding, metadata, supersedes, created_at, 0.0
		FROM memories
		WHERE purged = 0 AND superseded_by IS NULL
		  AND json_extract(metadata, '$.`+ExternalKeyMeta+`') = ?
		ORDER BY created_at DESC LIMIT 1`, key)
	if err != nil {
		return nil, wrapLibsqlErr("looking up external key", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, wrapLibsqlErr("looking up external key", err)
		}
		return nil, ErrNotFound
	}
	var (
		rec      Record
		distance float64
	)
	if err := scanRecord(rows, &rec, &distance); err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}
	return &rec, nil
}

func (e *LibsqlEngine) PurgeSession(ctx context.Context, sessionID string) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE memories SET purged = 1 WHERE tier = ? AND session_id = ?`,
		string(TierSession), sessionID)
	if err != nil {
		return wrapLibsqlErr("purging session records", err)
	}
	return nil
}

func (e *LibsqlEngine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *LibsqlEngine) Close() error {
	return e.db.Close()
}

// vectorLiteral renders a float32 slice in the textual form vector32()
// accepts: "[0.1,0.2,...]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// decodeF32Blob converts the raw F32_BLOB column bytes (little-endian
// float32s) back into a slice.
func decodeF32Blob(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func scanRecord(rows *sql.Rows, rec *Record, distance *float64) error {
	var (
		id, tier, createdAt string
		blob                []byte
		meta                string
		supersedes          sql.NullString
	)
	if err := rows.Scan(&id, &tier, &rec.SessionID, &rec.Text, &blob, &meta, &supersedes, &createdAt, distance); err != nil {
		return err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("parsing record id: %w", err)
	}
	rec.ID = parsed
	rec.Tier = Tier(tier)
	rec.Embedding = decodeF32Blob(blob)

	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	if supersedes.Valid {
		old, err := uuid.Parse(supersedes.String)
		if err != nil {
			return fmt.Errorf("parsing supersedes id: %w", err)
		}
		rec.Supersedes = &old
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = ts
	return nil
}

// wrapLibsqlErr classifies lock contention as transient so the Store
// retries it instead of failing the call outright.
func wrapLibsqlErr(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "table is locked") ||
		strings.Contains(msg, "busy") {
		return Transient(wrapped)
	}
	return wrapped
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
