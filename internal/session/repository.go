package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSessionNotFound is returned for operations on an unknown session.
var ErrSessionNotFound = errors.New("session: not found")

type Repository interface {
	EnsureSession(ctx context.Context, id, userID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	AppendTurn(ctx context.Context, turn *Turn) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	GetIdentity(ctx context.Context, userID string) (*Identity, error)
	UpdateIdentity(ctx context.Context, userID string, identity *Identity) error
	DeleteSession(ctx context.Context, id string) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

// EnsureSession creates the session row if needed and bumps its activity
// timestamp either way.
func (r *postgresRepository) EnsureSession(ctx context.Context, id, userID string) (*Session, error) {
	query := `
		INSERT INTO sessions (id, user_id, created_at, last_active_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (id) DO UPDATE SET last_active_at = now()
		RETURNING id, user_id, created_at, last_active_at`

	sess := &Session{}
	err := r.pool.QueryRow(ctx, query, id, userID).Scan(
		&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("ensuring session: %w", err)
	}
	return sess, nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, created_at, last_active_at
		FROM sessions
		WHERE id = $1`

	sess := &Session{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.LastActiveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// AppendTurn assigns the next sequence number and persists the exchange.
func (r *postgresRepository) AppendTurn(ctx context.Context, turn *Turn) error {
	query := `
		INSERT INTO turns (session_id, seq, user_message, assistant_message, tools_used, created_at)
		VALUES ($1,
		        COALESCE((SELECT MAX(seq) FROM turns WHERE session_id = $1), 0) + 1,
		        $2, $3, $4, $5)
		RETURNING seq`

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, query,
		turn.SessionID, turn.UserMessage, turn.AssistantMessage, turn.ToolsUsed, turn.CreatedAt,
	).Scan(&turn.Seq)
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	return nil
}

// RecentTurns returns the newest turns of the session in chronological
// order, oldest first.
func (r *postgresRepository) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := `
		SELECT session_id, seq, user_message, assistant_message, tools_used, created_at
		FROM (
			SELECT session_id, seq, user_message, assistant_message, tools_used, created_at
			FROM turns
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) newest
		ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.Seq, &t.UserMessage, &t.AssistantMessage, &t.ToolsUsed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// GetIdentity returns the user's identity, or the default when none is set.
func (r *postgresRepository) GetIdentity(ctx context.Context, userID string) (*Identity, error) {
	query := `
		SELECT name, role, communication_style, updated_at
		FROM identities
		WHERE user_id = $1`

	ident := &Identity{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&ident.Name, &ident.Role, &ident.CommunicationStyle, &ident.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			def := DefaultIdentity()
			return &def, nil
		}
		return nil, fmt.Errorf("querying identity: %w", err)
	}
	return ident, nil
}

func (r *postgresRepository) UpdateIdentity(ctx context.Context, userID string, identity *Identity) error {
	query := `
		INSERT INTO identities (user_id, name, role, communication_style, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE
		SET name = EXCLUDED.name,
		    role = EXCLUDED.role,
		    communication_style = EXCLUDED.communication_style,
		    updated_at = now()
		RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		userID, identity.Name, identity.Role, identity.CommunicationStyle,
	).Scan(&identity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating identity: %w", err)
	}
	return nil
}

// DeleteSession removes the session and its turns (cascade).
func (r *postgresRepository) DeleteSession(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}
