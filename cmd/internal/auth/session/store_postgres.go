package session

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over <schema>.sessions.
type PostgresStore struct {
	pool     *pgxpool.Pool
	sessions string
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if !pgIdentRE.MatchString(schema) {
		return nil, errors.New("session: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, sessions: pgx.Identifier{schema, "sessions"}.Sanitize()}, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	var row Row

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, expires_at, revoked_at
		  FROM `+s.sessions+`
		 WHERE id = $1
	`, sessionID).Scan(
		&row.ID,
		&row.UserID,
		&row.ExpiresAt,
		&row.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}

	return row, nil
}
