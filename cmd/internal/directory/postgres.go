package directory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads the account service's users table.
// It does NOT own the pool.
type Postgres struct {
	pool  *pgxpool.Pool
	users string
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgres returns a directory over <schema>.users.
func NewPostgres(pool *pgxpool.Pool, schema string) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if !pgIdentRE.MatchString(schema) {
		return nil, errors.New("directory: invalid schema identifier")
	}
	return &Postgres{pool: pool, users: pgx.Identifier{schema, "users"}.Sanitize()}, nil
}

// SchemaSQL is the subset of the users table the directory reads. Used for
// dev auto-migration and tests.
func SchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  display_name TEXT NULL,
  avatar_url   TEXT NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{schema, "users"}.Sanitize())
}

func (d *Postgres) Exists(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, nil
	}
	var ok bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+d.users+` WHERE id = $1)`, userID).Scan(&ok)
	return ok, err
}

func (d *Postgres) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx,
		`SELECT id, COALESCE(display_name, ''), COALESCE(avatar_url, '')
		   FROM `+d.users+`
		  WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}
