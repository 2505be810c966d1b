package app

import (
	"context"
	"fmt"
	"time"

	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/directory"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// migrate applies the chat and directory DDL. Dev only: production schemas
// are migrated out of band.
func migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if err := chat.EnsureSchema(ctx, pool, schema); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, directory.SchemaSQL(schema)); err != nil {
		return fmt.Errorf("directory: apply schema: %w", err)
	}
	return nil
}
