package directory

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	d := NewInMemory(Profile{ID: "u1", DisplayName: "Ada"}, Profile{ID: " "})

	ok, err := d.Exists(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Exists(u1)=%v,%v", ok, err)
	}
	ok, err = d.Exists(ctx, "u2")
	if err != nil || ok {
		t.Fatalf("Exists(u2)=%v,%v", ok, err)
	}

	ps, err := d.Profiles(ctx, []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("Profiles: %v", err)
	}
	if len(ps) != 1 || ps["u1"].DisplayName != "Ada" {
		t.Fatalf("Profiles=%v", ps)
	}
	if ids := d.IDs(); len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("IDs=%v", ids)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	if ok, _ := (Open{}).Exists(ctx, "anyone"); !ok {
		t.Fatalf("open directory rejected a user")
	}
	if ok, _ := (Open{}).Exists(ctx, "  "); ok {
		t.Fatalf("open directory accepted a blank id")
	}
}

func TestPostgres_ExistsAndProfiles(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("TANDEM_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TANDEM_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	schema := "tandem_dir_it_" + time.Now().UTC().Format("20060102150405")
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgx.Identifier{schema, "users"}.Sanitize()+` (id, display_name) VALUES ('u1', 'Ada'), ('u2', NULL)`,
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d, err := NewPostgres(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}

	if ok, err := d.Exists(ctx, "u1"); err != nil || !ok {
		t.Fatalf("Exists(u1)=%v,%v", ok, err)
	}
	if ok, err := d.Exists(ctx, "nope"); err != nil || ok {
		t.Fatalf("Exists(nope)=%v,%v", ok, err)
	}

	ps, err := d.Profiles(ctx, []string{"u1", "u2", "nope"})
	if err != nil {
		t.Fatalf("Profiles: %v", err)
	}
	if len(ps) != 2 || ps["u1"].DisplayName != "Ada" || ps["u2"].DisplayName != "" {
		t.Fatalf("Profiles=%v", ps)
	}
}
