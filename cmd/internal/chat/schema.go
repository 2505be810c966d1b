package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgTables struct {
	conversations string
	participants  string
	cursors       string
	messages      string
	reads         string
}

func newPGTables(schema string) pgTables {
	return pgTables{
		conversations: pgIdent(schema, "conversations"),
		participants:  pgIdent(schema, "conversation_participants"),
		cursors:       pgIdent(schema, "conversation_cursors"),
		messages:      pgIdent(schema, "messages"),
		reads:         pgIdent(schema, "message_reads"),
	}
}

// SchemaSQL returns the DDL PostgresStore depends on, qualified with schema.
// Statements are idempotent.
func SchemaSQL(schema string) string {
	t := newPGTables(schema)
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[6]s;

CREATE TABLE IF NOT EXISTS %[1]s (
  id         TEXT PRIMARY KEY,
  is_group   BOOLEAN NOT NULL DEFAULT false,
  name       TEXT NOT NULL DEFAULT '',
  admin_id   TEXT NOT NULL DEFAULT '',
  pair_key   TEXT UNIQUE,
  last_seq   BIGINT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_conversations_shape CHECK (
    (is_group AND pair_key IS NULL AND name <> '') OR
    (NOT is_group AND pair_key IS NOT NULL)
  )
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at
  ON %[1]s (updated_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS %[2]s (
  conversation_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  user_id         TEXT NOT NULL,
  joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_conversation_participants_user
  ON %[2]s (user_id);

CREATE TABLE IF NOT EXISTS %[3]s (
  conversation_id TEXT PRIMARY KEY REFERENCES %[1]s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  last_ts         TIMESTAMPTZ,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[4]s (
  conversation_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  server_msg_id   TEXT NOT NULL,
  client_msg_id   TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  kind            TEXT NOT NULL CHECK (kind IN ('text', 'attachment', 'call')),
  text            TEXT NOT NULL DEFAULT '',
  attachment_url  TEXT NOT NULL DEFAULT '',
  attachment_name TEXT NOT NULL DEFAULT '',
  attachment_mime TEXT NOT NULL DEFAULT '',
  call_room_id    TEXT NOT NULL DEFAULT '',
  call_is_video   BOOLEAN NOT NULL DEFAULT false,
  server_ts       TIMESTAMPTZ NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, seq),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id),
  CONSTRAINT uq_messages_server_msg_id UNIQUE (server_msg_id),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) <= 4000)
);

CREATE TABLE IF NOT EXISTS %[5]s (
  conversation_id TEXT NOT NULL,
  seq             BIGINT NOT NULL,
  user_id         TEXT NOT NULL,
  read_at         TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, seq, user_id),
  FOREIGN KEY (conversation_id, seq) REFERENCES %[4]s(conversation_id, seq) ON DELETE CASCADE
);
`, t.conversations, t.participants, t.cursors, t.messages, t.reads, pgx.Identifier{schema}.Sanitize())
}

// EnsureSchema applies SchemaSQL. Used for dev and tests; production schemas
// are migrated out of band.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("chat: invalid schema identifier")
	}
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		return fmt.Errorf("chat: apply schema: %w", err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
