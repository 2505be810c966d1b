package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tandem/cmd/internal/ids"
)

const findOrCreateAttempts = 3

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-conversation transactional advisory lock, so seq
//     allocation has no gaps and duplicates never consume a seq.
//   - Direct conversations are deduplicated by a unique pair key; a lost race
//     re-reads the winner.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	t      pgTables
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tandem").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tandem",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	st.t = newPGTables(st.schema)
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	a, b, err := checkPair("chat.FindOrCreateConversation", a, b)
	if err != nil {
		return Conversation{}, false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < findOrCreateAttempts; attempt++ {
		conv, created, err := s.findOrCreateOnce(ctx, a, b, now.UTC())
		if err == nil {
			return conv, created, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Conversation{}, false, err
		}
		lastErr = err
	}
	return Conversation{}, false, fmt.Errorf("chat: find or create conversation: %w", lastErr)
}

func (s *PostgresStore) findOrCreateOnce(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	key := PairKey(a, b)

	if id, err := s.conversationIDByPair(ctx, s.pool, key); err == nil {
		conv, err := s.loadConversation(ctx, s.pool, id)
		return conv, false, err
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted string
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.t.conversations+` (id, is_group, pair_key, created_at, updated_at)
		 VALUES ($1, false, $2, $3, $3)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id`,
		id, key, now,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// Another writer created the pair between our lookup and insert.
		_ = tx.Rollback(ctx)
		winner, err := s.conversationIDByPair(ctx, s.pool, key)
		if err != nil {
			return Conversation{}, false, duplicateWrite(err)
		}
		conv, err := s.loadConversation(ctx, s.pool, winner)
		return conv, false, err
	}
	if err != nil {
		return Conversation{}, false, duplicateWrite(err)
	}

	if err := s.insertParticipants(ctx, tx, inserted, []string{a, b}, now); err != nil {
		return Conversation{}, false, duplicateWrite(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, duplicateWrite(err)
	}

	conv, err := s.loadConversation(ctx, s.pool, inserted)
	return conv, true, err
}

func (s *PostgresStore) CreateGroup(ctx context.Context, in GroupInput) (Conversation, error) {
	name, members, err := in.normalize()
	if err != nil {
		return Conversation{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t.conversations+` (id, is_group, name, admin_id, created_at, updated_at)
		 VALUES ($1, true, $2, $3, $4, $4)`,
		id, name, strings.TrimSpace(in.AdminID), now.UTC(),
	); err != nil {
		return Conversation{}, fmt.Errorf("insert group: %w", err)
	}
	if err := s.insertParticipants(ctx, tx, id, members, now.UTC()); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return s.loadConversation(ctx, s.pool, id)
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, invalid("chat.GetConversation", "missing conversation_id")
	}
	return s.loadConversation(ctx, s.pool, id)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.AppendMessage"

	in, err := in.check()
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all writes per conversation: no seq waste for duplicates and
	// strict ordering without races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	conv, err := s.loadConversationHeader(ctx, tx, in.ConversationID)
	if err != nil {
		return AppendResult{}, err
	}
	if !conv.HasParticipant(in.SenderID) {
		return AppendResult{}, forbidden(op)
	}

	if in.ClientMsgID != "" {
		existing, err := s.messageByClientMsgID(ctx, tx, in.ConversationID, in.ClientMsgID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	body, err := resolveBody(in.Body, conv)
	if err != nil {
		return AppendResult{}, err
	}

	serverID, err := ids.NewULID(in.Now)
	if err != nil {
		return AppendResult{}, err
	}
	if in.ClientMsgID == "" {
		in.ClientMsgID = serverID
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t.cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendResult{}, err
	}

	var (
		seq int64
		ts  time.Time
	)
	if err := tx.QueryRow(ctx,
		`UPDATE `+s.t.cursors+`
		    SET next_seq = next_seq + 1,
		        last_ts = GREATEST(last_ts, $2::timestamptz),
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1), last_ts`,
		in.ConversationID, in.Now.UTC(),
	).Scan(&seq, &ts); err != nil {
		return AppendResult{}, err
	}

	col := bodyToColumns(body)
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t.messages+` (
		     conversation_id, seq, server_msg_id, client_msg_id, sender_id,
		     kind, text, attachment_url, attachment_name, attachment_mime, call_room_id, call_is_video,
		     server_ts
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		in.ConversationID, seq, serverID, in.ClientMsgID, in.SenderID,
		col.kind, col.text, col.url, col.name, col.mime, col.roomID, col.isVideo,
		ts,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t.reads+` (conversation_id, seq, user_id) VALUES ($1, $2, $3)`,
		in.ConversationID, seq, in.SenderID,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert read: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t.conversations+`
		    SET last_seq = $2,
		        updated_at = GREATEST(updated_at, $3::timestamptz)
		  WHERE id = $1`,
		in.ConversationID, seq, ts,
	); err != nil {
		return AppendResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Message: Message{
		ConversationID: in.ConversationID,
		Seq:            seq,
		ServerMsgID:    serverID,
		ClientMsgID:    in.ClientMsgID,
		SenderID:       in.SenderID,
		Body:           body,
		ServerTS:       ts.UTC(),
		ReadBy:         []string{in.SenderID},
	}}, nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	id := strings.TrimSpace(q.ConversationID)
	if id == "" {
		return HistoryPage{}, invalid("chat.GetHistory", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}
	if err := s.conversationExists(ctx, id); err != nil {
		return HistoryPage{}, err
	}

	after := int64(0)
	if q.AfterSeq != nil {
		after = *q.AfterSeq
	}

	sql := s.messageSelect() + ` WHERE m.conversation_id = $1 AND m.seq > $2 ORDER BY m.seq ASC`
	args := []any{id, after}
	limit := q.limit()
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit+1)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return HistoryPage{}, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return HistoryPage{}, err
	}

	hasMore := limit > 0 && len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("chat.ListConversationsFor", "missing user_id")
	}

	rows, err := s.pool.Query(ctx,
		s.conversationSelect()+`
		  JOIN `+s.t.participants+` me ON me.conversation_id = c.id AND me.user_id = $1
		 ORDER BY c.updated_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}

	type row struct {
		conv    Conversation
		lastSeq *int64
	}
	var list []row
	for rows.Next() {
		var r row
		if err := scanConversation(rows, &r.conv, &r.lastSeq); err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(list))
	for _, r := range list {
		if r.lastSeq != nil {
			m, err := s.messageBySeq(ctx, s.pool, r.conv.ID, *r.lastSeq)
			if err != nil {
				return nil, err
			}
			r.conv.LastMessage = &m
		}
		out = append(out, r.conv)
	}
	return out, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	const op = "chat.MarkRead"

	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return invalid(op, "missing conversation_id or user_id")
	}

	var exists, member bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.t.conversations+` WHERE id = $1),
		        EXISTS (SELECT 1 FROM `+s.t.participants+` WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists, &member); err != nil {
		return err
	}
	if !exists {
		return notFound(op, "conversation")
	}
	if !member {
		return forbidden(op)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.t.reads+` (conversation_id, seq, user_id)
		 SELECT conversation_id, seq, $2 FROM `+s.t.messages+` WHERE conversation_id = $1
		 ON CONFLICT DO NOTHING`,
		conversationID, userID,
	)
	return err
}

// ---- queries ----

func (s *PostgresStore) conversationSelect() string {
	return `SELECT c.id, c.is_group, c.name, c.admin_id, c.last_seq, c.created_at, c.updated_at,
	               COALESCE((SELECT array_agg(p.user_id ORDER BY p.user_id)
	                           FROM ` + s.t.participants + ` p
	                          WHERE p.conversation_id = c.id), '{}')
	          FROM ` + s.t.conversations + ` c`
}

func (s *PostgresStore) messageSelect() string {
	return `SELECT m.conversation_id, m.seq, m.server_msg_id, m.client_msg_id, m.sender_id,
	               m.kind, m.text, m.attachment_url, m.attachment_name, m.attachment_mime,
	               m.call_room_id, m.call_is_video, m.server_ts,
	               COALESCE((SELECT array_agg(r.user_id ORDER BY r.user_id)
	                           FROM ` + s.t.reads + ` r
	                          WHERE r.conversation_id = m.conversation_id AND r.seq = m.seq), '{}')
	          FROM ` + s.t.messages + ` m`
}

func (s *PostgresStore) conversationIDByPair(ctx context.Context, q pgQuerier, key string) (string, error) {
	var id string
	err := q.QueryRow(ctx, `SELECT id FROM `+s.t.conversations+` WHERE pair_key = $1`, key).Scan(&id)
	return id, err
}

func (s *PostgresStore) conversationExists(ctx context.Context, id string) error {
	var ok bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.t.conversations+` WHERE id = $1)`, id,
	).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return notFound("chat.GetHistory", "conversation")
	}
	return nil
}

// loadConversationHeader reads the conversation row and participants without
// the last message.
func (s *PostgresStore) loadConversationHeader(ctx context.Context, q pgQuerier, id string) (Conversation, error) {
	c, _, err := s.loadConversationRow(ctx, q, id)
	return c, err
}

func (s *PostgresStore) loadConversation(ctx context.Context, q pgQuerier, id string) (Conversation, error) {
	c, lastSeq, err := s.loadConversationRow(ctx, q, id)
	if err != nil {
		return Conversation{}, err
	}
	if lastSeq != nil {
		m, err := s.messageBySeq(ctx, q, id, *lastSeq)
		if err != nil {
			return Conversation{}, err
		}
		c.LastMessage = &m
	}
	return c, nil
}

func (s *PostgresStore) loadConversationRow(ctx context.Context, q pgQuerier, id string) (Conversation, *int64, error) {
	var (
		c       Conversation
		lastSeq *int64
	)
	row := q.QueryRow(ctx, s.conversationSelect()+` WHERE c.id = $1`, id)
	if err := scanConversation(row, &c, &lastSeq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, nil, notFound("chat.GetConversation", "conversation")
		}
		return Conversation{}, nil, err
	}
	return c, lastSeq, nil
}

func (s *PostgresStore) messageByClientMsgID(ctx context.Context, q pgQuerier, conversationID, clientMsgID string) (Message, error) {
	return scanMessage(q.QueryRow(ctx,
		s.messageSelect()+` WHERE m.conversation_id = $1 AND m.client_msg_id = $2`,
		conversationID, clientMsgID,
	))
}

func (s *PostgresStore) messageBySeq(ctx context.Context, q pgQuerier, conversationID string, seq int64) (Message, error) {
	return scanMessage(q.QueryRow(ctx,
		s.messageSelect()+` WHERE m.conversation_id = $1 AND m.seq = $2`,
		conversationID, seq,
	))
}

func (s *PostgresStore) insertParticipants(ctx context.Context, tx pgx.Tx, conversationID string, members []string, now time.Time) error {
	for _, uid := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t.participants+` (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			conversationID, uid, now,
		); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

// ---- scanning ----

type bodyColumns struct {
	kind    string
	text    string
	url     string
	name    string
	mime    string
	roomID  string
	isVideo bool
}

func bodyToColumns(b Body) bodyColumns {
	switch v := b.(type) {
	case Text:
		return bodyColumns{kind: string(KindText), text: v.Content}
	case Attachment:
		return bodyColumns{kind: string(KindAttachment), text: v.Caption, url: v.URL, name: v.Name, mime: v.MIME}
	case CallInvitation:
		return bodyColumns{kind: string(KindCall), roomID: v.RoomID, isVideo: v.IsVideo}
	default:
		return bodyColumns{}
	}
}

func (c bodyColumns) body() (Body, error) {
	switch Kind(c.kind) {
	case KindText:
		return Text{Content: c.text}, nil
	case KindAttachment:
		return Attachment{URL: c.url, Name: c.name, MIME: c.mime, Caption: c.text}, nil
	case KindCall:
		return CallInvitation{RoomID: c.roomID, IsVideo: c.isVideo}, nil
	default:
		return nil, fmt.Errorf("chat: unknown message kind %q", c.kind)
	}
}

func scanConversation(row pgx.Row, c *Conversation, lastSeq **int64) error {
	if err := row.Scan(
		&c.ID,
		&c.IsGroup,
		&c.Name,
		&c.AdminID,
		lastSeq,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.Participants,
	); err != nil {
		return err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m   Message
		col bodyColumns
	)
	if err := row.Scan(
		&m.ConversationID,
		&m.Seq,
		&m.ServerMsgID,
		&m.ClientMsgID,
		&m.SenderID,
		&col.kind,
		&col.text,
		&col.url,
		&col.name,
		&col.mime,
		&col.roomID,
		&col.isVideo,
		&m.ServerTS,
		&m.ReadBy,
	); err != nil {
		return Message{}, err
	}
	body, err := col.body()
	if err != nil {
		return Message{}, err
	}
	m.Body = body
	m.ServerTS = m.ServerTS.UTC()
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// duplicateWrite maps a unique violation to ErrConflict so the caller retries
// the lookup.
func duplicateWrite(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return OpError{Op: "chat.FindOrCreateConversation", Kind: ErrConflict, Msg: pgErr.ConstraintName}
	}
	return err
}
