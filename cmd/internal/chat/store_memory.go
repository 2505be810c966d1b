package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"tandem/cmd/internal/ids"
)

// InMemoryStore is a dev-only Store used when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	pairs map[string]string // pair key -> conversation id
}

type memConv struct {
	conv   Conversation
	lastTS time.Time
	dedupe map[string]int // client_msg_id -> index into msgs
	msgs   []memMessage   // ordered by seq
}

type memMessage struct {
	msg    Message
	readBy map[string]struct{}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
		pairs: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) FindOrCreateConversation(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	a, b, err := checkPair("chat.FindOrCreateConversation", a, b)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key := PairKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.pairs[key]; ok {
		return s.snapshotLocked(s.convs[id]), false, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}
	c := newMemConv(Conversation{
		ID:           id,
		Participants: normalizeIDs([]string{a, b}),
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	})
	s.convs[id] = c
	s.pairs[key] = id
	return s.snapshotLocked(c), true, nil
}

func (s *InMemoryStore) CreateGroup(ctx context.Context, in GroupInput) (Conversation, error) {
	name, members, err := in.normalize()
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	c := newMemConv(Conversation{
		ID:           id,
		IsGroup:      true,
		Name:         name,
		AdminID:      strings.TrimSpace(in.AdminID),
		Participants: members,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	})
	s.convs[id] = c
	return s.snapshotLocked(c), nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[strings.TrimSpace(id)]
	if c == nil {
		return Conversation{}, notFound("chat.GetConversation", "conversation")
	}
	return s.snapshotLocked(c), nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "chat.AppendMessage"

	in, err := in.check()
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return AppendResult{}, notFound(op, "conversation")
	}
	if !c.conv.HasParticipant(in.SenderID) {
		return AppendResult{}, forbidden(op)
	}

	if in.ClientMsgID != "" {
		if i, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: c.msgs[i].snapshot(), Duplicated: true}, nil
		}
	}

	body, err := resolveBody(in.Body, c.conv)
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

	ts := nextServerTS(in.Now, c.lastTS)
	m := memMessage{
		msg: Message{
			ConversationID: in.ConversationID,
			Seq:            int64(len(c.msgs)) + 1,
			ServerMsgID:    serverID,
			ClientMsgID:    in.ClientMsgID,
			SenderID:       in.SenderID,
			Body:           body,
			ServerTS:       ts,
		},
		readBy: map[string]struct{}{in.SenderID: {}},
	}

	c.dedupe[in.ClientMsgID] = len(c.msgs)
	c.msgs = append(c.msgs, m)
	c.lastTS = ts
	if ts.After(c.conv.UpdatedAt) {
		c.conv.UpdatedAt = ts
	}

	return AppendResult{Message: m.snapshot()}, nil
}

func (s *InMemoryStore) GetHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if strings.TrimSpace(q.ConversationID) == "" {
		return HistoryPage{}, invalid("chat.GetHistory", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[strings.TrimSpace(q.ConversationID)]
	if c == nil {
		return HistoryPage{}, notFound("chat.GetHistory", "conversation")
	}

	// seq == index+1, so after_seq maps directly to a slice offset.
	start := 0
	if q.AfterSeq != nil && *q.AfterSeq > 0 {
		start = int(min(*q.AfterSeq, int64(len(c.msgs))))
	}
	window := c.msgs[start:]

	hasMore := false
	if limit := q.limit(); limit > 0 && len(window) > limit {
		window = window[:limit]
		hasMore = true
	}

	out := make([]Message, 0, len(window))
	for _, m := range window {
		out = append(out, m.snapshot())
	}
	return HistoryPage{Messages: out, HasMore: hasMore}, nil
}

func (s *InMemoryStore) ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("chat.ListConversationsFor", "missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 16)
	for _, c := range s.convs {
		if c.conv.HasParticipant(userID) {
			out = append(out, s.snapshotLocked(c))
		}
	}
	s.mu.Unlock()

	sortByRecent(out)
	return out, nil
}

func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	const op = "chat.MarkRead"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return invalid(op, "missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[strings.TrimSpace(conversationID)]
	if c == nil {
		return notFound(op, "conversation")
	}
	if !c.conv.HasParticipant(userID) {
		return forbidden(op)
	}
	for i := range c.msgs {
		c.msgs[i].readBy[userID] = struct{}{}
	}
	return nil
}

func newMemConv(conv Conversation) *memConv {
	return &memConv{
		conv:   conv,
		dedupe: make(map[string]int),
		msgs:   make([]memMessage, 0, 64),
	}
}

func (s *InMemoryStore) snapshotLocked(c *memConv) Conversation {
	out := c.conv
	out.Participants = append([]string(nil), c.conv.Participants...)
	if n := len(c.msgs); n > 0 {
		last := c.msgs[n-1].snapshot()
		out.LastMessage = &last
	}
	return out
}

func (m memMessage) snapshot() Message {
	out := m.msg
	out.ReadBy = make([]string, 0, len(m.readBy))
	for id := range m.readBy {
		out.ReadBy = append(out.ReadBy, id)
	}
	sort.Strings(out.ReadBy)
	return out
}

func sortByRecent(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].UpdatedAt.Equal(cs[j].UpdatedAt) {
			return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
		}
		return cs[i].ID > cs[j].ID
	})
}
