// Package chat is the durable message store: conversations, their ordered
// message logs and read receipts.
package chat

import (
	"context"
	"strings"
	"time"
)

const (
	// MaxHistoryLimit clamps paged history reads.
	MaxHistoryLimit = 500
	// MaxClientMsgIDLen bounds idempotency tokens.
	MaxClientMsgIDLen = 128
)

// Store persists conversations and messages.
//
// Requirements:
//   - At most one direct conversation per unordered user pair, also under concurrency
//   - Idempotency per (conversation_id, client_msg_id); duplicates consume no seq
//   - Gap-free seq per conversation; ServerTS non-decreasing in seq order
//   - History ordered by seq ASC
type Store interface {
	// FindOrCreateConversation returns the direct conversation between a and b,
	// creating it when absent. created reports whether this call created it.
	FindOrCreateConversation(ctx context.Context, a, b string, now time.Time) (conv Conversation, created bool, err error)
	CreateGroup(ctx context.Context, in GroupInput) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	AppendMessage(ctx context.Context, in AppendInput) (AppendResult, error)
	GetHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	// ListConversationsFor returns the user's conversations, most recently
	// updated first, with LastMessage populated.
	ListConversationsFor(ctx context.Context, userID string) ([]Conversation, error)
	// MarkRead adds userID to the reader set of every message. Idempotent.
	MarkRead(ctx context.Context, conversationID, userID string) error
	Close() error
}

// AppendInput describes a message append request.
// An empty ClientMsgID is replaced with a fresh server-generated id.
type AppendInput struct {
	ConversationID string
	SenderID       string
	ClientMsgID    string
	Body           Body
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// HistoryQuery selects a window of a conversation's log. Limit <= 0 returns
// the whole log.
type HistoryQuery struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// HistoryPage contains the retrieved history window.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

func (in AppendInput) check() (AppendInput, error) {
	const op = "chat.AppendMessage"

	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	if in.ConversationID == "" {
		return in, invalid(op, "missing conversation_id")
	}
	if in.SenderID == "" {
		return in, invalid(op, "missing sender_id")
	}
	if len(in.ClientMsgID) > MaxClientMsgIDLen {
		return in, invalid(op, "client_msg_id too long")
	}
	if in.Body == nil {
		return in, invalid(op, "missing body")
	}
	in.Body = normalizeBody(in.Body)
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

// resolveBody fills server-derived fields and validates the body against the
// target conversation.
func resolveBody(b Body, conv Conversation) (Body, error) {
	if call, ok := b.(CallInvitation); ok && call.RoomID == "" {
		call.RoomID = CallRoomID(conv.Participants)
		b = call
	}
	if err := ValidateBody(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (q HistoryQuery) limit() int {
	if q.Limit <= 0 {
		return 0
	}
	if q.Limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return q.Limit
}

// nextServerTS keeps server timestamps non-decreasing within a conversation.
func nextServerTS(now, last time.Time) time.Time {
	now = now.UTC()
	if now.Before(last) {
		return last
	}
	return now
}

func checkPair(op, a, b string) (string, string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", "", invalid(op, "missing participant")
	}
	if a == b {
		return "", "", invalid(op, "cannot start a conversation with yourself")
	}
	return a, b, nil
}
