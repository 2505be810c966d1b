// Package chatclient is the client half of tandem chat: it keeps an ordered,
// deduplicated view of the open conversation and coordinates sending over
// REST and the realtime socket.
package chatclient

import (
	"sort"
	"strings"
	"sync"
	"time"

	v1 "tandem/shared/contracts/realtime/v1"
)

// Status is the delivery state of a view entry.
type Status int

const (
	// StatusSent is a message the server stored (also every received message).
	StatusSent Status = iota
	// StatusPending is a local message whose durable append has not completed.
	StatusPending
	// StatusFailed is a local message whose durable append failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "sent"
	}
}

// Entry is one message in the view.
type Entry struct {
	Message v1.Message
	Status  Status
}

// Reconciler owns the ordered view of a single conversation. It never
// returns errors: inputs that do not apply are ignored.
type Reconciler struct {
	mu             sync.Mutex
	conversationID string
	entries        []Entry
	index          map[string]int // dedupe key -> position in entries
}

// NewReconciler returns an empty view.
func NewReconciler() *Reconciler {
	return &Reconciler{index: make(map[string]int)}
}

// ConversationID returns the conversation the view shows.
func (r *Reconciler) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// OnHistoryLoaded replaces the view with msgs.
func (r *Reconciler) OnHistoryLoaded(conversationID string, msgs []v1.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversationID = conversationID
	r.entries = r.entries[:0]
	r.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != conversationID {
			continue
		}
		r.mergeLocked(Entry{Message: m, Status: StatusSent})
	}
	r.sortLocked()
}

// OnMessageEvent merges a message pushed by the server. It reports whether
// the view changed. Feeding the same message twice equals feeding it once.
func (r *Reconciler) OnMessageEvent(m v1.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conversationID == "" || m.ConversationID != r.conversationID {
		return false
	}
	if !r.mergeLocked(Entry{Message: m, Status: StatusSent}) {
		return false
	}
	r.sortLocked()
	return true
}

// AddPending inserts the optimistic copy of a local message.
func (r *Reconciler) AddPending(m v1.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conversationID == "" || m.ConversationID != r.conversationID {
		return false
	}
	if _, ok := r.index[dedupeKey(m)]; ok {
		return false
	}
	r.mergeLocked(Entry{Message: m, Status: StatusPending})
	r.sortLocked()
	return true
}

// SetStatus updates the local message with idempotency token token.
func (r *Reconciler) SetStatus(token string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[token]
	if !ok || r.entries[i].Status == status {
		return false
	}
	r.entries[i].Status = status
	return true
}

// Entry returns the entry for an idempotency token.
func (r *Reconciler) Entry(token string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[token]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Messages returns a copy of the ordered view.
func (r *Reconciler) Messages() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// LastSeq returns the highest server sequence number in the view.
func (r *Reconciler) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var last int64
	for _, e := range r.entries {
		if e.Message.Seq > last {
			last = e.Message.Seq
		}
	}
	return last
}

// mergeLocked inserts e or merges it into an existing entry with the same
// key. An authoritative copy replaces a provisional one but keeps the local
// status: only the durable path marks a local message sent.
func (r *Reconciler) mergeLocked(e Entry) bool {
	key := dedupeKey(e.Message)
	i, ok := r.index[key]
	if !ok {
		r.index[key] = len(r.entries)
		r.entries = append(r.entries, e)
		return true
	}

	cur := r.entries[i]
	if cur.Message.ServerMsgID != "" || e.Message.ServerMsgID == "" {
		return false
	}
	r.entries[i].Message = e.Message
	return true
}

func (r *Reconciler) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i].Message, r.entries[j].Message
		if !a.ServerTS.Equal(b.ServerTS) {
			return a.ServerTS.Before(b.ServerTS)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return dedupeKey(a) < dedupeKey(b)
	})
	for i, e := range r.entries {
		r.index[dedupeKey(e.Message)] = i
	}
}

// dedupeKey is the idempotency token, or (sender, content, timestamp) for
// messages that carry none.
func dedupeKey(m v1.Message) string {
	if m.ClientMsgID != "" {
		return m.ClientMsgID
	}
	content := m.Text
	switch {
	case m.Attachment != nil:
		content = m.Attachment.URL
	case m.Call != nil:
		content = m.Call.RoomID
	}
	return strings.Join([]string{"~", m.SenderID, content, m.ServerTS.UTC().Format(time.RFC3339Nano)}, "|")
}
