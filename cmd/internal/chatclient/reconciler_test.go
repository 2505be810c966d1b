package chatclient

import (
	"reflect"
	"testing"
	"time"

	v1 "tandem/shared/contracts/realtime/v1"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(conv, token, sender, text string, seq int64, at time.Time) v1.Message {
	m := v1.Message{
		ConversationID: conv,
		Seq:            seq,
		ClientMsgID:    token,
		SenderID:       sender,
		Kind:           v1.KindText,
		Text:           text,
		ServerTS:       at,
	}
	if seq > 0 {
		m.ServerMsgID = "srv-" + text
	}
	return m
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message.Text)
	}
	return out
}

func TestReconciler_SameMessageTwiceEqualsOnce(t *testing.T) {
	once := NewReconciler()
	once.OnHistoryLoaded("c1", nil)
	twice := NewReconciler()
	twice.OnHistoryLoaded("c1", nil)

	m := msg("c1", "tok-1", "alice", "hello", 1, t0)

	if !once.OnMessageEvent(m) {
		t.Fatalf("first event should change the view")
	}
	twice.OnMessageEvent(m)
	if twice.OnMessageEvent(m) {
		t.Fatalf("second identical event should not change the view")
	}

	if !reflect.DeepEqual(once.Messages(), twice.Messages()) {
		t.Fatalf("views differ:\nonce=%+v\ntwice=%+v", once.Messages(), twice.Messages())
	}
}

func TestReconciler_HistoryReplacesAndDedupes(t *testing.T) {
	r := NewReconciler()
	r.OnHistoryLoaded("c1", []v1.Message{msg("c1", "a", "alice", "old", 1, t0)})

	r.OnHistoryLoaded("c2", []v1.Message{
		msg("c2", "x", "bob", "one", 1, t0),
		msg("c2", "x", "bob", "one", 1, t0),
		msg("c2", "y", "alice", "two", 2, t0.Add(time.Second)),
		msg("c1", "z", "alice", "elsewhere", 9, t0),
	})

	if got, want := texts(r.Messages()), []string{"one", "two"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("view=%v want %v", got, want)
	}
	if r.ConversationID() != "c2" {
		t.Fatalf("conversation=%q", r.ConversationID())
	}
	if r.LastSeq() != 2 {
		t.Fatalf("LastSeq=%d", r.LastSeq())
	}
}

func TestReconciler_IgnoresOtherConversations(t *testing.T) {
	r := NewReconciler()
	if r.OnMessageEvent(msg("c1", "a", "alice", "hi", 1, t0)) {
		t.Fatalf("event before any history should be ignored")
	}

	r.OnHistoryLoaded("c1", nil)
	if r.OnMessageEvent(msg("c2", "a", "alice", "hi", 1, t0)) {
		t.Fatalf("event for another conversation should be ignored")
	}
	if len(r.Messages()) != 0 {
		t.Fatalf("view should be empty")
	}
}

func TestReconciler_SortsByServerTimeThenSeq(t *testing.T) {
	r := NewReconciler()
	r.OnHistoryLoaded("c1", nil)

	r.OnMessageEvent(msg("c1", "c", "bob", "third", 3, t0.Add(2*time.Second)))
	r.OnMessageEvent(msg("c1", "b", "alice", "second", 2, t0))
	r.OnMessageEvent(msg("c1", "a", "bob", "first", 1, t0))

	if got, want := texts(r.Messages()), []string{"first", "second", "third"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order=%v want %v", got, want)
	}
}

func TestReconciler_EchoDoesNotMarkPendingSent(t *testing.T) {
	r := NewReconciler()
	r.OnHistoryLoaded("c1", nil)

	local := msg("c1", "tok", "alice", "hey", 0, t0)
	if !r.AddPending(local) {
		t.Fatalf("AddPending returned false")
	}
	if r.AddPending(local) {
		t.Fatalf("AddPending of a known token should be a no-op")
	}

	echo := msg("c1", "tok", "alice", "hey", 7, t0.Add(time.Millisecond))
	if !r.OnMessageEvent(echo) {
		t.Fatalf("authoritative echo should replace the provisional copy")
	}

	e, ok := r.Entry("tok")
	if !ok {
		t.Fatalf("entry missing")
	}
	if e.Status != StatusPending {
		t.Fatalf("status=%v want pending", e.Status)
	}
	if e.Message.Seq != 7 || e.Message.ServerMsgID == "" {
		t.Fatalf("entry not merged: %+v", e.Message)
	}
	if len(r.Messages()) != 1 {
		t.Fatalf("echo duplicated the entry: %v", texts(r.Messages()))
	}

	if !r.SetStatus("tok", StatusSent) {
		t.Fatalf("SetStatus returned false")
	}
	if r.SetStatus("tok", StatusSent) {
		t.Fatalf("SetStatus with unchanged status should return false")
	}
	if r.SetStatus("unknown", StatusSent) {
		t.Fatalf("SetStatus for unknown token should return false")
	}
}

func TestReconciler_FailedStaysFailedAfterEcho(t *testing.T) {
	r := NewReconciler()
	r.OnHistoryLoaded("c1", nil)

	r.AddPending(msg("c1", "tok", "alice", "hey", 0, t0))
	r.SetStatus("tok", StatusFailed)
	r.OnMessageEvent(msg("c1", "tok", "alice", "hey", 3, t0))

	e, _ := r.Entry("tok")
	if e.Status != StatusFailed {
		t.Fatalf("status=%v want failed", e.Status)
	}
}

func TestReconciler_FallbackKeyWithoutToken(t *testing.T) {
	r := NewReconciler()
	r.OnHistoryLoaded("c1", nil)

	a := msg("c1", "", "bob", "same", 1, t0)
	b := a
	b.Seq, b.ServerMsgID = 1, "srv-other"

	r.OnMessageEvent(a)
	r.OnMessageEvent(b)
	if n := len(r.Messages()); n != 1 {
		t.Fatalf("len=%d want 1", n)
	}

	later := msg("c1", "", "bob", "same", 2, t0.Add(time.Second))
	r.OnMessageEvent(later)
	if n := len(r.Messages()); n != 2 {
		t.Fatalf("same text at a different time is a different message; len=%d", n)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusSent:    "sent",
		StatusPending: "pending",
		StatusFailed:  "failed",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("%d.String()=%q want %q", s, s.String(), want)
		}
	}
}
