package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("FindOrCreate_ConcurrentCallsConverge", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			seen    = make(map[string]struct{})
			created int
			errs    []error
		)
		wg.Add(n)
		for i := 0; i < n; i++ {
			i := i
			go func() {
				defer wg.Done()
				a, b := "alice", "bob"
				if i%2 == 1 {
					a, b = b, a
				}
				conv, c, err := st.FindOrCreateConversation(ctx, a, b, time.Now().UTC())
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				seen[conv.ID] = struct{}{}
				if c {
					created++
				}
			}()
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("find or create errors: %v", errs)
		}
		if len(seen) != 1 {
			t.Fatalf("expected one conversation, got %d", len(seen))
		}
		if created != 1 {
			t.Fatalf("expected exactly one creation, got %d", created)
		}

		list, err := st.ListConversationsFor(ctx, "alice")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 listed conversation, got %d", len(list))
		}
	})

	t.Run("FindOrCreate_RejectsSelfAndBlank", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		if _, _, err := st.FindOrCreateConversation(ctx, "alice", "alice", time.Time{}); !IsInvalidInput(err) {
			t.Fatalf("self conversation: expected invalid input, got %v", err)
		}
		if _, _, err := st.FindOrCreateConversation(ctx, "", "bob", time.Time{}); !IsInvalidInput(err) {
			t.Fatalf("blank participant: expected invalid input, got %v", err)
		}
	})

	t.Run("Append_OrderAndMonotonicTimestamps", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := mustDirect(t, st, "alice", "bob")

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		// The sender clock goes backwards on the third message.
		clock := []time.Time{base, base.Add(2 * time.Second), base.Add(1 * time.Second), base.Add(3 * time.Second)}
		for i, now := range clock {
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			res, err := st.AppendMessage(ctx, AppendInput{
				ConversationID: conv.ID,
				SenderID:       sender,
				ClientMsgID:    fmt.Sprintf("c-%d", i),
				Body:           Text{Content: fmt.Sprintf("m%d", i)},
				Now:            now,
			})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			if res.Message.Seq != int64(i+1) {
				t.Fatalf("append %d: seq=%d want %d", i, res.Message.Seq, i+1)
			}
		}

		page, err := st.GetHistory(ctx, HistoryQuery{ConversationID: conv.ID})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(page.Messages) != len(clock) || page.HasMore {
			t.Fatalf("history len=%d hasMore=%v", len(page.Messages), page.HasMore)
		}
		for i, m := range page.Messages {
			if got := m.Body.(Text).Content; got != fmt.Sprintf("m%d", i) {
				t.Fatalf("history[%d]=%q", i, got)
			}
			if i > 0 && m.ServerTS.Before(page.Messages[i-1].ServerTS) {
				t.Fatalf("server_ts decreased at %d: %v < %v", i, m.ServerTS, page.Messages[i-1].ServerTS)
			}
		}

		got, err := st.GetConversation(ctx, conv.ID)
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		if got.LastMessage == nil || got.LastMessage.Seq != int64(len(clock)) {
			t.Fatalf("last message=%+v", got.LastMessage)
		}
	})

	t.Run("Append_IdempotentPerClientMsgID", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := mustDirect(t, st, "alice", "bob")

		in := AppendInput{ConversationID: conv.ID, SenderID: "alice", ClientMsgID: "tok-1", Body: Text{Content: "hello"}}
		first, err := st.AppendMessage(ctx, in)
		if err != nil {
			t.Fatalf("first: %v", err)
		}
		if first.Duplicated {
			t.Fatalf("first: Duplicated=true")
		}
		second, err := st.AppendMessage(ctx, in)
		if err != nil {
			t.Fatalf("second: %v", err)
		}
		if !second.Duplicated {
			t.Fatalf("second: Duplicated=false")
		}
		if second.Message.ServerMsgID != first.Message.ServerMsgID || second.Message.Seq != first.Message.Seq {
			t.Fatalf("duplicate differs: %+v vs %+v", second.Message, first.Message)
		}

		next, err := st.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "bob", ClientMsgID: "tok-2", Body: Text{Content: "yo"}})
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if next.Message.Seq != 2 {
			t.Fatalf("duplicate consumed a seq: next seq=%d", next.Message.Seq)
		}
	})

	t.Run("Append_Errors", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := mustDirect(t, st, "alice", "bob")

		if _, err := st.AppendMessage(ctx, AppendInput{ConversationID: "missing", SenderID: "alice", Body: Text{Content: "x"}}); !IsNotFound(err) {
			t.Fatalf("unknown conversation: expected not found, got %v", err)
		}
		if _, err := st.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "mallory", Body: Text{Content: "x"}}); !IsForbidden(err) {
			t.Fatalf("outsider: expected forbidden, got %v", err)
		}
		if _, err := st.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "alice", Body: Text{Content: "  "}}); !IsInvalidInput(err) {
			t.Fatalf("blank text: expected invalid input, got %v", err)
		}
	})

	t.Run("Append_VariantsAndCallRoom", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := mustDirect(t, st, "bob", "alice")

		res, err := st.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "alice", Body: CallInvitation{IsVideo: true}})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		call, ok := res.Message.Body.(CallInvitation)
		if !ok || call.RoomID != "alice-bob" || !call.IsVideo {
			t.Fatalf("call body=%#v", res.Message.Body)
		}
		if res.Message.ClientMsgID == "" {
			t.Fatalf("expected generated client_msg_id")
		}

		if _, err := st.AppendMessage(ctx, AppendInput{
			ConversationID: conv.ID, SenderID: "bob",
			Body: Attachment{URL: "/uploads/chat/x.png", Name: "x.png", MIME: "image/png", Caption: "look"},
		}); err != nil {
			t.Fatalf("attachment: %v", err)
		}

		page, err := st.GetHistory(ctx, HistoryQuery{ConversationID: conv.ID})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(page.Messages) != 2 {
			t.Fatalf("history len=%d", len(page.Messages))
		}
		att, ok := page.Messages[1].Body.(Attachment)
		if !ok || att.MIME != "image/png" || att.Caption != "look" {
			t.Fatalf("attachment round trip=%#v", page.Messages[1].Body)
		}
	})

	t.Run("History_Paging", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := mustDirect(t, st, "alice", "bob")

		for i := 0; i < 5; i++ {
			if _, err := st.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "alice", Body: Text{Content: fmt.Sprintf("m%d", i)}}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		p1, err := st.GetHistory(ctx, HistoryQuery{ConversationID: conv.ID, Limit: 2})
		if err != nil {
			t.Fatalf("page 1: %v", err)
		}
		if len(p1.Messages) != 2 || !p1.HasMore || p1.Messages[0].Seq != 1 {
			t.Fatalf("page 1: len=%d hasMore=%v", len(p1.Messages), p1.HasMore)
		}

		after := p1.Messages[1].Seq
		p2, err := st.GetHistory(ctx, HistoryQuery{ConversationID: conv.ID, AfterSeq: &after, Limit: 10})
		if err != nil {
			t.Fatalf("page 2: %v", err)
		}
		if len(p2.Messages) != 3 || p2.HasMore || p2.Messages[0].Seq != 3 {
			t.Fatalf("page 2: len=%d hasMore=%v", len(p2.Messages), p2.HasMore)
		}

		if _, err := st.GetHistory(ctx, HistoryQuery{ConversationID: "missing"}); !IsNotFound(err) {
			t.Fatalf("unknown conversation: expected not found, got %v", err)
		}
	})

	t.Run("List_MostRecentFirst", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		withBob, _, err := st.FindOrCreateConversation(ctx, "alice", "bob", base)
		if err != nil {
			t.Fatalf("bob: %v", err)
		}
		withCarol, _, err := st.FindOrCreateConversation(ctx, "alice", "carol", base.Add(time.Second))
		if err != nil {
			t.Fatalf("carol: %v", err)
		}

		if _, err := st.AppendMessage(ctx, AppendInput{ConversationID: withBob.ID, SenderID: "bob", Body: Text{Content: "ping"}, Now: base.Add(time.Minute)}); err != nil {
			t.Fatalf("append: %v", err)
		}

		list, err := st.ListConversationsFor(ctx, "alice")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("list len=%d", len(list))
		}
		if list[0].ID != withBob.ID || list[1].ID != withCarol.ID {
			t.Fatalf("list order=[%s %s] want [%s %s]", list[0].ID, list[1].ID, withBob.ID, withCarol.ID)
		}
		if list[0].LastMessage == nil || list[0].LastMessage.Body.(Text).Content != "ping" {
			t.Fatalf("last message=%+v", list[0].LastMessage)
		}
		if list[1].LastMessage != nil {
			t.Fatalf("empty conversation has last message")
		}

		other, err := st.ListConversationsFor(ctx, "dave")
		if err != nil {
			t.Fatalf("list dave: %v", err)
		}
		if len(other) != 0 {
			t.Fatalf("dave sees %d conversations", len(other))
		}
	})

	t.Run("Group_CreateAndAppend", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)

		if _, err := st.CreateGroup(ctx, GroupInput{Name: "pair", AdminID: "alice", MemberIDs: []string{"bob"}}); !IsInvalidInput(err) {
			t.Fatalf("two-person group: expected invalid input, got %v", err)
		}

		g, err := st.CreateGroup(ctx, GroupInput{Name: " team ", AdminID: "alice", MemberIDs: []string{"carol", "bob", "bob"}})
		if err != nil {
			t.Fatalf("create group: %v", err)
		}
		if !g.IsGroup || g.Name != "team" || g.AdminID != "alice" {
			t.Fatalf("group=%+v", g)
		}
		if len(g.Participants) != 3 || !g.HasParticipant("alice") || !g.HasParticipant("carol") {
			t.Fatalf("participants=%v", g.Participants)
		}

		if _, err := st.AppendMessage(ctx, AppendInput{ConversationID: g.ID, SenderID: "carol", Body: Text{Content: "hi all"}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	})

	t.Run("MarkRead_Idempotent", func(t *testing.T) {
		st := newStore(t)
		ctx := testCtx(t)
		conv := mustDirect(t, st, "alice", "bob")

		res, err := st.AppendMessage(ctx, AppendInput{ConversationID: conv.ID, SenderID: "alice", Body: Text{Content: "read me"}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(res.Message.ReadBy) != 1 || res.Message.ReadBy[0] != "alice" {
			t.Fatalf("sender not in read set: %v", res.Message.ReadBy)
		}

		for i := 0; i < 2; i++ {
			if err := st.MarkRead(ctx, conv.ID, "bob"); err != nil {
				t.Fatalf("mark read %d: %v", i, err)
			}
		}

		page, err := st.GetHistory(ctx, HistoryQuery{ConversationID: conv.ID})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if got := page.Messages[0].ReadBy; len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
			t.Fatalf("read_by=%v", got)
		}

		if err := st.MarkRead(ctx, conv.ID, "mallory"); !IsForbidden(err) {
			t.Fatalf("outsider: expected forbidden, got %v", err)
		}
		if err := st.MarkRead(ctx, "missing", "bob"); !IsNotFound(err) {
			t.Fatalf("unknown conversation: expected not found, got %v", err)
		}
	})
}

func mustDirect(t *testing.T, st Store, a, b string) Conversation {
	t.Helper()

	conv, _, err := st.FindOrCreateConversation(testCtx(t), a, b, time.Now().UTC())
	if err != nil {
		t.Fatalf("find or create %s/%s: %v", a, b, err)
	}
	return conv
}

func testCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}
