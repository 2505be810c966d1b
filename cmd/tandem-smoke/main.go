// Package main is a CI-friendly end-to-end smoke test for a running tandem
// server.
//
// It validates:
//   - handshake, subprotocol selection and hello/ack
//   - opening the same direct conversation from both sides
//   - a send confirmed durably and delivered to the partner once
//   - a repeated durable send with the same client_msg_id is not duplicated
//   - the typing indicator reaching the partner
//
// Tokens are minted locally from TANDEM_PASETO_V4_SECRET_KEY_HEX, so the
// tool must share the server's signing key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"tandem/cmd/internal/app"
	"tandem/cmd/internal/auth/session"
	"tandem/cmd/internal/chatclient"
	v1 "tandem/shared/contracts/realtime/v1"
)

type smokeUser struct {
	id      string
	coord   *chatclient.Coordinator
	backend *chatclient.HTTPBackend
	ch      *chatclient.WSChannel
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the websocket handshake")
		userA   = flag.String("a", "smoke-alice", "First user id")
		userB   = flag.String("b", "smoke-bob", "Second user id")
		text    = flag.String("text", "hello tandem 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := app.LoadDotEnv(os.Getenv("TANDEM_ENV_FILE")); err != nil {
		fatalf("load env file: %v", err)
	}
	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := app.NewLogger(os.Stderr, level.String(), "pretty")

	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		fatalf("auth config: %v (is TANDEM_PASETO_V4_SECRET_KEY_HEX set?)", err)
	}
	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		fatalf("token manager: %v", err)
	}

	root := context.Background()
	base := strings.TrimRight(*baseURL, "/")

	a := mustConnect(root, log, tokens, base, *origin, *userA, *timeout)
	defer func() { _ = a.ch.Close() }()
	b := mustConnect(root, log, tokens, base, *origin, *userB, *timeout)
	defer func() { _ = b.ch.Close() }()

	mustSelect(root, a, b.id, *timeout)
	mustSelect(root, b, a.id, *timeout)
	convA, convB := a.coord.Snapshot().Conversation, b.coord.Snapshot().Conversation
	if convA == nil || convB == nil || convA.ID != convB.ID {
		fatalf("users opened different conversations")
	}
	if *verbose {
		fmt.Printf("connected: %s and %s in %s\n", a.id, b.id, convA.ID)
	}

	ctx, cancel := context.WithTimeout(root, *timeout)
	token, err := a.coord.Send(ctx, chatclient.OutgoingMessage{Text: *text})
	cancel()
	if err != nil {
		fatalf("send: %v", err)
	}
	if e, ok := findEntry(a.coord.Snapshot(), token); !ok || e.Status != chatclient.StatusSent {
		fatalf("sender entry not confirmed: %+v", e)
	}
	mustEventually(*timeout, "partner receives message", func() bool {
		return countToken(b.coord.Snapshot(), token) == 1
	})

	ctx, cancel = context.WithTimeout(root, *timeout)
	dup, err := a.backend.SendMessage(ctx, convA.ID, v1.SendMessageRequest{ClientMsgID: token, Text: *text})
	cancel()
	if err != nil {
		fatalf("repeat send: %v", err)
	}
	e, _ := findEntry(a.coord.Snapshot(), token)
	if dup.ServerMsgID != e.Message.ServerMsgID || dup.Seq != e.Message.Seq {
		fatalf("dedupe: repeat stored a new message: first=%s/%d second=%s/%d",
			e.Message.ServerMsgID, e.Message.Seq, dup.ServerMsgID, dup.Seq)
	}

	ctx, cancel = context.WithTimeout(root, *timeout)
	err = b.coord.Resync(ctx)
	cancel()
	if err != nil {
		fatalf("resync: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if n := countToken(b.coord.Snapshot(), token); n != 1 {
		fatalf("dedupe: partner sees the message %d times", n)
	}

	b.coord.Keystroke()
	mustEventually(*timeout, "typing indicator", func() bool {
		for _, u := range a.coord.Snapshot().TypingUsers {
			if u == b.id {
				return true
			}
		}
		return false
	})

	fmt.Printf("OK: conv_id=%s client_msg_id=%s server_msg_id=%s seq=%d\n",
		convA.ID, token, e.Message.ServerMsgID, e.Message.Seq)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func wsURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

func mustConnect(parent context.Context, log *slog.Logger, tokens session.AccessTokenManager, base, origin, userID string, stepTimeout time.Duration) *smokeUser {
	tok, _, err := tokens.Issue(userID, "smoke-"+userID, time.Now().UTC())
	if err != nil {
		fatalf("issue token for %s: %v", userID, err)
	}

	u := &smokeUser{id: userID, backend: chatclient.NewHTTPBackend(base+"/api/chat", tok, nil)}
	u.coord = chatclient.NewCoordinator(log.With("user_id", userID), userID, u.backend)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u.ch, err = chatclient.DialWS(ctx, log, wsURLFor(base), chatclient.DialOptions{Token: tok, Origin: origin}, u.coord.HandleEvent)
	if err != nil {
		fatalf("connect %s: %v", userID, err)
	}
	u.coord.SetChannel(u.ch)

	if err := u.ch.Hello(ctx); err != nil {
		fatalf("hello %s: %v", userID, err)
	}
	mustEventually(stepTimeout, "hello_ack for "+userID, func() bool {
		for _, id := range u.coord.Snapshot().OnlineUsers {
			if id == userID {
				return true
			}
		}
		return false
	})
	return u
}

func mustSelect(parent context.Context, u *smokeUser, partnerID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := u.coord.Select(ctx, partnerID); err != nil {
		fatalf("%s select %s: %v", u.id, partnerID, err)
	}
}

func findEntry(s chatclient.Snapshot, token string) (chatclient.Entry, bool) {
	for _, e := range s.Messages {
		if e.Message.ClientMsgID == token {
			return e, true
		}
	}
	return chatclient.Entry{}, false
}

func countToken(s chatclient.Snapshot, token string) int {
	n := 0
	for _, e := range s.Messages {
		if e.Message.ClientMsgID == token {
			n++
		}
	}
	return n
}

func mustEventually(timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	fatalf("timed out waiting for %s", what)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
