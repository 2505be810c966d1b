package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"tandem/cmd/internal/auth/session"
	"tandem/cmd/internal/chat"
	"tandem/cmd/internal/ids"
	"tandem/cmd/internal/presence"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Deps are the collaborators of a WSGateway.
type Deps struct {
	// Auth verifies the bearer credential presented at the handshake. A nil
	// Auth rejects every connection.
	Auth     session.Validator
	Store    chat.Store
	Presence *presence.Registry[*Client]
	Hub      *Hub
	Metrics  *Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// WSGateway is the websocket entrypoint for tandem realtime.
//
// It authenticates the handshake, enforces origin policy, subprotocol
// selection, rate limits and heartbeats, and routes validated envelopes to
// the chat store, the room hub and the presence registry.
type WSGateway struct {
	log      *slog.Logger
	cfg      GatewayConfig
	auth     session.Validator
	store    chat.Store
	presence *presence.Registry[*Client]
	hub      *Hub
	metrics  *Metrics
	now      func() time.Time

	// Accept authorizes same-host origins by default; cross-origin requests
	// need OriginPatterns derived from the allowlist.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Missing store, hub, registry and metrics
// fall back to in-memory instances for dev.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, d Deps) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if d.Store == nil {
		d.Store = chat.NewInMemoryStore()
	}
	if d.Hub == nil {
		d.Hub = NewHub(log)
	}
	if d.Presence == nil {
		d.Presence = presence.NewRegistry[*Client]()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Auth == nil {
		log.Warn("ws.auth.missing", "effect", "all handshakes rejected")
	}

	cfg = cfg.normalized()
	g := &WSGateway{
		log:            log,
		cfg:            cfg,
		auth:           d.Auth,
		store:          d.Store,
		presence:       d.Presence,
		hub:            d.Hub,
		metrics:        d.Metrics,
		now:            d.Now,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
	g.presence.OnChange(g.broadcastPresence)
	return g
}

// Presence returns the registry the gateway registers connections in.
func (g *WSGateway) Presence() *presence.Registry[*Client] { return g.presence }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// connState is per-connection state owned by the read loop.
type connState struct {
	client *Client
	typing map[string]typingMark
}

type typingMark struct {
	at       time.Time
	isTyping bool
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.rejected.WithLabelValues("origin").Inc()
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.authenticate(r)
	if err != nil {
		if session.IsAuthError(err) {
			g.metrics.rejected.WithLabelValues("unauthorized").Inc()
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		g.metrics.rejected.WithLabelValues("auth_unavailable").Inc()
		g.log.Error("ws.auth.fail", "err", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.rejected.WithLabelValues("subprotocol").Inc()
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := ids.MustULID(g.now())
	client := NewClient(claims.UserID, sessionID, g.cfg.SendQueueSize)
	st := &connState{client: client, typing: make(map[string]typingMark)}
	log := g.log.With("session_id", sessionID, "user_id", claims.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.metrics.connections.Inc()
	defer g.metrics.connections.Dec()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: rooms and the
	// presence registry drop the client before it is closed.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(client)
			g.presence.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.session.end", "reason", reason)
		})
	}

	g.register(client)
	log.Info("ws.session.start", "remote", r.RemoteAddr)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				if reason := client.KickReason(); reason != "" {
					shutdown(websocket.StatusPolicyViolation, reason)
				}
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				if !rl.Allow(g.now().UTC()) {
					g.sendError(client, v1.CodeRateLimited, "too many events", "")
					shutdown(websocket.StatusPolicyViolation, "rate limited")
					break readLoop
				}
				g.sendError(client, v1.CodeBadEnvelope, "invalid JSON", "")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, v1.CodeRateLimited, "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, v1.CodeBadEnvelope, err.Error(), env.ID)
			continue readLoop
		}
		g.metrics.events.WithLabelValues(env.Type).Inc()

		if err := g.dispatch(ctx, st, env, now); err != nil {
			code, msg := g.classify(log, env.Type, err)
			g.sendError(client, code, msg, env.ID)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(r *http.Request) (session.AccessClaims, error) {
	tok := session.TokenFromRequest(r)
	if tok == "" {
		return session.AccessClaims{}, session.ErrMissingToken
	}
	if g.auth == nil {
		return session.AccessClaims{}, session.ErrInvalidToken
	}
	return g.auth.ValidateAccessToken(r.Context(), tok, g.now().UTC())
}

// register makes client the user's live connection and closes the one it replaces.
func (g *WSGateway) register(client *Client) {
	prev, replaced := g.presence.Register(client.UserID, client)
	if replaced {
		g.metrics.replaced.Inc()
		g.log.Info("ws.session.replaced", "user_id", client.UserID, "old_session_id", prev.SessionID, "new_session_id", client.SessionID)
		prev.Kick("session replaced")
	}
}

func (g *WSGateway) dispatch(ctx context.Context, st *connState, env v1.Envelope, now time.Time) error {
	switch env.Type {
	case v1.TypeHello:
		return g.onHello(st.client, env, now)
	case v1.TypeConversationJoin:
		return g.onJoin(ctx, st.client, env, now)
	case v1.TypeConversationLeave:
		return g.onLeave(st, env, now)
	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, st.client, env, now)
	case v1.TypeTyping:
		return g.onTyping(st, env, now)
	case v1.TypeConversationHistoryFetch:
		return g.onHistoryFetch(ctx, st.client, env, now)
	default:
		return eventErr(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(client *Client, env v1.Envelope, now time.Time) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			return badPayload(err)
		}
	}
	if uid := strings.TrimSpace(p.UserID); uid != "" && uid != client.UserID {
		return eventErr(v1.CodeForbidden, "user_id does not match credentials")
	}

	select {
	case <-client.Done():
		return nil
	default:
	}

	// Saying hello again is a no-op for the live connection. A connection
	// that lost its user to a newer one stays out and is being kicked.
	if !g.presence.Claim(client.UserID, client) {
		g.log.Debug("ws.hello.superseded", "user_id", client.UserID, "session_id", client.SessionID)
		return nil
	}

	ack := newEnvelope(v1.TypeHelloAck, now, v1.HelloAckPayload{
		SessionID:     client.SessionID,
		UserID:        client.UserID,
		OnlineUserIDs: g.presence.OnlineUserIDs(),
	})
	if !client.Deliver(ack) {
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.ConversationJoinPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}

	conv, err := g.participantConversation(ctx, p.ConversationID, client.UserID)
	if err != nil {
		return err
	}

	g.hub.Join(conv.ID, client)
	echo := newEnvelope(v1.TypeConversationJoin, now, v1.ConversationJoinPayload{ConversationID: conv.ID})
	if !client.Deliver(echo) {
		g.hub.Leave(conv.ID, client)
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onLeave(st *connState, env v1.Envelope, now time.Time) error {
	var p v1.ConversationLeavePayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return eventErr(v1.CodeInvalidInput, "missing conversation_id")
	}

	g.hub.Leave(convID, st.client)
	delete(st.typing, convID)
	if !st.client.Deliver(newEnvelope(v1.TypeConversationLeave, now, v1.ConversationLeavePayload{ConversationID: convID})) {
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}

	conv, err := g.participantConversation(ctx, p.ConversationID, client.UserID)
	if err != nil {
		return err
	}
	if rid := strings.TrimSpace(p.ReceiverID); rid != "" && (rid == client.UserID || !conv.HasParticipant(rid)) {
		return eventErr(v1.CodeInvalidInput, "receiver_id is not another participant")
	}

	body, err := chat.BodyFromWire(p.Kind, p.Text, p.Attachment, p.Call)
	if err != nil {
		return err
	}

	res, err := g.store.AppendMessage(ctx, chat.AppendInput{
		ConversationID: conv.ID,
		SenderID:       client.UserID,
		ClientMsgID:    p.ClientMsgID,
		Body:           body,
		Now:            now,
	})
	if err != nil {
		return err
	}

	msg := chat.WireMessage(res.Message)
	if !client.Deliver(newEnvelope(v1.TypeMessageAck, now, msg)) {
		g.log.Info("ws.ack.dropped", "session_id", client.SessionID, "conversation_id", conv.ID, "seq", msg.Seq)
	}

	// Whichever path stored the message first (socket or REST) delivers it.
	if res.Duplicated {
		return nil
	}
	g.deliver(conv, client.UserID, newEnvelope(v1.TypeMessageNew, now, msg))
	return nil
}

// deliver forwards env to the live connection of every participant except
// the sender. Offline recipients are not an error: they catch up from history.
func (g *WSGateway) deliver(conv chat.Conversation, senderID string, env v1.Envelope) {
	for _, uid := range conv.Others(senderID) {
		c, ok := g.presence.Lookup(uid)
		if !ok {
			g.metrics.deliveries.WithLabelValues(deliveryOffline).Inc()
			g.log.Debug("ws.deliver.offline", "conversation_id", conv.ID, "recipient_id", uid)
			continue
		}
		if !c.Deliver(env) {
			g.metrics.deliveries.WithLabelValues(deliveryDropped).Inc()
			g.log.Info("ws.deliver.dropped", "conversation_id", conv.ID, "recipient_id", uid, "session_id", c.SessionID)
			continue
		}
		g.metrics.deliveries.WithLabelValues(deliveryDelivered).Inc()
	}
}

// DeliverMessage forwards a message stored outside the socket (REST) to the
// live connections of the other participants.
func (g *WSGateway) DeliverMessage(conv chat.Conversation, m chat.Message) {
	now := g.now().UTC()
	g.deliver(conv, m.SenderID, newEnvelope(v1.TypeMessageNew, now, chat.WireMessage(m)))
}

func (g *WSGateway) onTyping(st *connState, env v1.Envelope, now time.Time) error {
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return eventErr(v1.CodeInvalidInput, "missing conversation_id")
	}
	if !g.hub.InRoom(convID, st.client) {
		return eventErr(v1.CodeNotJoined, "join the conversation first")
	}

	// Repeated "still typing" signals are thinned; state changes always pass.
	last, seen := st.typing[convID]
	if seen && last.isTyping == p.IsTyping && p.IsTyping && now.Sub(last.at) < typingRelayEvery {
		return nil
	}
	st.typing[convID] = typingMark{at: now, isTyping: p.IsTyping}

	g.hub.Broadcast(convID, newEnvelope(v1.TypeUserTyping, now, v1.UserTypingPayload{
		ConversationID: convID,
		UserID:         st.client.UserID,
		IsTyping:       p.IsTyping,
	}), st.client.SessionID)
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.ConversationHistoryFetchPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}

	conv, err := g.participantConversation(ctx, p.ConversationID, client.UserID)
	if err != nil {
		return err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = wsDefaultHistoryLimit
	}
	if limit > wsMaxHistoryLimit {
		limit = wsMaxHistoryLimit
	}

	page, err := g.store.GetHistory(ctx, chat.HistoryQuery{
		ConversationID: conv.ID,
		AfterSeq:       p.AfterSeq,
		Limit:          limit,
	})
	if err != nil {
		return err
	}

	chunk := newEnvelope(v1.TypeConversationHistoryChunk, now, v1.ConversationHistoryChunkPayload{
		ConversationID: conv.ID,
		Messages:       chat.WireMessages(page.Messages),
		HasMore:        page.HasMore,
	})
	if !client.Deliver(chunk) {
		return errBackpressure
	}
	return nil
}

func (g *WSGateway) participantConversation(ctx context.Context, conversationID, userID string) (chat.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return chat.Conversation{}, eventErr(v1.CodeInvalidInput, "missing conversation_id")
	}
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return chat.Conversation{}, eventErr(v1.CodeForbidden, "not a participant")
	}
	return conv, nil
}

// broadcastPresence pushes the full online set to every live connection.
func (g *WSGateway) broadcastPresence(online []string) {
	g.metrics.onlineUsers.Set(float64(len(online)))

	env := newEnvelope(v1.TypePresenceOnline, g.now().UTC(), v1.PresenceOnlinePayload{UserIDs: online})
	g.presence.Each(func(_ string, c *Client) {
		_ = c.Deliver(env)
	})
}

// ---- errors ----

type eventError struct {
	code string
	msg  string
}

func (e *eventError) Error() string { return e.code + ": " + e.msg }

func eventErr(code, msg string) error { return &eventError{code: code, msg: msg} }

func badPayload(err error) error { return eventErr(v1.CodeBadPayload, err.Error()) }

var errBackpressure = eventErr(v1.CodeInternal, "send queue full")

// classify maps a handler error to a wire error code and message. Unexpected
// errors are logged and reported as internal without details.
func (g *WSGateway) classify(log *slog.Logger, typ string, err error) (code, msg string) {
	var ee *eventError
	switch {
	case errors.As(err, &ee):
		return ee.code, ee.msg
	case chat.IsInvalidInput(err):
		return v1.CodeInvalidInput, err.Error()
	case chat.IsNotFound(err):
		return v1.CodeNotFound, err.Error()
	case chat.IsForbidden(err):
		return v1.CodeForbidden, err.Error()
	default:
		log.Error("ws.event.fail", "type", typ, "err", err)
		return v1.CodeInternal, "internal error"
	}
}

func (g *WSGateway) sendError(client *Client, code, msg, refID string) {
	_ = client.Deliver(newEnvelope(v1.TypeError, g.now().UTC(), v1.ErrorPayload{Code: code, Message: msg, RefID: refID}))
}

// ---- envelope IO ----

func newEnvelope(typ string, now time.Time, payload any) v1.Envelope {
	env, _ := v1.NewEnvelope(typ, ids.MustULID(now), now, payload)
	return env
}

var errBadJSON = errors.New("invalid json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}
