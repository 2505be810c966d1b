package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is the coordinator's position in the chat UI lifecycle.
type State int

const (
	StateNoConversationSelected State = iota
	StateHistoryLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateHistoryLoading:
		return "history_loading"
	case StateReady:
		return "ready"
	default:
		return "no_conversation_selected"
	}
}

var (
	// ErrSuperseded is returned by Select when a newer selection finished first.
	ErrSuperseded = errors.New("chatclient: selection superseded")
	// ErrNoConversation is returned by Send before a conversation is ready.
	ErrNoConversation = errors.New("chatclient: no conversation selected")
	// ErrNotRetryable is returned by Retry for unknown or non-failed messages.
	ErrNotRetryable = errors.New("chatclient: message is not retryable")
)

// Backend is the durable side of the chat: the REST API.
type Backend interface {
	OpenConversation(ctx context.Context, partnerID string) (v1.Conversation, error)
	History(ctx context.Context, conversationID string, afterSeq *int64, limit int) (v1.ConversationHistoryChunkPayload, error)
	SendMessage(ctx context.Context, conversationID string, req v1.SendMessageRequest) (v1.Message, error)
}

// Channel is the realtime side. WSChannel implements it.
type Channel interface {
	Send(ctx context.Context, typ string, payload any) error
}

// OutgoingMessage is what the user composed. Kind defaults to text.
type OutgoingMessage struct {
	Kind       string
	Text       string
	Attachment *v1.Attachment
	Call       *v1.CallInvitation
}

// Snapshot is a consistent copy of everything the UI renders.
type Snapshot struct {
	State        State
	Conversation *v1.Conversation
	Messages     []Entry
	TypingUsers  []string
	OnlineUsers  []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOnChange registers the UI callback. It runs outside the coordinator's
// lock, possibly from the channel's reader goroutine.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

// WithTypingTimeout overrides DefaultTypingTimeout for both directions.
func WithTypingTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.typingTimeout = d }
}

// WithClock overrides time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTokenSource overrides idempotency token generation.
func WithTokenSource(fn func() string) Option {
	return func(c *Coordinator) { c.newToken = fn }
}

type pendingSend struct {
	conversationID string
	receiverID     string
	req            v1.SendMessageRequest
}

// Coordinator drives one chat UI: conversation selection, sending and
// inbound realtime events.
type Coordinator struct {
	log     *slog.Logger
	selfID  string
	backend Backend

	rec      *Reconciler
	typing   *TypingIndicator
	throttle *TypingThrottle

	typingTimeout time.Duration
	now           func() time.Time
	newToken      func() string
	onChange      func(Snapshot)

	mu       sync.Mutex
	channel  Channel
	state    State
	conv     *v1.Conversation
	selectID uint64
	online   []string
	sends    map[string]pendingSend

	// Messages pushed while history is loading, merged once it lands.
	early []v1.Message
}

const maxEarlyMessages = 256

// NewCoordinator returns a coordinator for selfID. Attach the realtime side
// with SetChannel once it is dialed with HandleEvent as its handler.
func NewCoordinator(log *slog.Logger, selfID string, backend Backend, opts ...Option) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		log:      log,
		selfID:   selfID,
		backend:  backend,
		rec:      NewReconciler(),
		now:      time.Now,
		newToken: func() string { return uuid.NewString() },
		sends:    make(map[string]pendingSend),
	}
	for _, o := range opts {
		o(c)
	}
	c.typing = NewTypingIndicator(c.typingTimeout, func([]string) { c.notify() })
	c.throttle = NewTypingThrottle(c.typingTimeout, c.emitTyping)
	return c
}

// SetChannel attaches (or replaces, after a reconnect) the realtime channel.
func (c *Coordinator) SetChannel(ch Channel) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

// Select opens the direct conversation with partnerID.
func (c *Coordinator) Select(ctx context.Context, partnerID string) error {
	gen, prev := c.beginSelect()

	conv, err := c.backend.OpenConversation(ctx, partnerID)
	if err != nil {
		c.abortSelect(gen, prev)
		return err
	}
	return c.load(ctx, gen, prev, conv)
}

// Show opens a conversation the caller already has, such as a group.
func (c *Coordinator) Show(ctx context.Context, conv v1.Conversation) error {
	gen, prev := c.beginSelect()
	return c.load(ctx, gen, prev, conv)
}

func (c *Coordinator) beginSelect() (uint64, *v1.Conversation) {
	c.mu.Lock()
	c.selectID++
	gen := c.selectID
	prev := c.conv
	c.state = StateHistoryLoading
	c.early = nil
	ch := c.channel
	c.mu.Unlock()

	c.throttle.Stop()
	c.typing.Reset()
	if prev != nil && ch != nil {
		if err := ch.Send(context.Background(), v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: prev.ID}); err != nil {
			c.log.Warn("chatclient.leave.fail", "conversation_id", prev.ID, "err", err)
		}
	}
	c.notify()
	return gen, prev
}

func (c *Coordinator) abortSelect(gen uint64, prev *v1.Conversation) {
	c.mu.Lock()
	if gen != c.selectID {
		c.mu.Unlock()
		return
	}
	c.conv = nil
	c.state = StateNoConversationSelected
	c.early = nil
	c.mu.Unlock()

	if prev != nil {
		c.rec.OnHistoryLoaded("", nil)
	}
	c.notify()
}

func (c *Coordinator) load(ctx context.Context, gen uint64, prev *v1.Conversation, conv v1.Conversation) error {
	page, err := c.backend.History(ctx, conv.ID, nil, 0)
	if err != nil {
		c.abortSelect(gen, prev)
		return err
	}

	c.mu.Lock()
	if gen != c.selectID {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.conv = &conv
	c.rec.OnHistoryLoaded(conv.ID, page.Messages)
	for _, m := range c.early {
		c.rec.OnMessageEvent(m)
	}
	c.early = nil
	c.state = StateReady
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Send(ctx, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conv.ID}); err != nil {
			c.log.Warn("chatclient.join.fail", "conversation_id", conv.ID, "err", err)
		}
	}
	c.notify()
	return nil
}

// Send appends a message durably and publishes it on the socket. It returns
// the idempotency token identifying the view entry, and the durable error.
func (c *Coordinator) Send(ctx context.Context, out OutgoingMessage) (string, error) {
	kind := out.Kind
	if kind == "" {
		kind = v1.KindText
	}

	c.mu.Lock()
	if c.state != StateReady || c.conv == nil {
		c.mu.Unlock()
		return "", ErrNoConversation
	}
	conv := *c.conv
	token := c.newToken()
	ps := pendingSend{
		conversationID: conv.ID,
		receiverID:     c.receiverLocked(conv),
		req: v1.SendMessageRequest{
			ClientMsgID: token,
			Kind:        kind,
			Text:        out.Text,
			Attachment:  out.Attachment,
			Call:        out.Call,
		},
	}
	c.sends[token] = ps
	c.rec.AddPending(v1.Message{
		ConversationID: conv.ID,
		ClientMsgID:    token,
		SenderID:       c.selfID,
		Kind:           kind,
		Text:           out.Text,
		Attachment:     out.Attachment,
		Call:           out.Call,
		ServerTS:       c.now().UTC(),
	})
	c.mu.Unlock()

	c.throttle.Stop()
	c.notify()
	return token, c.dispatch(ctx, token, ps)
}

// Retry re-sends a failed message under its original token.
func (c *Coordinator) Retry(ctx context.Context, token string) error {
	c.mu.Lock()
	ps, ok := c.sends[token]
	e, inView := c.rec.Entry(token)
	if !ok || !inView || e.Status != StatusFailed {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	c.rec.SetStatus(token, StatusPending)
	c.mu.Unlock()

	c.notify()
	return c.dispatch(ctx, token, ps)
}

func (c *Coordinator) dispatch(ctx context.Context, token string, ps pendingSend) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	var (
		g      errgroup.Group
		stored v1.Message
	)
	g.Go(func() error {
		m, err := c.backend.SendMessage(ctx, ps.conversationID, ps.req)
		if err != nil {
			return err
		}
		stored = m
		return nil
	})
	if ch != nil {
		g.Go(func() error {
			err := ch.Send(ctx, v1.TypeMessageSend, v1.MessageSendPayload{
				ConversationID: ps.conversationID,
				ReceiverID:     ps.receiverID,
				ClientMsgID:    ps.req.ClientMsgID,
				Kind:           ps.req.Kind,
				Text:           ps.req.Text,
				Attachment:     ps.req.Attachment,
				Call:           ps.req.Call,
			})
			if err != nil {
				c.log.Debug("chatclient.publish.fail", "client_msg_id", token, "err", err)
			}
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	if err != nil {
		c.rec.SetStatus(token, StatusFailed)
	} else {
		c.rec.OnMessageEvent(stored)
		c.rec.SetStatus(token, StatusSent)
		delete(c.sends, token)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("chatclient.send.fail", "conversation_id", ps.conversationID, "client_msg_id", token, "err", err)
	}
	c.notify()
	return err
}

// Keystroke reports local typing in the current conversation.
func (c *Coordinator) Keystroke() {
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if ready {
		c.throttle.Keystroke()
	}
}

func (c *Coordinator) emitTyping(isTyping bool) {
	c.mu.Lock()
	ch := c.channel
	var convID string
	if c.conv != nil {
		convID = c.conv.ID
	}
	c.mu.Unlock()
	if ch == nil || convID == "" {
		return
	}
	if err := ch.Send(context.Background(), v1.TypeTyping, v1.TypingPayload{ConversationID: convID, IsTyping: isTyping}); err != nil {
		c.log.Debug("chatclient.typing.fail", "err", err)
	}
}

// HandleEvent consumes one inbound realtime event. Pass it as the
// WSChannel's EventHandler.
func (c *Coordinator) HandleEvent(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageNew, v1.TypeMessageAck:
		var m v1.Message
		if err := env.Decode(&m); err != nil {
			c.log.Warn("chatclient.event.decode.fail", "type", env.Type, "err", err)
			return
		}
		c.mu.Lock()
		if c.state == StateHistoryLoading {
			if len(c.early) < maxEarlyMessages {
				c.early = append(c.early, m)
			} else {
				c.log.Warn("chatclient.event.early.overflow", "conversation_id", m.ConversationID)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if c.rec.OnMessageEvent(m) {
			c.notify()
		}

	case v1.TypeUserTyping:
		var p v1.UserTypingPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if p.UserID == c.selfID || p.ConversationID != c.rec.ConversationID() {
			return
		}
		c.typing.Observe(p.UserID, p.IsTyping)

	case v1.TypeHelloAck:
		var p v1.HelloAckPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.setOnline(p.OnlineUserIDs)

	case v1.TypePresenceOnline:
		var p v1.PresenceOnlinePayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.setOnline(p.UserIDs)

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = env.Decode(&p)
		c.log.Debug("chatclient.event.error", "code", p.Code, "message", p.Message, "ref_id", p.RefID)
	}
}

// Resync merges everything stored after the newest message in view. Call it
// after a reconnect; the socket does not replay missed events.
func (c *Coordinator) Resync(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReady || c.conv == nil {
		c.mu.Unlock()
		return nil
	}
	convID := c.conv.ID
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Send(ctx, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: convID}); err != nil {
			c.log.Warn("chatclient.join.fail", "conversation_id", convID, "err", err)
		}
	}

	after := c.rec.LastSeq()
	page, err := c.backend.History(ctx, convID, &after, 0)
	if err != nil {
		return err
	}
	changed := false
	for _, m := range page.Messages {
		if c.rec.OnMessageEvent(m) {
			changed = true
		}
	}
	if changed {
		c.notify()
	}
	return nil
}

// Snapshot returns the current UI state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:       c.state,
		Messages:    c.rec.Messages(),
		TypingUsers: c.typing.Users(),
		OnlineUsers: append([]string(nil), c.online...),
	}
	if c.conv != nil {
		conv := *c.conv
		s.Conversation = &conv
	}
	if s.State != StateReady {
		s.Messages = nil
	}
	return s
}

func (c *Coordinator) setOnline(ids []string) {
	c.mu.Lock()
	c.online = append([]string(nil), ids...)
	c.mu.Unlock()
	c.notify()
}

// receiverLocked picks the partner of a direct conversation. Groups have none.
func (c *Coordinator) receiverLocked(conv v1.Conversation) string {
	if conv.IsGroup {
		return ""
	}
	for _, p := range conv.Participants {
		if p.UserID != c.selfID {
			return p.UserID
		}
	}
	return ""
}

func (c *Coordinator) notify() {
	if c.onChange != nil {
		c.onChange(c.Snapshot())
	}
}
