package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"tandem/cmd/internal/ids"
	v1 "tandem/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes     = 1 << 20 // 1MiB
	writeTimeout     = 5 * time.Second
	defaultCloseText = "bye"
)

// ErrChannelClosed is returned by Send after the connection ended.
var ErrChannelClosed = errors.New("chatclient: channel closed")

// EventHandler receives every inbound envelope, in arrival order, from the
// channel's single reader goroutine.
type EventHandler func(v1.Envelope)

// DialOptions configures DialWS.
type DialOptions struct {
	// Token is sent as a bearer Authorization header.
	Token string
	// Origin is sent when non-empty.
	Origin string
	// HTTPClient is used for the handshake when non-nil.
	HTTPClient *http.Client
}

// WSChannel is a realtime connection to the tandem gateway.
type WSChannel struct {
	log     *slog.Logger
	conn    *websocket.Conn
	handler EventHandler

	writeMu sync.Mutex

	done    chan struct{}
	errMu   sync.Mutex
	err     error
	closeMu sync.Once
}

// DialWS connects to wsURL and starts reading. handler must not block for
// long: the next event is read only after it returns.
func DialWS(ctx context.Context, log *slog.Logger, wsURL string, opts DialOptions, handler EventHandler) (*WSChannel, error) {
	if log == nil {
		log = slog.Default()
	}
	if handler == nil {
		handler = func(v1.Envelope) {}
	}

	h := http.Header{}
	if tok := strings.TrimSpace(opts.Token); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	if o := strings.TrimSpace(opts.Origin); o != "" {
		h.Set("Origin", o)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
		HTTPClient:   opts.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chatclient: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("chatclient: dial: %w", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return nil, fmt.Errorf("chatclient: subprotocol mismatch: %q", got)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &WSChannel{
		log:     log,
		conn:    conn,
		handler: handler,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes one envelope of type typ. Writes are serialized.
func (c *WSChannel) Send(ctx context.Context, typ string, payload any) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	now := time.Now()
	env, err := v1.NewEnvelope(typ, ids.MustULID(now), now, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

// Hello registers the connection's user as online.
func (c *WSChannel) Hello(ctx context.Context) error {
	return c.Send(ctx, v1.TypeHello, v1.HelloPayload{})
}

// Done is closed when the connection ends.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *WSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close ends the connection normally.
func (c *WSChannel) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, defaultCloseText)
	c.finish(ErrChannelClosed)
	return err
}

func (c *WSChannel) readLoop() {
	for {
		mt, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.finish(err)
			return
		}
		if mt != websocket.MessageText {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("chatclient.event.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.log.Warn("chatclient.event.bad_envelope", "err", err)
			continue
		}
		c.handler(env)
	}
}

func (c *WSChannel) finish(err error) {
	c.closeMu.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}
