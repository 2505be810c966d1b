package realtime

import (
	"sync"

	v1 "tandem/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server; done signals the connection goroutines
// to stop. Close and Kick are idempotent.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	kickReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// ConnID identifies the connection in the presence registry.
func (c *Client) ConnID() string { return c.SessionID }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Deliver queues env without blocking. It reports false when the queue is
// full or the client is shutting down.
func (c *Client) Deliver(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Kick closes the client and records why. The connection's writer closes the
// socket with a policy-violation status carrying reason.
func (c *Client) Kick(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.kickReason == "" {
		c.kickReason = reason
	}
	c.mu.Unlock()
	c.Close()
}

// KickReason returns the reason passed to Kick, if any.
func (c *Client) KickReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kickReason
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
