// Package v1 defines the tandem realtime protocol v1 contract.
//
// The package is shared between the server and Go clients so the wire format
// has a single authoritative definition. It depends on the standard library
// only.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "tandem.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello registers the connection's user as online (client -> server).
	// Clients send it after every connect and reconnect.
	TypeHello = "hello"
	// TypeHelloAck acknowledges registration (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes the connection to a conversation room and is echoed back.
	TypeConversationJoin = "conversation_join"
	// TypeConversationLeave unsubscribes from a room and is echoed back.
	TypeConversationLeave = "conversation_leave"

	// TypeMessageSend publishes a message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck returns the stored copy of a published message to its sender.
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers a message to a participant's live connection.
	TypeMessageNew = "message_new"

	// TypeTyping reports local typing activity (client -> server).
	TypeTyping = "typing"
	// TypeUserTyping relays typing activity to the room (server -> client).
	TypeUserTyping = "user_typing"

	// TypePresenceOnline carries the full online user set after any change.
	TypePresenceOnline = "presence_online"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadEnvelope  = "bad_envelope"
	CodeBadPayload   = "bad_payload"
	CodeUnsupported  = "unsupported_type"
	CodeRateLimited  = "rate_limited"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeNotJoined    = "not_joined"
	CodeInvalidInput = "invalid_input"
	CodeInternal     = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether t is part of the v1 vocabulary (either direction).
func KnownType(t string) bool {
	switch t {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeTyping,
		TypeUserTyping,
		TypePresenceOnline,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeError:
		return true
	default:
		return false
	}
}

// NewEnvelope marshals payload into a v1 envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}
