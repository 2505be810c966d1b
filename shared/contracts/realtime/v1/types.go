package v1

import "time"

// Message kinds.
const (
	KindText       = "text"
	KindAttachment = "attachment"
	KindCall       = "call"
)

// Attachment references an uploaded file.
type Attachment struct {
	URL     string `json:"url"`
	Name    string `json:"name,omitempty"`
	MIME    string `json:"mime,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// CallInvitation asks the other participants to join a call room.
type CallInvitation struct {
	RoomID  string `json:"room_id"`
	IsVideo bool   `json:"is_video"`
}

// Message is the wire shape of a stored message, shared by REST responses and
// socket events (message_new, message_ack, history chunks).
//
// Exactly one of Text, Attachment or Call is meaningful, selected by Kind.
type Message struct {
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	ServerMsgID    string          `json:"server_msg_id,omitempty"`
	ClientMsgID    string          `json:"client_msg_id,omitempty"`
	SenderID       string          `json:"sender_id"`
	Kind           string          `json:"kind"`
	Text           string          `json:"text,omitempty"`
	Attachment     *Attachment     `json:"attachment,omitempty"`
	Call           *CallInvitation `json:"call,omitempty"`
	ServerTS       time.Time       `json:"server_ts"`
	ReadBy         []string        `json:"read_by,omitempty"`
}

// Participant is a conversation member with its directory profile.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Conversation is the wire shape of a conversation.
type Conversation struct {
	ID           string        `json:"id"`
	IsGroup      bool          `json:"is_group"`
	Name         string        `json:"name,omitempty"`
	AdminID      string        `json:"admin_id,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ---- Payloads ----

// HelloPayload registers the sender as online. UserID is optional and, when
// present, must match the authenticated identity.
type HelloPayload struct {
	UserID string `json:"user_id,omitempty"`
}

// HelloAckPayload confirms registration.
type HelloAckPayload struct {
	SessionID     string   `json:"session_id"`
	UserID        string   `json:"user_id"`
	OnlineUserIDs []string `json:"online_user_ids"`
}

// ConversationJoinPayload requests a room subscription.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationLeavePayload drops a room subscription.
type ConversationLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload publishes a message into a conversation.
type MessageSendPayload struct {
	ConversationID string          `json:"conversation_id"`
	ReceiverID     string          `json:"receiver_id,omitempty"`
	ClientMsgID    string          `json:"client_msg_id"`
	Kind           string          `json:"kind,omitempty"`
	Text           string          `json:"text,omitempty"`
	Attachment     *Attachment     `json:"attachment,omitempty"`
	Call           *CallInvitation `json:"call,omitempty"`
}

// TypingPayload reports local typing activity.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// UserTypingPayload relays typing activity of another participant.
type UserTypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// PresenceOnlinePayload is the full set of online users.
type PresenceOnlinePayload struct {
	UserIDs []string `json:"user_ids"`
}

// ConversationHistoryFetchPayload requests a history window for a conversation.
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	AfterSeq       *int64 `json:"after_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages for a history fetch request.
type ConversationHistoryChunkPayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
}

// ErrorPayload is a generic error response payload. RefID echoes the
// envelope id of the request that failed, when known.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}
