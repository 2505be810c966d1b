package v1

// REST bodies for the /api/chat endpoints. Responses reuse Message,
// Conversation, ConversationHistoryChunkPayload and PresenceOnlinePayload.

// CreateConversationRequest asks for the direct conversation with PartnerID,
// creating it when missing.
type CreateConversationRequest struct {
	PartnerID string `json:"partner_id"`
}

// CreateGroupRequest creates a group administered by the caller.
type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// SendMessageRequest appends a message to the conversation named in the path.
type SendMessageRequest struct {
	ClientMsgID string          `json:"client_msg_id"`
	Kind        string          `json:"kind,omitempty"`
	Text        string          `json:"text,omitempty"`
	Attachment  *Attachment     `json:"attachment,omitempty"`
	Call        *CallInvitation `json:"call,omitempty"`
}

// ConversationListResponse lists the caller's conversations, most recent first.
type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
}
