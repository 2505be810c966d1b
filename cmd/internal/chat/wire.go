package chat

import (
	"strings"

	v1 "tandem/shared/contracts/realtime/v1"
)

// WireMessage converts a stored message to its wire shape.
func WireMessage(m Message) v1.Message {
	out := v1.Message{
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		ServerMsgID:    m.ServerMsgID,
		ClientMsgID:    m.ClientMsgID,
		SenderID:       m.SenderID,
		ServerTS:       m.ServerTS,
		ReadBy:         append([]string(nil), m.ReadBy...),
	}
	switch b := m.Body.(type) {
	case Text:
		out.Kind = v1.KindText
		out.Text = b.Content
	case Attachment:
		out.Kind = v1.KindAttachment
		out.Attachment = &v1.Attachment{URL: b.URL, Name: b.Name, MIME: b.MIME, Caption: b.Caption}
	case CallInvitation:
		out.Kind = v1.KindCall
		out.Call = &v1.CallInvitation{RoomID: b.RoomID, IsVideo: b.IsVideo}
	}
	return out
}

// WireMessages converts a slice of stored messages.
func WireMessages(ms []Message) []v1.Message {
	out := make([]v1.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, WireMessage(m))
	}
	return out
}

// BodyFromWire builds a Body from wire fields. An empty kind means text.
func BodyFromWire(kind, text string, att *v1.Attachment, call *v1.CallInvitation) (Body, error) {
	const op = "chat.BodyFromWire"

	switch strings.TrimSpace(kind) {
	case "", v1.KindText:
		return Text{Content: text}, nil
	case v1.KindAttachment:
		if att == nil {
			return nil, invalid(op, "missing attachment")
		}
		caption := att.Caption
		if caption == "" {
			caption = text
		}
		return Attachment{URL: att.URL, Name: att.Name, MIME: att.MIME, Caption: caption}, nil
	case v1.KindCall:
		if call == nil {
			return CallInvitation{}, nil
		}
		return CallInvitation{RoomID: call.RoomID, IsVideo: call.IsVideo}, nil
	default:
		return nil, invalid(op, "unknown kind")
	}
}

// Profile decorates a participant on the wire.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// WireConversation converts a conversation, attaching profiles when known.
func WireConversation(c Conversation, profiles map[string]Profile) v1.Conversation {
	out := v1.Conversation{
		ID:           c.ID,
		IsGroup:      c.IsGroup,
		Name:         c.Name,
		AdminID:      c.AdminID,
		Participants: make([]v1.Participant, 0, len(c.Participants)),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, uid := range c.Participants {
		p := profiles[uid]
		out.Participants = append(out.Participants, v1.Participant{
			UserID:      uid,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
		})
	}
	if c.LastMessage != nil {
		m := WireMessage(*c.LastMessage)
		out.LastMessage = &m
	}
	return out
}
