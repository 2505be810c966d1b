package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTextRunes bounds text content and attachment captions.
const MaxTextRunes = 4000

// Kind identifies the message body variant.
type Kind string

const (
	KindText       Kind = "text"
	KindAttachment Kind = "attachment"
	KindCall       Kind = "call"
)

// Body is the content of a message: exactly one of Text, Attachment or
// CallInvitation.
type Body interface {
	Kind() Kind
	validate() error
}

// Text is a plain text message.
type Text struct {
	Content string
}

// Attachment references an uploaded file with an optional caption.
type Attachment struct {
	URL     string
	Name    string
	MIME    string
	Caption string
}

// CallInvitation asks the other participants to join a call room. It never
// carries markup; clients render it.
type CallInvitation struct {
	RoomID  string
	IsVideo bool
}

func (Text) Kind() Kind           { return KindText }
func (Attachment) Kind() Kind     { return KindAttachment }
func (CallInvitation) Kind() Kind { return KindCall }

func (b Text) validate() error {
	s := strings.TrimSpace(b.Content)
	if s == "" {
		return invalid("chat.Text", "empty text")
	}
	if utf8.RuneCountInString(s) > MaxTextRunes {
		return invalid("chat.Text", "text too long")
	}
	return nil
}

func (b Attachment) validate() error {
	if strings.TrimSpace(b.URL) == "" {
		return invalid("chat.Attachment", "missing url")
	}
	if utf8.RuneCountInString(b.Caption) > MaxTextRunes {
		return invalid("chat.Attachment", "caption too long")
	}
	return nil
}

func (b CallInvitation) validate() error {
	if strings.TrimSpace(b.RoomID) == "" {
		return invalid("chat.CallInvitation", "missing room id")
	}
	return nil
}

// ValidateBody checks a body before it is stored.
func ValidateBody(b Body) error {
	if b == nil {
		return invalid("chat.ValidateBody", "missing body")
	}
	return b.validate()
}

// normalizeBody trims text content so storage and dedupe see one canonical form.
func normalizeBody(b Body) Body {
	switch v := b.(type) {
	case Text:
		v.Content = strings.TrimSpace(v.Content)
		return v
	case Attachment:
		v.URL = strings.TrimSpace(v.URL)
		v.Caption = strings.TrimSpace(v.Caption)
		return v
	case CallInvitation:
		v.RoomID = strings.TrimSpace(v.RoomID)
		return v
	default:
		return b
	}
}

// Message is a stored message.
type Message struct {
	ConversationID string
	Seq            int64
	ServerMsgID    string
	ClientMsgID    string
	SenderID       string
	Body           Body
	ServerTS       time.Time
	ReadBy         []string
}

// CallRoomID derives the call room for a set of participants: their ids sorted
// ascending and joined with "-".
func CallRoomID(participants []string) string {
	ids := append([]string(nil), participants...)
	sort.Strings(ids)
	return strings.Join(ids, "-")
}
