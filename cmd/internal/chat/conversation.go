package chat

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MinGroupParticipants is the smallest group; two people use a direct conversation.
const MinGroupParticipants = 3

const maxGroupNameRunes = 120

// Conversation is a direct (two-party) or group conversation.
type Conversation struct {
	ID           string
	IsGroup      bool
	Name         string
	AdminID      string
	Participants []string // sorted, distinct
	LastMessage  *Message
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	i := sort.SearchStrings(c.Participants, userID)
	return i < len(c.Participants) && c.Participants[i] == userID
}

// Others returns every participant except userID.
func (c Conversation) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// PairKey is the normalized key of an unordered user pair. At most one direct
// conversation exists per key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// GroupInput describes a group conversation to create. The admin is always a
// participant.
type GroupInput struct {
	Name      string
	AdminID   string
	MemberIDs []string
	Now       time.Time
}

// normalize validates the input and returns the trimmed name and the sorted
// distinct participant set (admin included).
func (in GroupInput) normalize() (string, []string, error) {
	const op = "chat.CreateGroup"

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", nil, invalid(op, "missing name")
	}
	if utf8.RuneCountInString(name) > maxGroupNameRunes {
		return "", nil, invalid(op, "name too long")
	}
	admin := strings.TrimSpace(in.AdminID)
	if admin == "" {
		return "", nil, invalid(op, "missing admin")
	}

	members := normalizeIDs(append([]string{admin}, in.MemberIDs...))
	if len(members) < MinGroupParticipants {
		return "", nil, invalid(op, "a group needs at least 3 participants")
	}
	return name, members, nil
}

func normalizeIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
