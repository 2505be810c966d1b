package realtime

import (
	"log/slog"
	"sync"

	v1 "tandem/shared/contracts/realtime/v1"
)

// Hub tracks which connections joined which conversation rooms.
//
// Rooms carry transient fanout only (typing). Messages are delivered to
// participants through the presence registry, so a user receives them
// whether or not the conversation is open.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*Client // conversation id -> session id -> client
	joins map[string]map[string]struct{} // session id -> conversation ids
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]map[string]*Client),
		joins: make(map[string]map[string]struct{}),
	}
}

// Join adds client to the conversation room. Joining twice is a no-op.
func (h *Hub) Join(conversationID string, client *Client) {
	if conversationID == "" || client == nil || client.SessionID == "" {
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[conversationID] = room
	}
	room[client.SessionID] = client

	set, ok := h.joins[client.SessionID]
	if !ok {
		set = make(map[string]struct{})
		h.joins[client.SessionID] = set
	}
	set[conversationID] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("room.join", "conversation_id", conversationID, "session_id", client.SessionID)
}

// Leave removes client from one room.
func (h *Hub) Leave(conversationID string, client *Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	h.leaveLocked(conversationID, client.SessionID)
	h.mu.Unlock()

	h.log.Debug("room.leave", "conversation_id", conversationID, "session_id", client.SessionID)
}

// LeaveAll removes client from every room it joined.
func (h *Hub) LeaveAll(client *Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	for convID := range h.joins[client.SessionID] {
		h.leaveLocked(convID, client.SessionID)
	}
	delete(h.joins, client.SessionID)
	h.mu.Unlock()
}

// InRoom reports whether client joined conversationID.
func (h *Hub) InRoom(conversationID string, client *Client) bool {
	if client == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joins[client.SessionID][conversationID]
	return ok
}

// RoomSize returns the number of connections in a room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Broadcast fans env out to the room, skipping the connection with session id
// except. It never blocks; full queues drop the envelope. It returns the
// number of queues that accepted it.
func (h *Hub) Broadcast(conversationID string, env v1.Envelope, except string) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[conversationID]))
	for sid, c := range h.rooms[conversationID] {
		if sid == except {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range members {
		if c.Deliver(env) {
			n++
		}
	}
	return n
}

func (h *Hub) leaveLocked(conversationID, sessionID string) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if set, ok := h.joins[sessionID]; ok {
		delete(set, conversationID)
		if len(set) == 0 {
			delete(h.joins, sessionID)
		}
	}
}
