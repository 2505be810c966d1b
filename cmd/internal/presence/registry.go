// Package presence tracks which users currently hold a live realtime
// connection on this process.
//
// The registry keeps exactly one handle per user: registering a second
// connection replaces the first (last wins) and hands the replaced handle back
// to the caller so it can be closed.
package presence

import (
	"sort"
	"sync"
)

// Handle is a live connection.
type Handle interface {
	ConnID() string
}

// Registry maps user ids to their current connection handle.
type Registry[H Handle] struct {
	mu        sync.RWMutex
	byUser    map[string]H
	userOf    map[string]string // conn id -> user id
	listeners []func(online []string)
}

// NewRegistry returns an empty registry.
func NewRegistry[H Handle]() *Registry[H] {
	return &Registry[H]{
		byUser: make(map[string]H),
		userOf: make(map[string]string),
	}
}

// OnChange subscribes fn to online-set changes. fn runs synchronously after
// the change, outside the registry lock, and must not block.
func (r *Registry[H]) OnChange(fn func(online []string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Register makes h the current handle for userID. When another handle was
// current it is returned with replaced=true. Registering the same handle again
// is a no-op.
func (r *Registry[H]) Register(userID string, h H) (prev H, replaced bool) {
	if userID == "" {
		return prev, false
	}

	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if ok && cur.ConnID() == h.ConnID() {
		r.mu.Unlock()
		return prev, false
	}
	if ok {
		delete(r.userOf, cur.ConnID())
		prev, replaced = cur, true
	}
	r.byUser[userID] = h
	r.userOf[h.ConnID()] = userID
	online, listeners := r.onlineLocked(), r.listeners
	r.mu.Unlock()

	notify(listeners, online)
	return prev, replaced
}

// Claim registers h for userID only when the user has no handle or h is
// already current. It reports whether h is current afterwards. A handle that
// was replaced cannot take the user back with Claim.
func (r *Registry[H]) Claim(userID string, h H) bool {
	if userID == "" {
		return false
	}

	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if ok {
		r.mu.Unlock()
		return cur.ConnID() == h.ConnID()
	}
	r.byUser[userID] = h
	r.userOf[h.ConnID()] = userID
	online, listeners := r.onlineLocked(), r.listeners
	r.mu.Unlock()

	notify(listeners, online)
	return true
}

// Unregister removes h if it is still the current handle for its user.
// It reports whether a mapping was removed.
func (r *Registry[H]) Unregister(h H) bool {
	r.mu.Lock()
	userID, ok := r.userOf[h.ConnID()]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.userOf, h.ConnID())
	delete(r.byUser, userID)
	online, listeners := r.onlineLocked(), r.listeners
	r.mu.Unlock()

	notify(listeners, online)
	return true
}

// Lookup returns the current handle for userID.
func (r *Registry[H]) Lookup(userID string) (H, bool) {
	r.mu.RLock()
	h, ok := r.byUser[userID]
	r.mu.RUnlock()
	return h, ok
}

// IsOnline reports whether userID has a live handle.
func (r *Registry[H]) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// OnlineUserIDs returns the online users, sorted.
func (r *Registry[H]) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// Len returns the number of online users.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Each calls fn for a snapshot of the current handles.
func (r *Registry[H]) Each(fn func(userID string, h H)) {
	type entry struct {
		userID string
		h      H
	}

	r.mu.RLock()
	snap := make([]entry, 0, len(r.byUser))
	for uid, h := range r.byUser {
		snap = append(snap, entry{uid, h})
	}
	r.mu.RUnlock()

	for _, e := range snap {
		fn(e.userID, e.h)
	}
}

func (r *Registry[H]) onlineLocked() []string {
	out := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func notify(listeners []func([]string), online []string) {
	for _, fn := range listeners {
		cp := make([]string, len(online))
		copy(cp, online)
		fn(cp)
	}
}
