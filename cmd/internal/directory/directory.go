// Package directory answers questions about users owned by the account
// service: whether an id exists and how to display it.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Profile is the display information of a user.
type Profile struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// Directory resolves user ids.
type Directory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	// Profiles returns the known profiles among ids. Unknown ids are omitted.
	Profiles(ctx context.Context, ids []string) (map[string]Profile, error)
}

// InMemory is a fixed directory used in dev and tests.
type InMemory struct {
	mu    sync.RWMutex
	users map[string]Profile
}

// NewInMemory returns a directory holding users.
func NewInMemory(users ...Profile) *InMemory {
	d := &InMemory{users: make(map[string]Profile, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *InMemory) Put(p Profile) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return
	}
	d.mu.Lock()
	d.users[p.ID] = p
	d.mu.Unlock()
}

func (d *InMemory) Exists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	_, ok := d.users[strings.TrimSpace(userID)]
	d.mu.RUnlock()
	return ok, nil
}

func (d *InMemory) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Profile, len(ids))
	for _, id := range ids {
		if p, ok := d.users[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// IDs returns the known user ids, sorted.
func (d *InMemory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.users))
	for id := range d.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Open treats every non-blank id as an existing user without a profile.
// It backs single-process dev runs where no account service exists.
type Open struct{}

func (Open) Exists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return strings.TrimSpace(userID) != "", nil
}

func (Open) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	return map[string]Profile{}, ctx.Err()
}
