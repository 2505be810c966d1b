package chatclient

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a remote typing signal stays visible
// without a refresh.
const DefaultTypingTimeout = 3 * time.Second

// TypingIndicator tracks which remote users are typing. A true observation
// expires on its own after the timeout.
type TypingIndicator struct {
	timeout  time.Duration
	onChange func(users []string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	gen    map[string]uint64
}

// NewTypingIndicator returns an indicator. onChange may be nil; it runs
// outside the indicator's lock.
func NewTypingIndicator(timeout time.Duration, onChange func(users []string)) *TypingIndicator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingIndicator{
		timeout:  timeout,
		onChange: onChange,
		timers:   make(map[string]*time.Timer),
		gen:      make(map[string]uint64),
	}
}

// Observe records a typing signal from userID.
func (t *TypingIndicator) Observe(userID string, isTyping bool) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	prev, was := t.timers[userID]
	if was {
		prev.Stop()
	}
	t.gen[userID]++

	if !isTyping {
		delete(t.timers, userID)
		users := t.usersLocked()
		t.mu.Unlock()
		if was {
			t.changed(users)
		}
		return
	}

	g := t.gen[userID]
	t.timers[userID] = time.AfterFunc(t.timeout, func() { t.expire(userID, g) })
	users := t.usersLocked()
	t.mu.Unlock()

	if !was {
		t.changed(users)
	}
}

// Users returns the typing users, sorted.
func (t *TypingIndicator) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked()
}

// Reset forgets everyone, e.g. when switching conversations.
func (t *TypingIndicator) Reset() {
	t.mu.Lock()
	had := len(t.timers) > 0
	for uid, tm := range t.timers {
		tm.Stop()
		t.gen[uid]++
	}
	t.timers = make(map[string]*time.Timer)
	t.mu.Unlock()

	if had {
		t.changed(nil)
	}
}

func (t *TypingIndicator) expire(userID string, g uint64) {
	t.mu.Lock()
	if t.gen[userID] != g {
		t.mu.Unlock()
		return
	}
	delete(t.timers, userID)
	users := t.usersLocked()
	t.mu.Unlock()

	t.changed(users)
}

func (t *TypingIndicator) usersLocked() []string {
	out := make([]string, 0, len(t.timers))
	for uid := range t.timers {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func (t *TypingIndicator) changed(users []string) {
	if t.onChange != nil {
		t.onChange(users)
	}
}

// TypingThrottle turns keystrokes into typing signals: true once per burst,
// false after idle without keystrokes.
type TypingThrottle struct {
	idle time.Duration
	emit func(isTyping bool)

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
}

// NewTypingThrottle returns a throttle calling emit outside its lock.
func NewTypingThrottle(idle time.Duration, emit func(isTyping bool)) *TypingThrottle {
	if idle <= 0 {
		idle = DefaultTypingTimeout
	}
	return &TypingThrottle{idle: idle, emit: emit}
}

// Keystroke records local typing activity.
func (t *TypingThrottle) Keystroke() {
	t.mu.Lock()
	start := !t.typing
	t.typing = true
	t.gen++
	g := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.stop(g) })
	t.mu.Unlock()

	if start {
		t.emit(true)
	}
}

// Stop ends a burst immediately, e.g. when the message is sent.
func (t *TypingThrottle) Stop() {
	t.mu.Lock()
	g := t.gen
	t.mu.Unlock()
	t.stop(g)
}

func (t *TypingThrottle) stop(g uint64) {
	t.mu.Lock()
	if g != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.emit(false)
}
