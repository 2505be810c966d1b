package chatclient

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestTypingIndicator_ExpiresWithoutNetworkEvent(t *testing.T) {
	var (
		mu      sync.Mutex
		changes [][]string
	)
	ti := NewTypingIndicator(50*time.Millisecond, func(users []string) {
		mu.Lock()
		changes = append(changes, users)
		mu.Unlock()
	})

	ti.Observe("bob", true)
	if got := ti.Users(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("Users=%v", got)
	}

	waitFor(t, time.Second, func() bool { return len(ti.Users()) == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("changes=%v want start and expiry", changes)
	}
	if len(changes[1]) != 0 {
		t.Fatalf("expiry change=%v want empty", changes[1])
	}
}

func TestTypingIndicator_RefreshExtends(t *testing.T) {
	ti := NewTypingIndicator(200*time.Millisecond, nil)

	ti.Observe("bob", true)
	time.Sleep(120 * time.Millisecond)
	ti.Observe("bob", true)
	time.Sleep(120 * time.Millisecond)

	if got := ti.Users(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("refresh should keep bob typing, got %v", got)
	}
	waitFor(t, time.Second, func() bool { return len(ti.Users()) == 0 })
}

func TestTypingIndicator_FalseClearsAndResetForgets(t *testing.T) {
	calls := 0
	ti := NewTypingIndicator(time.Minute, func([]string) { calls++ })

	ti.Observe("bob", true)
	ti.Observe("carol", true)
	ti.Observe("bob", false)
	if got := ti.Users(); !reflect.DeepEqual(got, []string{"carol"}) {
		t.Fatalf("Users=%v", got)
	}

	ti.Observe("dave", false)
	ti.Observe("", true)
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}

	ti.Reset()
	if len(ti.Users()) != 0 {
		t.Fatalf("Reset should clear")
	}
	if calls != 4 {
		t.Fatalf("calls=%d want 4", calls)
	}
	ti.Reset()
	if calls != 4 {
		t.Fatalf("Reset of an empty indicator should not notify")
	}
}

type emitLog struct {
	mu  sync.Mutex
	got []bool
}

func (e *emitLog) emit(v bool) {
	e.mu.Lock()
	e.got = append(e.got, v)
	e.mu.Unlock()
}

func (e *emitLog) snapshot() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.got...)
}

func TestTypingThrottle_OneTruePerBurstThenFalse(t *testing.T) {
	var log emitLog
	th := NewTypingThrottle(60*time.Millisecond, log.emit)

	for range 5 {
		th.Keystroke()
	}
	if got := log.snapshot(); !reflect.DeepEqual(got, []bool{true}) {
		t.Fatalf("after burst: %v", got)
	}

	waitFor(t, time.Second, func() bool { return len(log.snapshot()) == 2 })
	if got := log.snapshot(); !reflect.DeepEqual(got, []bool{true, false}) {
		t.Fatalf("after idle: %v", got)
	}

	th.Keystroke()
	if got := log.snapshot(); !reflect.DeepEqual(got, []bool{true, false, true}) {
		t.Fatalf("new burst: %v", got)
	}
}

func TestTypingThrottle_StopEndsBurst(t *testing.T) {
	var log emitLog
	th := NewTypingThrottle(time.Minute, log.emit)

	th.Stop()
	if len(log.snapshot()) != 0 {
		t.Fatalf("Stop while idle should not emit")
	}

	th.Keystroke()
	th.Stop()
	th.Stop()
	if got := log.snapshot(); !reflect.DeepEqual(got, []bool{true, false}) {
		t.Fatalf("got %v", got)
	}
}
