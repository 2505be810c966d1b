package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Mirror publishes this process's online set somewhere other processes can
// read it. It is visibility only; routing always uses the local Registry.
type Mirror interface {
	Publish(ctx context.Context, online []string) error
	Close() error
}

// Syncer forwards registry changes to a Mirror from a single goroutine.
// Notifications coalesce: only the latest online set is published, so a slow
// mirror never blocks the registry and publishes never reorder.
type Syncer struct {
	log     *slog.Logger
	mirror  Mirror
	timeout time.Duration
	refresh time.Duration

	mu      sync.Mutex
	pending []string
	dirty   bool
	wake    chan struct{}
}

// NewSyncer returns a Syncer; call Run to start publishing. A positive
// refresh republishes the latest set periodically so mirror TTLs do not lapse.
func NewSyncer(log *slog.Logger, mirror Mirror, timeout, refresh time.Duration) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Syncer{
		log:     log,
		mirror:  mirror,
		timeout: timeout,
		refresh: refresh,
		wake:    make(chan struct{}, 1),
	}
}

// Notify records the latest online set. Suitable as a Registry.OnChange listener.
func (s *Syncer) Notify(online []string) {
	s.mu.Lock()
	s.pending = online
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is done. The last pending set is flushed on exit.
func (s *Syncer) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.refresh > 0 {
		t := time.NewTicker(s.refresh)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-s.wake:
			s.flush(ctx)
		case <-tick:
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
			s.flush(ctx)
		}
	}
}

func (s *Syncer) flush(parent context.Context) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	online := s.pending
	s.dirty = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	if err := s.mirror.Publish(ctx, online); err != nil {
		s.log.Warn("presence.mirror.publish.fail", "err", err, "online", len(online))
		return
	}
	s.log.Debug("presence.mirror.publish", "online", len(online))
}
