package mixer

import (
	"sync"
	"time"
)

// RetryScheduler owns the one-shot re-check timers of active sessions. At
// most one timer per session id is outstanding: scheduling again replaces the
// pending one. Timers are not persisted; resumeTasks recreates them after a
// restart.
type RetryScheduler struct {
	clock Clock

	mu     sync.Mutex
	timers map[string]TimerHandle
}

func NewRetryScheduler(clock Clock) *RetryScheduler {
	return &RetryScheduler{
		clock:  clock,
		timers: make(map[string]TimerHandle),
	}
}

// Schedule arms a one-shot tick for a session id, replacing any pending one.
func (s *RetryScheduler) Schedule(id string, d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[id]; ok {
		prev.Stop()
	}
	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		f()
	})
}

// Cancel stops the pending tick for a session id, if any.
func (s *RetryScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Clear stops every pending tick.
func (s *RetryScheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending reports whether a tick is outstanding for id.
func (s *RetryScheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}
