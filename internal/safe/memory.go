package safe

import (
	"sync"
	"time"
)

// MemorySafe keeps passwords in memory with a per-entry deadline. Expired
// entries are dropped on the next access.
type MemorySafe struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	password string
	deadline time.Time
}

func NewMemorySafe() *MemorySafe {
	return &MemorySafe{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

var _ Safe = (*MemorySafe)(nil)

// Set stores a password that stays live for ttl. A non-positive ttl keeps the
// entry until Forget.
func (s *MemorySafe) Set(namespace, key, password string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{password: password}
	if ttl > 0 {
		e.deadline = s.now().Add(ttl)
	}
	s.entries[namespace+"/"+key] = e
}

func (s *MemorySafe) Get(namespace, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := namespace + "/" + key
	e, ok := s.entries[k]
	if !ok {
		return "", false
	}
	if !e.deadline.IsZero() && s.now().After(e.deadline) {
		delete(s.entries, k)
		return "", false
	}
	return e.password, true
}

// Forget drops an entry immediately.
func (s *MemorySafe) Forget(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, namespace+"/"+key)
}
