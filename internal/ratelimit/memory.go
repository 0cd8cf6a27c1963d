package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultMaxKeys = 5000

type memoryWindow struct {
	startedAt time.Time
	hits      int64
	window    time.Duration
}

// MemoryStore keeps windows in process memory. Counts are per instance, so it suits tests and
// single-node development only.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	maxKeys int
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		maxKeys: defaultMaxKeys,
		now:     now,
	}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.windows[key]
	if !ok || !now.Before(current.startedAt.Add(current.window)) {
		current = &memoryWindow{startedAt: now, window: window}
		s.windows[key] = current
	}
	current.hits++

	if len(s.windows) > s.maxKeys {
		s.evictExpired(now)
	}

	return current.hits, current.startedAt.Add(current.window).Sub(now), nil
}

func (s *MemoryStore) evictExpired(now time.Time) {
	for key, w := range s.windows {
		if !now.Before(w.startedAt.Add(w.window)) {
			delete(s.windows, key)
		}
	}
}
