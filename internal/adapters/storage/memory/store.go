package memory

import (
	"context"
	"sync"
	"time"
)

// EvictionObserver is told how many screenshots were dropped by capacity or ttl.
type EvictionObserver interface {
	ObserveScreenshotEvictions(n int)
}

type screenshotEntry struct {
	data      []byte
	createdAt time.Time
}

// Store keeps screenshots in process memory with insertion-order eviction.
type Store struct {
	mu sync.RWMutex
	// ring by insertion order of screenshot ids
	order []string
	items map[string]*screenshotEntry

	maxItems int
	ttl      time.Duration
	bytes    int64

	evictions EvictionObserver
	now       func() time.Time
}

func NewStore(maxItems int, ttl time.Duration) *Store {
	if maxItems <= 0 {
		maxItems = 1
	}
	return &Store{
		order:    make([]string, 0, min(maxItems, 1024)),
		items:    make(map[string]*screenshotEntry, min(maxItems, 1024)),
		maxItems: maxItems,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithEvictionObserver attaches a metrics hook.
func (s *Store) WithEvictionObserver(o EvictionObserver) *Store {
	s.evictions = o
	return s
}

func (s *Store) StoreScreenshot(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	evicted := s.evictExpiredLocked()
	if old, ok := s.items[id]; ok {
		// overwrite keeps the original slot in the ring
		s.bytes -= int64(len(old.data))
		old.data = data
		old.createdAt = s.now()
		s.bytes += int64(len(data))
		s.mu.Unlock()
		s.observe(evicted)
		return nil
	}
	// evict by capacity
	for len(s.items) >= s.maxItems && len(s.order) > 0 {
		s.removeLocked(s.order[0], 0)
		evicted++
	}
	s.items[id] = &screenshotEntry{data: data, createdAt: s.now()}
	s.order = append(s.order, id)
	s.bytes += int64(len(data))
	s.mu.Unlock()
	s.observe(evicted)
	return nil
}

func (s *Store) GetScreenshot(ctx context.Context, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	if !ok || s.expired(e) {
		return nil, false, nil
	}
	return e.data, true, nil
}

func (s *Store) DeleteScreenshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return nil
	}
	for i, sid := range s.order {
		if sid == id {
			s.removeLocked(id, i)
			break
		}
	}
	return nil
}

// Stats reports the number of screenshots held and their total size.
func (s *Store) Stats() (count int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), s.bytes
}

func (s *Store) Close() error { return nil }

func (s *Store) removeLocked(id string, pos int) {
	if e, ok := s.items[id]; ok {
		s.bytes -= int64(len(e.data))
		delete(s.items, id)
	}
	s.order = append(s.order[:pos], s.order[pos+1:]...)
}

func (s *Store) expired(e *screenshotEntry) bool {
	return s.ttl > 0 && s.now().Sub(e.createdAt) > s.ttl
}

func (s *Store) evictExpiredLocked() int {
	if s.ttl <= 0 {
		return 0
	}
	n := 0
	i := 0
	for i < len(s.order) {
		id := s.order[i]
		e := s.items[id]
		if e == nil || s.expired(e) {
			s.removeLocked(id, i)
			n++
			continue
		}
		i++
	}
	return n
}

func (s *Store) observe(n int) {
	if n > 0 && s.evictions != nil {
		s.evictions.ObserveScreenshotEvictions(n)
	}
}
