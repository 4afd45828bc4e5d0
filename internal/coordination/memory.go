package coordination

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of Store. It backs
// single-node deployments that skip Redis and every test that needs
// deterministic TTL behavior. Expiry is lazy: a key past its deadline is
// treated as absent on the next access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	counter   int64
	isCounter bool
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore returns a store on the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns a store whose expiry decisions use the
// given clock. Tests inject a fake clock to exercise TTL rollover without
// sleeping.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// live returns the entry if present and unexpired, reaping it otherwise.
// Callers must hold mu.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	if e.isCounter {
		return strconv.FormatInt(e.counter, 10), true, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	if ok {
		delete(s.entries, key)
	}
	return ok, nil
}

func (s *MemoryStore) IncrementWithTTL(_ context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		e = memoryEntry{isCounter: true}
		if ttlIfNew > 0 {
			e.expiresAt = s.now().Add(ttlIfNew)
		}
	}
	e.isCounter = true
	e.counter++
	s.entries[key] = e
	return e.counter, nil
}

func (s *MemoryStore) Decrement(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.live(key)
	e.isCounter = true
	e.counter--
	s.entries[key] = e
	return e.counter, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len reports the number of live keys. Used by tests and the stats surface.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if _, ok := s.live(key); ok {
			n++
		}
	}
	return n
}
