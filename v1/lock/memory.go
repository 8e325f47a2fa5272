package lock

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	value     string
	expiresAt time.Time
}

// MemoryStore implements Store in process memory. It offers the same
// semantics as RedisStore for a single process and is mainly used in tests.
// Expired records are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord), now: time.Now}
}

func (s *MemoryStore) live(key string, now time.Time) (memoryRecord, bool) {
	rec, ok := s.records[key]
	if !ok {
		return rec, false
	}
	if !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt) {
		delete(s.records, key)
		return rec, false
	}
	return rec, true
}

// SetNXPX implements Store.SetNXPX. A non-positive ttl stores the record
// without expiry.
func (s *MemoryStore) SetNXPX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	rec := memoryRecord{value: value}
	if ttl > 0 {
		rec.expiresAt = now.Add(ttl)
	}
	s.records[key] = rec
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key, s.now())
	if !ok || rec.value != value {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// Value returns the live value stored under key.
func (s *MemoryStore) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key, s.now())
	return rec.value, ok
}
