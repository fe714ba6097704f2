package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time
}

type memList struct {
	values  []string
	expires time.Time
}

// MemoryStore is an in-process Store. It gives the same per-key atomicity as
// PostgresStore but no sharing between processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	lists   map[string]memList
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock lets tests drive expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		lists:   make(map[string]memList),
		now:     now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveEntry(key)
	return e.value, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{value: value, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveEntry(key); ok {
		return false, nil
	}
	s.entries[key] = memEntry{value: value, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Append(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, _ := s.liveList(key)
	l.values = append(l.values, value)
	l.expires = s.now().Add(ttl)
	s.lists[key] = l
	return int64(len(l.values)), nil
}

func (s *MemoryStore) List(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.liveList(key)
	if !ok {
		return nil, nil
	}
	out := make([]string, len(l.values))
	copy(out, l.values)
	return out, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := s.now().Add(ttl)
	if e, ok := s.liveEntry(key); ok {
		e.expires = expires
		s.entries[key] = e
	}
	if l, ok := s.liveList(key); ok {
		l.expires = expires
		s.lists[key] = l
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	delete(s.lists, key)
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	for k, l := range s.lists {
		if !now.Before(l.expires) {
			delete(s.lists, k)
			n++
		}
	}
	return n, nil
}

// liveEntry and liveList must be called with mu held. Expired keys are
// dropped lazily.
func (s *MemoryStore) liveEntry(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) liveList(key string) (memList, bool) {
	l, ok := s.lists[key]
	if !ok {
		return memList{}, false
	}
	if !s.now().Before(l.expires) {
		delete(s.lists, key)
		return memList{}, false
	}
	return l, true
}
