package otpstore

import (
	"context"
	"sync"
	"time"
)

var nowFunc = time.Now

type entry struct {
	code    Code
	evictAt time.Time
}

type memoryStore struct {
	mutex sync.RWMutex
	table map[string]entry
}

var _ Store = (*memoryStore)(nil)

func NewMemoryStore() Store {
	return &memoryStore{table: make(map[string]entry)}
}

func (s *memoryStore) Save(_ context.Context, key string, code Code, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := nowFunc()
	for k, e := range s.table { // sweep evicted entries
		if !now.Before(e.evictAt) {
			delete(s.table, k)
		}
	}
	s.table[key] = entry{code: code, evictAt: now.Add(ttl)}
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (Code, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.table[key]
	if !ok || !nowFunc().Before(e.evictAt) {
		return Code{}, ErrNotFound
	}
	return e.code, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.table, key)
	return nil
}
