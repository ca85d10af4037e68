package session

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps sessions in a bounded in-process LRU. The least
// recently used session is evicted once capacity is reached.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, State]
}

// NewMemoryStore creates a store holding at most capacity sessions.
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	cache, err := lru.New[string, State](capacity)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (State, error) {
	state, _ := s.cache.Get(id)
	return state, nil
}

func (s *MemoryStore) Save(_ context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, _ := s.cache.Get(id)
	if state.stale(p) {
		return ErrStale
	}
	s.cache.Add(id, state.Apply(p))
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, _ := s.cache.Get(id)
	s.cache.Add(id, State{Generation: state.Generation + 1})
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

func (s *MemoryStore) Close() error {
	s.cache.Purge()
	return nil
}
