package cache

import (
	"context"
	"sync"
)

// MemoryStore 纯内存存储，用于开发与测试。
type MemoryStore struct {
	entries map[string]*Entry
	agents  map[string]*AgentEntry
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		agents:  make(map[string]*AgentEntry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if e, ok := s.entries[key]; ok {
		return e.clone(), nil
	}
	return nil, ErrCacheMiss
}

func (s *MemoryStore) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.entries[key] = entry.clone()
	return nil
}

func (s *MemoryStore) GetActions(ctx context.Context, key string) (*AgentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if e, ok := s.agents[key]; ok {
		return e.clone(), nil
	}
	return nil, ErrCacheMiss
}

func (s *MemoryStore) PutActions(ctx context.Context, key string, entry *AgentEntry) error {
	if entry == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.agents[key] = entry.clone()
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.entries, key)
	delete(s.agents, key)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, pred EvictPredicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	count := 0
	for key, e := range s.entries {
		if pred.MatchEntry(e) {
			delete(s.entries, key)
			count++
		}
	}
	for key, e := range s.agents {
		if pred.MatchAgentEntry(e) {
			delete(s.agents, key)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Entries(ctx context.Context) (map[string]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[string]*Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.clone()
	}
	return out, nil
}

func (s *MemoryStore) AgentEntries(ctx context.Context) (map[string]*AgentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[string]*AgentEntry, len(s.agents))
	for k, e := range s.agents {
		out[k] = e.clone()
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	totalHits := 0
	for _, e := range s.entries {
		totalHits += e.HitCount
	}
	for _, e := range s.agents {
		totalHits += e.HitCount
	}
	return &StoreStats{
		TotalEntries:  len(s.entries),
		TotalHits:     totalHits,
		MemoryEntries: len(s.entries) + len(s.agents),
		AgentEntries:  len(s.agents),
		Backend:       "memory",
		Version:       SchemaVersion,
	}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
