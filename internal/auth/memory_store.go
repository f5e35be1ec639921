package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func copyKey(k *APIKey) *APIKey {
	cp := *k
	for _, p := range []**time.Time{&cp.LastUsed, &cp.ExpiresAt, &cp.RevokedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return copyKey(k), nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByGuild(_ context.Context, guildID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.GuildID == guildID {
			result = append(result, copyKey(k))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = &at
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	if k.RevokedAt == nil {
		k.RevokedAt = &at
	}
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, id string, at time.Time, replacedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	if k.ExpiresAt == nil || at.Before(*k.ExpiresAt) {
		k.ExpiresAt = &at
	}
	k.ReplacedBy = replacedBy
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, k := range s.keys {
		if (k.RevokedAt != nil && k.RevokedAt.Before(before)) ||
			(k.ExpiresAt != nil && k.ExpiresAt.Before(before)) {
			delete(s.keys, id)
			n++
		}
	}
	return n, nil
}
