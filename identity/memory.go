package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memoryEntry struct {
	identity     Identity
	passwordHash string
}

// MemoryStore is an in-process Store. Construct one per service; there is
// no package level state.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*memoryEntry
	byLogin map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*memoryEntry),
		byLogin: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, id Identity, passwordHash string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := loginKeys(id)
	for _, key := range keys {
		if _, taken := s.byLogin[key]; taken {
			return Identity{}, ErrExists
		}
	}

	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	if _, taken := s.byID[id.ID]; taken {
		return Identity{}, ErrExists
	}

	stored := id.Clone()
	s.byID[id.ID] = &memoryEntry{identity: stored, passwordHash: passwordHash}
	for _, key := range keys {
		s.byLogin[key] = id.ID
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) FindByLogin(ctx context.Context, login string) (Identity, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLogin[NormalizeLogin(login)]
	if !ok {
		return Identity{}, "", ErrNotFound
	}
	entry := s.byID[id]
	return entry.identity.Clone(), entry.passwordHash, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (Identity, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byID[id]
	if !ok {
		return Identity{}, "", ErrNotFound
	}
	return entry.identity.Clone(), entry.passwordHash, nil
}

func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	entry.passwordHash = passwordHash
	return nil
}

func loginKeys(id Identity) []string {
	keys := make([]string, 0, 2)
	if key := NormalizeLogin(id.Username); key != "" {
		keys = append(keys, key)
	}
	if key := NormalizeLogin(id.Email); key != "" {
		keys = append(keys, key)
	}
	return keys
}
