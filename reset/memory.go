package reset

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	byHash  map[[32]byte]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byHash:  make(map[[32]byte]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byHash[rec.SecretHash]; ok {
		return ErrDuplicate
	}

	stored := rec.Clone()
	s.records[rec.ID] = &stored
	s.byHash[rec.SecretHash] = rec.ID
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, hash [32]byte, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return Record{}, ErrInvalid
	}
	rec := s.records[id]
	before := rec.Clone()

	if rec.RedeemedAt != nil {
		return before, ErrAlreadyRedeemed
	}
	if !now.Before(rec.ExpiresAt) {
		return before, ErrExpired
	}

	redeemedAt := now
	rec.RedeemedAt = &redeemedAt
	return before, nil
}

func (s *MemoryStore) Release(ctx context.Context, id string, claimedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.RedeemedAt == nil {
		return false, nil
	}
	if rec.RedeemedAt.UnixMilli() != claimedAt.UnixMilli() {
		return false, nil
	}
	rec.RedeemedAt = nil
	return true, nil
}

func (s *MemoryStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, rec := range s.records {
		if rec.ExpiresAt.After(before) {
			continue
		}
		delete(s.records, id)
		delete(s.byHash, rec.SecretHash)
		pruned++
	}
	return pruned, nil
}

// Len reports how many records are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
