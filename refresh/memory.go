package refresh

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex. It never
// blocks on I/O while holding the lock.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]*Record
	byHash     map[[32]byte]string
	byIdentity map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*Record),
		byHash:     make(map[[32]byte]string),
		byIdentity: make(map[string]map[string]struct{}),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(rec)
}

func (s *MemoryStore) insertLocked(rec Record) error {
	if _, ok := s.records[rec.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byHash[rec.SecretHash]; ok {
		return ErrDuplicate
	}

	stored := rec.Clone()
	s.records[rec.ID] = &stored
	s.byHash[rec.SecretHash] = rec.ID

	ids, ok := s.byIdentity[rec.IdentityID]
	if !ok {
		ids = make(map[string]struct{})
		s.byIdentity[rec.IdentityID] = ids
	}
	ids[rec.ID] = struct{}{}
	return nil
}

// Rotate implements Store.
func (s *MemoryStore) Rotate(ctx context.Context, presented [32]byte, next Record, now time.Time) (RotateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[presented]
	if !ok {
		return RotateResult{Outcome: OutcomeNotFound}, nil
	}
	rec := s.records[id]
	before := rec.Clone()

	switch rec.StateAt(now) {
	case StateRevoked:
		return RotateResult{Outcome: OutcomeRevoked, Presented: before}, nil
	case StateRotated:
		revoked := s.revokeChainLocked(rec.ReplacedBy, now)
		return RotateResult{Outcome: OutcomeReuseDetected, Presented: before, ChainRevoked: revoked}, nil
	case StateExpired:
		return RotateResult{Outcome: OutcomeExpired, Presented: before}, nil
	}

	next.IdentityID = rec.IdentityID
	next.RevokedAt = nil
	next.ReplacedBy = ""
	if err := s.insertLocked(next); err != nil {
		return RotateResult{}, err
	}

	revokedAt := now
	rec.RevokedAt = &revokedAt
	rec.ReplacedBy = next.ID
	return RotateResult{Outcome: OutcomeRotated, Presented: before}, nil
}

func (s *MemoryStore) revokeChainLocked(from string, now time.Time) int {
	revoked := 0
	seen := make(map[string]struct{})
	for id := from; id != ""; {
		if _, loop := seen[id]; loop {
			break
		}
		seen[id] = struct{}{}

		rec, ok := s.records[id]
		if !ok {
			break
		}
		if rec.RevokedAt == nil {
			revokedAt := now
			rec.RevokedAt = &revokedAt
			revoked++
		}
		id = rec.ReplacedBy
	}
	return revoked
}

// RevokeByID implements Store.
func (s *MemoryStore) RevokeByID(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	return revokeLocked(rec, now), nil
}

// RevokeByHash implements Store.
func (s *MemoryStore) RevokeByHash(ctx context.Context, hash [32]byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return false, ErrNotFound
	}
	return revokeLocked(s.records[id], now), nil
}

func revokeLocked(rec *Record, now time.Time) bool {
	if rec.RevokedAt != nil {
		return false
	}
	revokedAt := now
	rec.RevokedAt = &revokedAt
	return true
}

// RevokeIdentity implements Store.
func (s *MemoryStore) RevokeIdentity(ctx context.Context, identityID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for id := range s.byIdentity[identityID] {
		if revokeLocked(s.records[id], now) {
			revoked++
		}
	}
	return revoked, nil
}

// GetByHash implements Store.
func (s *MemoryStore) GetByHash(ctx context.Context, hash [32]byte) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.records[id].Clone(), nil
}

// PruneExpired implements Store. A rotated record stays while its successor
// is still held, so a replay of it is reported as reuse for as long as any
// descendant can be presented.
func (s *MemoryStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prunable := make(map[string]bool, len(s.records))
	for id := range s.records {
		s.prunableLocked(id, before, prunable)
	}

	pruned := 0
	for id, ok := range prunable {
		if !ok {
			continue
		}
		rec := s.records[id]
		delete(s.records, id)
		delete(s.byHash, rec.SecretHash)
		if ids := s.byIdentity[rec.IdentityID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byIdentity, rec.IdentityID)
			}
		}
		pruned++
	}
	return pruned, nil
}

// prunableLocked reports whether id and every successor it leads to expired
// at or before before. Results are memoized in seen.
func (s *MemoryStore) prunableLocked(id string, before time.Time, seen map[string]bool) bool {
	if ok, done := seen[id]; done {
		return ok
	}
	rec, ok := s.records[id]
	if !ok {
		return true
	}
	// Mark first so a ReplacedBy cycle terminates.
	seen[id] = false
	if rec.ExpiresAt.After(before) {
		return false
	}
	ok = rec.ReplacedBy == "" || s.prunableLocked(rec.ReplacedBy, before, seen)
	seen[id] = ok
	return ok
}

// Len reports how many records are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
