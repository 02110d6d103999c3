package metrics

import (
	"sort"
	"sync"
	"time"

	"ipsentry/internal/model"
)

// Store holds the latest snapshot per identity, evicting the least recently
// updated identity beyond limit.
type Store struct {
	mu         sync.RWMutex
	byIdentity map[string]model.IdentitySnapshot
	limit      int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byIdentity: make(map[string]model.IdentitySnapshot),
		limit:      limit,
	}
}

func (s *Store) Update(snaps []model.IdentitySnapshot) {
	if len(snaps) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, snap := range snaps {
		if snap.Features.Identity == "" {
			continue
		}
		if snap.UpdatedAt.IsZero() {
			snap.UpdatedAt = now
		}
		s.byIdentity[snap.Features.Identity] = snap
	}
	for len(s.byIdentity) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(identity string) (model.IdentitySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byIdentity[identity]
	return snap, ok
}

// GetAll returns every snapshot ordered by identity.
func (s *Store) GetAll() []model.IdentitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.IdentitySnapshot, 0, len(s.byIdentity))
	for _, snap := range s.byIdentity {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Features.Identity < out[j].Features.Identity })
	return out
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, snap := range s.byIdentity {
		if oldestID == "" || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.byIdentity, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIdentity = make(map[string]model.IdentitySnapshot)
}
