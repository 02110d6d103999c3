package actions

import (
	"sync"
	"time"

	"ipsentry/internal/model"
)

// Store keeps the most recent actions in memory, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Action
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(actions ...model.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		if len(s.buf) < s.limit {
			s.buf = append(s.buf, a)
			continue
		}
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = a
	}
}

// List returns up to limit of the newest actions, oldest first.
func (s *Store) List(limit int) []model.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Action, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Action, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

// ForIdentity returns the buffered actions for one identity.
func (s *Store) ForIdentity(identity string) []model.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Action
	for _, a := range s.buf {
		if a.Identity == identity {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
