package session

import (
	"sort"
	"sync"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[int]*SessionState
	nextLane int
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[int]*SessionState),
	}
}

func (s *Store) Get(id int) (*SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// GetAll returns copies of every state ordered by id.
func (s *Store) GetAll() []*SessionState {
	s.mu.RLock()
	result := make([]*SessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) Update(state *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[state.ID]; ok {
		state.Lane = existing.Lane
	} else {
		state.Lane = s.nextLane
		s.nextLane++
	}
	s.sessions[state.ID] = state.Clone()
}

// Modify applies fn to a copy of the state stored under id, or to a fresh
// state when there is none, stores the result and returns a copy of it.
func (s *Store) Modify(id int, fn func(st *SessionState, existed bool)) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st *SessionState
	existing, ok := s.sessions[id]
	if ok {
		st = existing.Clone()
	} else {
		st = &SessionState{ID: id, Lane: s.nextLane}
		s.nextLane++
	}
	fn(st, ok)
	st.ID = id
	if ok {
		st.Lane = existing.Lane
	}
	s.sessions[id] = st
	return st.Clone()
}

func (s *Store) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if !st.IsTerminal() {
			count++
		}
	}
	return count
}
