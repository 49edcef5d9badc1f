package session

import (
	"sort"
	"sync"
)

// Store is the in-memory registry of live sessions keyed by id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// Put stores s under its id, replacing any previous entry.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
}

// Remove deletes the entry for id and reports whether one existed.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// CompareAndRemove deletes the entry only if it is still s. Exactly one of
// several concurrent callers racing on the same entry wins.
func (st *Store) CompareAndRemove(id string, s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.sessions[id]; !ok || cur != s {
		return false
	}
	delete(st.sessions, id)
	return true
}

// List returns snapshots ordered by creation time.
func (st *Store) List() []Snapshot {
	all := st.all()
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) all() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

func (st *Store) withStatus(status Status) []*Session {
	var out []*Session
	for _, s := range st.all() {
		if s.Status() == status {
			out = append(out, s)
		}
	}
	return out
}
