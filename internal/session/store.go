package session

import (
	"sync"
)

// Store keeps every session seen by the process in start order plus a
// pointer to the current one. Sessions are internally synchronized, so
// the store hands out the live objects.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	current  *Session
	limit    int
}

// NewStore returns a store that retains at most limit sessions, dropping
// the oldest stopped ones first. A limit of zero keeps everything.
func NewStore(limit int) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		limit:    limit,
	}
}

// Add registers s and makes it the current session.
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ID]; !ok {
		st.order = append(st.order, s.ID)
	}
	st.sessions[s.ID] = s
	st.current = s
	st.pruneLocked()
}

func (st *Store) pruneLocked() {
	if st.limit <= 0 {
		return
	}
	for i := 0; len(st.order) > st.limit && i < len(st.order); {
		id := st.order[i]
		s := st.sessions[id]
		if s == st.current || s.IsRunning() {
			i++
			continue
		}
		delete(st.sessions, id)
		st.order = append(st.order[:i], st.order[i+1:]...)
	}
}

// Current is the most recently added session, or nil.
func (st *Store) Current() *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// GetAll returns the sessions in the order they were added.
func (st *Store) GetAll() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	result := make([]*Session, 0, len(st.order))
	for _, id := range st.order {
		result = append(result, st.sessions[id])
	}
	return result
}

func (st *Store) Summaries() []Summary {
	all := st.GetAll()
	out := make([]Summary, 0, len(all))
	for _, s := range all {
		out = append(out, s.Summary())
	}
	return out
}

// ActiveCount counts sessions that have not stopped.
func (st *Store) ActiveCount() int {
	count := 0
	for _, s := range st.GetAll() {
		if s.IsRunning() {
			count++
		}
	}
	return count
}
