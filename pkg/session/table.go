package session

import (
	"sync"
)

// DefaultMaxSessions is the default number of sessions per channel.
const DefaultMaxSessions = 16

// Table holds the sessions of one channel.
//
// When the table is full, adding a session evicts the least recently used
// one.
type Table struct {
	sessions    map[uint8]*Session
	maxSessions int

	mu sync.RWMutex
}

// NewTable creates a session table. maxSessions <= 0 uses DefaultMaxSessions.
func NewTable(maxSessions int) *Table {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Table{
		sessions:    make(map[uint8]*Session),
		maxSessions: maxSessions,
	}
}

// Add inserts s. If the table is full the least recently used session is
// removed and returned; the caller closes it.
func (t *Table) Add(s *Session) (evicted *Session, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[s.ID()]; exists {
		return nil, ErrDuplicateSession
	}
	if len(t.sessions) >= t.maxSessions {
		for _, c := range t.sessions {
			if evicted == nil || c.LastUsed().Before(evicted.LastUsed()) {
				evicted = c
			}
		}
		delete(t.sessions, evicted.ID())
	}
	t.sessions[s.ID()] = s
	return evicted, nil
}

// Get returns the session with id, or nil.
func (t *Table) Get(id uint8) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

// Remove deletes the session with id and returns it, or nil.
func (t *Table) Remove(id uint8) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[id]
	delete(t.sessions, id)
	return s
}

// Count returns the number of sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// MaxSessions returns the capacity.
func (t *Table) MaxSessions() int {
	return t.maxSessions
}

// ForEach calls fn for each session until fn returns false.
// fn must not modify the table.
func (t *Table) ForEach(fn func(*Session) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		if !fn(s) {
			return
		}
	}
}

// Clear closes and removes all sessions.
func (t *Table) Clear() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[uint8]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
