package wazero

import (
	"sync"

	"github.com/capguest/capshim/hostfuncs"
)

// SessionResolver finds the host session of a calling guest.
type SessionResolver interface {
	Session(guest string) (*hostfuncs.Session, bool)
}

// Sessions is a concurrency-safe SessionResolver keyed by guest name.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*hostfuncs.Session
}

var _ SessionResolver = (*Sessions)(nil)

// NewSessions creates an empty session table.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*hostfuncs.Session)}
}

// Bind associates guest with s, replacing any previous session.
func (t *Sessions) Bind(guest string, s *hostfuncs.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[guest] = s
}

// Unbind forgets guest.
func (t *Sessions) Unbind(guest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, guest)
}

// Session returns the session bound to guest.
func (t *Sessions) Session(guest string) (*hostfuncs.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[guest]
	return s, ok
}
