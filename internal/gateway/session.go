package gateway

import "sync"

// Session holds the rotating session password issued by the remote.
// Writers (create, reset) are exclusive; readers share the lock.
type Session struct {
	mu       sync.RWMutex
	password string
}

// Password returns the current session password, or "" when there is none.
func (s *Session) Password() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.password
}

// Active reports whether a session password is held.
func (s *Session) Active() bool {
	return s.Password() != ""
}

func (s *Session) set(password string) {
	s.mu.Lock()
	s.password = password
	s.mu.Unlock()
}

func (s *Session) clear() {
	s.set("")
}
