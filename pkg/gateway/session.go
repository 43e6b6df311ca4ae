package gateway

import "sync"

// Session binds a live connection to the user its token identified.
type Session struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	Email        string `json:"email"`
}

// SessionStore holds one session per connection in registration order.
type SessionStore struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{byID: make(map[string]Session)}
}

// Create adds a session for connectionID unless one exists. It returns the
// session now stored and whether it was created.
func (s *SessionStore) Create(connectionID string, id Identity) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[connectionID]; ok {
		return existing, false
	}
	sess := Session{ConnectionID: connectionID, UserID: id.UserID, Name: id.Name, Email: id.Email}
	s.byID[connectionID] = sess
	s.order = append(s.order, connectionID)
	return sess, true
}

// Get returns the session of a connection.
func (s *SessionStore) Get(connectionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[connectionID]
	return sess, ok
}

// GetByUserID returns the first registered session of a user.
func (s *SessionStore) GetByUserID(userID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if sess := s.byID[id]; sess.UserID == userID {
			return sess, true
		}
	}
	return Session{}, false
}

// Remove deletes the session of a connection.
func (s *SessionStore) Remove(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[connectionID]; !ok {
		return false
	}
	delete(s.byID, connectionID)
	for i, id := range s.order {
		if id == connectionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
