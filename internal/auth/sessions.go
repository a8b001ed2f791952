// ABOUTME: In-memory session registry keyed by opaque random tokens
// ABOUTME: Sessions last for the process lifetime unless an idle timeout is configured

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// sessionTokenBytes gives 256 bits of entropy per session token.
const sessionTokenBytes = 32

// Session is an authenticated operator session.
type Session struct {
	ID        string
	Username  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// SessionManager owns every live session. All access goes through its methods.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	now         func() time.Time
}

// NewSessionManager creates an empty registry. An idleTimeout of zero means
// sessions never expire on their own.
func NewSessionManager(idleTimeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Create mints and registers a new session for username.
func (m *SessionManager) Create(username string) (*Session, error) {
	id, err := generateSecureToken(sessionTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}

	now := m.now()
	sess := &Session{ID: id, Username: username, CreatedAt: now, LastSeen: now}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	copied := *sess
	return &copied, nil
}

// Get returns a copy of the session for id. Idle sessions are evicted here.
func (m *SessionManager) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, false
	}

	now := m.now()
	if m.idleTimeout > 0 && now.Sub(sess.LastSeen) > m.idleTimeout {
		delete(m.sessions, id)
		return nil, false
	}
	sess.LastSeen = now

	copied := *sess
	return &copied, true
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Clear removes every session and returns how many were dropped.
func (m *SessionManager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	return n
}

// Count returns the number of registered sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// generateSecureToken generates a cryptographically secure random hex token
func generateSecureToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
