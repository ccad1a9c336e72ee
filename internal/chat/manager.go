package chat

import (
	"log/slog"
	"sync"
	"time"
)

// Manager holds the live sessions for all users. Sessions exist only in
// memory; a process restart starts everyone fresh.
type Manager struct {
	mu     sync.RWMutex
	active map[string]map[string]*Session // userID -> sessionID -> session
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]map[string]*Session),
	}
}

// Get returns the session for a user/tab, or nil.
func (m *Manager) Get(userID, sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// GetOrCreate returns the session for a user/tab, creating it on first
// use.
func (m *Manager) GetOrCreate(userID, sessionID string) *Session {
	if s := m.Get(userID, sessionID); s != nil {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*Session)
	}
	if s, exists := m.active[userID][sessionID]; exists {
		return s
	}

	s := NewSession(userID, sessionID)
	m.active[userID][sessionID] = s
	slog.Info("Chat session created", "user_id", userID, "session_id", sessionID)
	return s
}

// CloseUser drops all sessions for a user.
func (m *Manager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	for sid := range sessions {
		slog.Info("Chat session closed", "user_id", userID, "session_id", sid)
	}
	delete(m.active, userID)
}

// PruneIdle drops sessions that have been inactive longer than ttl and
// returns how many were removed. Streaming sessions are never pruned.
func (m *Manager) PruneIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for userID, sessions := range m.active {
		for sid, s := range sessions {
			if s.State() == StateStreaming {
				continue
			}
			if s.LastActive().Before(cutoff) {
				delete(sessions, sid)
				pruned++
			}
		}
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
	return pruned
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
