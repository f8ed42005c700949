package relay

import (
	"sync"
	"time"

	customlog "github.com/pibot/relay/pkg/log"
)

// Manager tracks the active sessions, one per connected control client.
// Sessions never share socket state; the manager only exists so the
// diagnostics surface can see what is running.
type Manager struct {
	logger customlog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	startedAt       time.Time
	totalSessions   int64
	retiredCommands int64
	retiredErrors   int64
}

// Stats is a point-in-time snapshot of relay activity.
type Stats struct {
	ActiveSessions    int   `json:"active_sessions"`
	TotalSessions     int64 `json:"total_sessions"`
	CommandsForwarded int64 `json:"commands_forwarded"`
	ErrorCount        int64 `json:"error_count"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}

// NewManager creates an empty session manager.
func NewManager(logger customlog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		sessions:  make(map[string]*Session),
		startedAt: time.Now(),
	}
}

// Register associates a session with a client identifier. A session already
// registered under the same identifier is closed and replaced; each client
// owns at most one active robot socket.
func (m *Manager) Register(clientID string, s *Session) {
	m.mu.Lock()
	old, exists := m.sessions[clientID]
	m.sessions[clientID] = s
	m.totalSessions++
	m.mu.Unlock()

	if exists && old != s {
		m.logger.Warnf("Client %s replaced an active session; closing the old one", clientID)
		old.Close()
		m.retire(old)
	}
	m.logger.Infof("Registered session %s for client %s (target %s)", s.ID(), clientID, s.Addr())
}

// Unregister removes the session for a client, folding its counters into the
// cumulative totals.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	s, exists := m.sessions[clientID]
	delete(m.sessions, clientID)
	m.mu.Unlock()

	if exists {
		m.retire(s)
		m.logger.Infof("Unregistered session %s for client %s", s.ID(), clientID)
	}
}

// Get returns the session registered for a client, if any.
func (m *Manager) Get(clientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats snapshots relay activity across active and retired sessions.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ActiveSessions:    len(m.sessions),
		TotalSessions:     m.totalSessions,
		CommandsForwarded: m.retiredCommands,
		ErrorCount:        m.retiredErrors,
		UptimeSeconds:     int64(time.Since(m.startedAt).Seconds()),
	}
	for _, s := range m.sessions {
		stats.CommandsForwarded += s.CommandsSent()
		stats.ErrorCount += s.Errors()
	}
	return stats
}

// CloseAll tears down every active session, used during server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.retire(s)
	}
	if len(sessions) > 0 {
		m.logger.Infof("Closed %d active sessions", len(sessions))
	}
}

func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	m.retiredCommands += s.CommandsSent()
	m.retiredErrors += s.Errors()
	m.mu.Unlock()
}
