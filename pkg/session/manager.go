package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/agent"
	"github.com/rs/zerolog"
)

const maxSessionIDLength = 256

// Manager owns one Session per conversation id
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// NewManager creates an empty session manager
func NewManager(logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()

	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With().Str("component", "session-manager").Logger(),
	}
}

// ValidateID checks that a session id is usable as a key
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSessionID)
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSessionID, maxSessionIDLength)
	}
	if strings.ContainsAny(id, "\x00\n\r") {
		return fmt.Errorf("%w: contains control characters", ErrInvalidSessionID)
	}
	return nil
}

// GetOrCreate returns the session for id, creating it with cfg if needed.
// An empty id creates a session with a generated id. The boolean reports
// whether the session was created.
func (m *Manager) GetOrCreate(id string, cfg agent.Config) (*Session, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	sess, exists := m.sessions[id]
	m.mu.RUnlock()
	if exists {
		return sess, false, nil
	}

	m.mu.Lock()
	if sess, exists = m.sessions[id]; exists {
		m.mu.Unlock()
		return sess, false, nil
	}
	sess = newSession(id, cfg)
	m.sessions[id] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	observability.SetActiveSessions(count)
	m.logger.Debug().
		Str("session_id", id).
		Str("provider", cfg.Provider).
		Msg("Session created")

	return sess, true, nil
}

// Get returns the session for id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, exists := m.sessions[id]
	return sess, exists
}

// Stop aborts the session's in-flight run. Unknown ids are ignored. It reports
// whether a run was in flight.
func (m *Manager) Stop(id string) bool {
	sess, exists := m.Get(id)
	if !exists {
		return false
	}

	active := sess.Abort()
	m.logger.Info().
		Str("session_id", id).
		Bool("was_active", active).
		Msg("Session stopped")
	return active
}

// Remove aborts and forgets a session
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	sess, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	sess.Abort()
	observability.SetActiveSessions(count)
	return true
}

// List returns snapshots of all sessions ordered by creation time
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of tracked sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// PruneIdle removes idle sessions that have been inactive for longer than
// maxIdle and returns their ids.
func (m *Manager) PruneIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var removed []string
	for id, sess := range m.sessions {
		if sess.Phase() == PhaseIdle && sess.LastActive().Before(cutoff) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if len(removed) > 0 {
		sort.Strings(removed)
		observability.SetActiveSessions(count)
		m.logger.Info().
			Int("removed", len(removed)).
			Dur("max_idle", maxIdle).
			Msg("Pruned idle sessions")
	}
	return removed
}
