package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

// Phase is the lifecycle state of a session
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
)

var (
	// ErrSessionBusy is returned when a run is requested for a session that is already executing
	ErrSessionBusy = errors.New("session busy")

	// ErrInvalidSessionID is returned for ids that cannot be used as session keys
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrInvalidPhase is returned when Begin is called with a phase that is not a run phase
	ErrInvalidPhase = errors.New("invalid phase")
)

// Session is one logical conversation and its current run
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	provider   string
	config     agent.Config
	phase      Phase
	aborted    bool
	cancel     context.CancelFunc
	generation uint64
	lastActive time.Time
}

// Info is a point-in-time view of a session
type Info struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model,omitempty"`
	Phase      Phase     `json:"phase"`
	Aborted    bool      `json:"aborted"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

func newSession(id string, cfg agent.Config) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		provider:   cfg.Provider,
		config:     cfg,
		phase:      PhaseIdle,
		lastActive: now,
	}
}

// Provider returns the provider type the session is bound to
func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// Config returns the agent configuration the session was bound with
func (s *Session) Config() agent.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Phase returns the current phase
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// IsAborted reports whether the latest run was stopped
func (s *Session) IsAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// LastActive returns when the session last started or finished a run
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Rebind switches an idle session to a different agent configuration
func (s *Session) Rebind(cfg agent.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseIdle {
		return fmt.Errorf("%w: %s is %s", ErrSessionBusy, s.ID, s.phase)
	}
	s.provider = cfg.Provider
	s.config = cfg
	return nil
}

// Begin starts a run in the given phase and returns its context and token.
// Planning may only start from idle. Executing may start from idle or replace
// an in-flight planning run, which is cancelled.
func (s *Session) Begin(parent context.Context, phase Phase) (context.Context, uint64, error) {
	if phase != PhasePlanning && phase != PhaseExecuting {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidPhase, phase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.phase == PhaseIdle:
	case s.phase == PhasePlanning && phase == PhaseExecuting:
		if s.cancel != nil {
			s.cancel()
		}
	default:
		return nil, 0, fmt.Errorf("%w: %s is %s", ErrSessionBusy, s.ID, s.phase)
	}

	ctx, cancel := context.WithCancel(parent)
	s.generation++
	s.phase = phase
	s.aborted = false
	s.cancel = cancel
	s.lastActive = time.Now()

	return ctx, s.generation, nil
}

// Finish returns the session to idle if token still owns it. It reports
// whether the token was current.
func (s *Session) Finish(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != s.generation {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.phase = PhaseIdle
	s.lastActive = time.Now()
	return true
}

// Abort marks the session aborted, cancels any in-flight run and returns it
// to idle. It reports whether a run was in flight.
func (s *Session) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.phase != PhaseIdle
	s.aborted = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.phase = PhaseIdle
	return active
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:         s.ID,
		Provider:   s.provider,
		Model:      s.config.Model,
		Phase:      s.phase,
		Aborted:    s.aborted,
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
	}
}
