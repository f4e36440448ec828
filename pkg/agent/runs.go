package agent

import (
	"context"
	"sync"
)

type activeRun struct {
	cancel context.CancelFunc
}

// ActiveRuns tracks the cancel handle of each session's in-flight stream
type ActiveRuns struct {
	runs map[string]*activeRun
	mu   sync.Mutex
}

// NewActiveRuns creates an empty run tracker
func NewActiveRuns() *ActiveRuns {
	return &ActiveRuns{
		runs: make(map[string]*activeRun),
	}
}

// Start derives a cancellable context for the session's new run. A run already
// registered for the session is cancelled first. The returned release func must
// be called when the run ends.
func (r *ActiveRuns) Start(ctx context.Context, sessionID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel}

	r.mu.Lock()
	if prev, exists := r.runs[sessionID]; exists {
		prev.cancel()
	}
	r.runs[sessionID] = run
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		if current, exists := r.runs[sessionID]; exists && current == run {
			delete(r.runs, sessionID)
		}
		r.mu.Unlock()
		cancel()
	}

	return runCtx, release
}

// Stop cancels the session's run. It reports whether a run was found.
func (r *ActiveRuns) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, exists := r.runs[sessionID]
	if !exists {
		return false
	}
	run.cancel()
	delete(r.runs, sessionID)
	return true
}

// IsRunning checks if a run is registered for the session
func (r *ActiveRuns) IsRunning(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.runs[sessionID]
	return exists
}
