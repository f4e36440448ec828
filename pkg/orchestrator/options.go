package orchestrator

import (
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/background"
	"github.com/rs/zerolog"
)

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithCoordinator sets the background task coordinator
func WithCoordinator(tasks *background.Coordinator) Option {
	return func(o *Orchestrator) {
		o.tasks = tasks
	}
}

// WithHistory records every finished run
func WithHistory(recorder RunRecorder) Option {
	return func(o *Orchestrator) {
		o.history = recorder
	}
}

// WithDefaultProvider sets the provider used when neither the request nor
// its session names one
func WithDefaultProvider(provider string) Option {
	return func(o *Orchestrator) {
		o.defaultProvider = provider
	}
}

// WithProfile sets the base configuration for a provider. Request model
// overrides are layered on top of it.
func WithProfile(provider string, cfg agent.Config) Option {
	return func(o *Orchestrator) {
		cfg.Provider = provider
		o.profiles[provider] = cfg
	}
}

// WithMaxConcurrent caps the number of runs in flight across all sessions.
// Zero means unlimited.
func WithMaxConcurrent(max int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrent = max
	}
}
