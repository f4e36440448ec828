package plugin

import (
	"context"
	"errors"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

var (
	// ErrInvalidPlugin is returned when a plugin definition fails validation
	ErrInvalidPlugin = errors.New("invalid plugin")

	// ErrProviderNotFound is returned when no plugin is registered for a provider type
	ErrProviderNotFound = errors.New("provider not found")

	// ErrInvalidConfig is returned when agent options do not satisfy the plugin's config schema
	ErrInvalidConfig = errors.New("invalid provider config")
)

// Metadata describes a provider's identity and capabilities
type Metadata struct {
	Type              string         `json:"type" yaml:"type"`
	Name              string         `json:"name" yaml:"name"`
	Version           string         `json:"version,omitempty" yaml:"version"`
	Description       string         `json:"description,omitempty" yaml:"description"`
	ConfigSchema      map[string]any `json:"configSchema,omitempty" yaml:"config_schema"`
	SupportsPlan      bool           `json:"supportsPlan" yaml:"supports_plan"`
	SupportsStreaming bool           `json:"supportsStreaming" yaml:"supports_streaming"`
	SupportsSandbox   bool           `json:"supportsSandbox" yaml:"supports_sandbox"`
	SupportedModels   []string       `json:"supportedModels,omitempty" yaml:"supported_models"`
	DefaultModel      string         `json:"defaultModel,omitempty" yaml:"default_model"`
	Tags              []string       `json:"tags,omitempty" yaml:"tags"`
}

func (m Metadata) clone() Metadata {
	cp := m
	cp.SupportedModels = append([]string(nil), m.SupportedModels...)
	cp.Tags = append([]string(nil), m.Tags...)
	if m.ConfigSchema != nil {
		cp.ConfigSchema = make(map[string]any, len(m.ConfigSchema))
		for k, v := range m.ConfigSchema {
			cp.ConfigSchema[k] = v
		}
	}
	return cp
}

// Factory builds an agent instance from a configuration
type Factory func(cfg agent.Config) (agent.Agent, error)

// Hook is an optional lifecycle callback
type Hook func(ctx context.Context) error

// Plugin pairs provider metadata with the factory that builds its agents
type Plugin struct {
	Metadata  Metadata
	Factory   Factory
	OnInit    Hook
	OnDestroy Hook
}

// Info is a read-only view of a registered plugin
type Info struct {
	Metadata     Metadata  `json:"metadata"`
	Initialized  bool      `json:"initialized"`
	RegisteredAt time.Time `json:"registeredAt"`
	Created      int       `json:"created"`
}
