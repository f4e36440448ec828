package config

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

// Config is the conductor daemon configuration
type Config struct {
	// Data directory holding the history database, logs and descriptors
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Agents      AgentsConfig      `json:"agents" mapstructure:"agents"`
	Background  BackgroundConfig  `json:"background" mapstructure:"background"`
	Plans       PlansConfig       `json:"plans" mapstructure:"plans"`
	Descriptors DescriptorsConfig `json:"descriptors" mapstructure:"descriptors"`
	History     HistoryConfig     `json:"history" mapstructure:"history"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// AgentsConfig selects providers and their base configuration
type AgentsConfig struct {
	DefaultProvider string `json:"default_provider" mapstructure:"default_provider"`
	// MaxConcurrentRuns caps runs in flight across sessions, 0 for no cap
	MaxConcurrentRuns int                      `json:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	Profiles          map[string]ProfileConfig `json:"profiles" mapstructure:"profiles"`
}

// ProfileConfig is the base agent configuration of one provider type.
// Request model settings are layered on top.
type ProfileConfig struct {
	Model        string         `json:"model,omitempty" mapstructure:"model"`
	APIKey       string         `json:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL      string         `json:"base_url,omitempty" mapstructure:"base_url"`
	SystemPrompt string         `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	MaxTokens    int            `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature  float64        `json:"temperature,omitempty" mapstructure:"temperature"`
	WorkDir      string         `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Options      map[string]any `json:"options,omitempty" mapstructure:"options"`
}

// AgentConfig converts the profile into an agent configuration
func (p ProfileConfig) AgentConfig(provider string) agent.Config {
	return agent.Config{
		Provider:     provider,
		APIKey:       p.APIKey,
		BaseURL:      p.BaseURL,
		Model:        p.Model,
		WorkDir:      p.WorkDir,
		SystemPrompt: p.SystemPrompt,
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
		Options:      maps.Clone(p.Options),
	}
}

// BackgroundConfig tunes the background task coordinator
type BackgroundConfig struct {
	RemovalDelayMs int `json:"removal_delay_ms" mapstructure:"removal_delay_ms"`
}

// RemovalDelay returns how long finished tasks stay listed
func (b BackgroundConfig) RemovalDelay() time.Duration {
	return time.Duration(b.RemovalDelayMs) * time.Millisecond
}

// PlansConfig controls the janitor that drops stale plans and sessions
type PlansConfig struct {
	RetentionMinutes   int    `json:"retention_minutes" mapstructure:"retention_minutes"`
	SessionIdleMinutes int    `json:"session_idle_minutes" mapstructure:"session_idle_minutes"`
	PruneSchedule      string `json:"prune_schedule" mapstructure:"prune_schedule"`
}

// Retention returns the plan retention period
func (p PlansConfig) Retention() time.Duration {
	return time.Duration(p.RetentionMinutes) * time.Minute
}

// SessionIdle returns how long an idle session is kept
func (p PlansConfig) SessionIdle() time.Duration {
	return time.Duration(p.SessionIdleMinutes) * time.Minute
}

// DescriptorsConfig locates CLI provider descriptor files
type DescriptorsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// HistoryConfig controls the run history database
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// Retention returns how long history rows are kept, 0 for forever
func (h HistoryConfig) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              7420,
			RequestsPerMinute: 120,
			MaxConcurrent:     8,
		},
		Agents: AgentsConfig{
			DefaultProvider: "echo",
			Profiles:        map[string]ProfileConfig{},
		},
		Background: BackgroundConfig{
			RemovalDelayMs: 3000,
		},
		Plans: PlansConfig{
			RetentionMinutes:   24 * 60,
			SessionIdleMinutes: 60,
			PruneSchedule:      "@every 10m",
		},
		Descriptors: DescriptorsConfig{
			Watch: true,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Tracing: TracingConfig{
			ServiceName: "conductor",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	masked.Agents.Profiles = make(map[string]ProfileConfig, len(c.Agents.Profiles))
	for name, p := range c.Agents.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Agents.Profiles[name] = p
	}

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks the configuration and joins every problem found
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
