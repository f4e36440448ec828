package orchestrator

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/harun/conductor/pkg/agent"
)

// ErrInvalidRequest is returned for requests that cannot be dispatched
var ErrInvalidRequest = errors.New("invalid request")

// Phase selects which agent operation a request maps to
type Phase string

const (
	// PhaseRun is a direct one-phase run. It is the zero value.
	PhaseRun     Phase = ""
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
)

func (p Phase) String() string {
	if p == PhaseRun {
		return "run"
	}
	return string(p)
}

// ModelConfig overrides the provider profile for one request
type ModelConfig struct {
	Model        string         `json:"model,omitempty"`
	APIKey       string         `json:"apiKey,omitempty"`
	BaseURL      string         `json:"baseUrl,omitempty"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	MaxTokens    int            `json:"maxTokens,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// Request is what the API layer hands to the orchestrator
type Request struct {
	Prompt        string                      `json:"prompt"`
	SessionID     string                      `json:"sessionId,omitempty"`
	Conversation  []agent.ConversationMessage `json:"conversation,omitempty"`
	Phase         Phase                       `json:"phase,omitempty"`
	PlanID        string                      `json:"planId,omitempty"`
	WorkDir       string                      `json:"workDir,omitempty"`
	TaskID        string                      `json:"taskId,omitempty"`
	Provider      string                      `json:"provider,omitempty"`
	ModelConfig   *ModelConfig                `json:"modelConfig,omitempty"`
	SandboxConfig map[string]any              `json:"sandboxConfig,omitempty"`
	Images        []agent.Image               `json:"images,omitempty"`
	SkillsConfig  map[string]any              `json:"skillsConfig,omitempty"`
	MCPConfig     map[string]any              `json:"mcpConfig,omitempty"`
}

// Validate checks the request shape. Provider and plan resolution happen later.
func (r Request) Validate() error {
	switch r.Phase {
	case PhaseRun, PhasePlan:
		if strings.TrimSpace(r.Prompt) == "" {
			return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
		}
	case PhaseExecute:
		if r.PlanID == "" {
			return fmt.Errorf("%w: planId is required to execute", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidRequest, r.Phase)
	}

	for i, img := range r.Images {
		if img.MediaType == "" || img.Data == "" {
			return fmt.Errorf("%w: image %d needs mediaType and data", ErrInvalidRequest, i)
		}
	}
	return nil
}

func (r Request) runOptions(sessionID string) agent.RunOptions {
	opts := agent.RunOptions{
		SessionID:    sessionID,
		WorkDir:      r.WorkDir,
		Conversation: r.Conversation,
		Images:       r.Images,
		Sandbox:      r.SandboxConfig,
		Skills:       r.SkillsConfig,
		MCP:          r.MCPConfig,
	}
	if r.ModelConfig != nil {
		opts.Model = r.ModelConfig.Model
	}
	return opts
}

// buildConfig layers the request's overrides on top of a provider profile.
// The profile is copied so requests never mutate it.
func buildConfig(provider string, profile agent.Config, req Request) agent.Config {
	cfg := profile
	cfg.Provider = provider
	cfg.Options = maps.Clone(profile.Options)

	if req.WorkDir != "" {
		cfg.WorkDir = req.WorkDir
	}

	mc := req.ModelConfig
	if mc == nil {
		return cfg
	}
	if mc.Model != "" {
		cfg.Model = mc.Model
	}
	if mc.APIKey != "" {
		cfg.APIKey = mc.APIKey
	}
	if mc.BaseURL != "" {
		cfg.BaseURL = mc.BaseURL
	}
	if mc.SystemPrompt != "" {
		cfg.SystemPrompt = mc.SystemPrompt
	}
	if mc.MaxTokens > 0 {
		cfg.MaxTokens = mc.MaxTokens
	}
	if mc.Temperature != 0 {
		cfg.Temperature = mc.Temperature
	}
	if len(mc.Options) > 0 {
		if cfg.Options == nil {
			cfg.Options = make(map[string]any, len(mc.Options))
		}
		maps.Copy(cfg.Options, mc.Options)
	}
	return cfg
}
