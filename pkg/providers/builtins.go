package providers

import (
	"errors"
	"fmt"
	"os"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/plugin"
	"github.com/rs/zerolog"
)

// ErrMissingAPIKey is returned when a hosted provider has no credentials
var ErrMissingAPIKey = errors.New("missing API key")

var retryOptionsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"max_retries": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
	},
}

// EchoPlugin returns the local echo provider plugin
func EchoPlugin(logger zerolog.Logger) plugin.Plugin {
	return plugin.Plugin{
		Metadata: plugin.Metadata{
			Type:         "echo",
			Name:         "Echo",
			Version:      "1.0.0",
			Description:  "Deterministic local provider that echoes prompts and splits them into plans",
			SupportsPlan: true,
			DefaultModel: "echo",
			ConfigSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prefix":      map[string]any{"type": "string"},
					"delay_ms":    map[string]any{"type": "integer", "minimum": 0},
					"fail_after":  map[string]any{"type": "integer", "minimum": 0},
					"max_retries": map[string]any{"type": "integer", "minimum": 1},
				},
			},
			Tags: []string{"local"},
		},
		Factory: func(cfg agent.Config) (agent.Agent, error) {
			return NewLLMAgent(NewEchoProvider(cfg.Options), cfg, logger), nil
		},
	}
}

// AnthropicPlugin returns the Anthropic provider plugin
func AnthropicPlugin(logger zerolog.Logger) plugin.Plugin {
	return plugin.Plugin{
		Metadata: plugin.Metadata{
			Type:              "anthropic",
			Name:              "Anthropic Claude",
			Version:           "1.0.0",
			Description:       "Claude models through the Anthropic Messages API",
			ConfigSchema:      retryOptionsSchema,
			SupportsPlan:      true,
			SupportedModels:   []string{"claude-sonnet-4-5", "claude-opus-4-1", "claude-3-5-haiku-latest"},
			DefaultModel:      defaultAnthropicModel,
			SupportsStreaming: false,
			Tags:              []string{"hosted"},
		},
		Factory: func(cfg agent.Config) (agent.Agent, error) {
			if err := resolveAPIKey(&cfg, "ANTHROPIC_API_KEY"); err != nil {
				return nil, err
			}
			return NewLLMAgent(NewAnthropicProvider(cfg), cfg, logger), nil
		},
	}
}

// OpenAIPlugin returns the OpenAI provider plugin
func OpenAIPlugin(logger zerolog.Logger) plugin.Plugin {
	return plugin.Plugin{
		Metadata: plugin.Metadata{
			Type:            "openai",
			Name:            "OpenAI",
			Version:         "1.0.0",
			Description:     "OpenAI chat completions and compatible endpoints",
			ConfigSchema:    retryOptionsSchema,
			SupportsPlan:    true,
			SupportedModels: []string{"gpt-4o", "gpt-4o-mini", "o3-mini"},
			DefaultModel:    defaultOpenAIModel,
			Tags:            []string{"hosted"},
		},
		Factory: func(cfg agent.Config) (agent.Agent, error) {
			if err := resolveAPIKey(&cfg, "OPENAI_API_KEY"); err != nil {
				return nil, err
			}
			return NewLLMAgent(NewOpenAIProvider(cfg), cfg, logger), nil
		},
	}
}

// RegisterBuiltins registers the echo, anthropic and openai plugins
func RegisterBuiltins(reg *plugin.Registry, logger zerolog.Logger) error {
	for _, p := range []plugin.Plugin{
		EchoPlugin(logger),
		AnthropicPlugin(logger),
		OpenAIPlugin(logger),
	} {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("failed to register %s: %w", p.Metadata.Type, err)
		}
	}
	return nil
}

func resolveAPIKey(cfg *agent.Config, envVar string) error {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(envVar)
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("%w: set apiKey or %s", ErrMissingAPIKey, envVar)
	}
	return nil
}
