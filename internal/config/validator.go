package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var providerTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validator validates configuration values
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateAPIKey checks the key format of hosted providers. Other providers
// accept any key.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProviderType checks a provider type name
func (v *Validator) ValidateProviderType(providerType string) error {
	if !providerTypePattern.MatchString(providerType) {
		return fmt.Errorf("invalid provider type %q (lowercase letters, digits, - and _)", providerType)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	for _, valid := range validLogLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule checks a cron expression or descriptor such as "@every 10m"
func (v *Validator) ValidateSchedule(schedule string) error {
	if _, err := v.cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Gateway.Enabled {
		if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
		if cfg.Gateway.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Errorf("gateway: requests_per_minute must be >= 0"))
		}
		if cfg.Gateway.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("gateway: max_concurrent must be >= 0"))
		}
	}

	if cfg.Agents.DefaultProvider != "" {
		if err := v.ValidateProviderType(cfg.Agents.DefaultProvider); err != nil {
			errs = append(errs, fmt.Errorf("agents.default_provider: %w", err))
		}
	}
	if cfg.Agents.MaxConcurrentRuns < 0 {
		errs = append(errs, fmt.Errorf("agents.max_concurrent_runs must be >= 0"))
	}

	for name, profile := range cfg.Agents.Profiles {
		if err := v.ValidateProviderType(name); err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", name, err))
		}
		// keys may come from the environment instead
		if profile.APIKey != "" {
			if err := v.ValidateAPIKey(profile.APIKey, name); err != nil {
				errs = append(errs, fmt.Errorf("profile %s: %w", name, err))
			}
		}
		if profile.Temperature != 0 {
			if err := v.ValidateTemperature(profile.Temperature); err != nil {
				errs = append(errs, fmt.Errorf("profile %s: %w", name, err))
			}
		}
		if profile.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(profile.MaxTokens); err != nil {
				errs = append(errs, fmt.Errorf("profile %s: %w", name, err))
			}
		}
	}

	if cfg.Background.RemovalDelayMs < 0 {
		errs = append(errs, fmt.Errorf("background.removal_delay_ms must be >= 0"))
	}

	if cfg.Plans.RetentionMinutes < 0 || cfg.Plans.SessionIdleMinutes < 0 {
		errs = append(errs, fmt.Errorf("plans: retention values must be >= 0"))
	}
	if cfg.Plans.PruneSchedule != "" {
		if err := v.ValidateSchedule(cfg.Plans.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("plans.prune_schedule: %w", err))
		}
	}

	if cfg.History.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("history.retention_days must be >= 0"))
	}

	return errs
}

// Validate joins the problems found by ValidateConfig
func (v *Validator) Validate(cfg *Config) error {
	return errors.Join(v.ValidateConfig(cfg)...)
}
