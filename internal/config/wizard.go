package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard walks the user through the settings most installs change
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a configuration wizard reading answers from in
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for each setting, starting from base. Empty answers keep the
// current value.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	cfg.Agents.Profiles = make(map[string]ProfileConfig, len(base.Agents.Profiles))
	for name, p := range base.Agents.Profiles {
		cfg.Agents.Profiles[name] = p
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== Conductor Configuration ===")
	fmt.Fprintln(w.out)

	for {
		provider, err := w.ask("Default provider (echo/anthropic/openai or a CLI descriptor type)", cfg.Agents.DefaultProvider)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProviderType(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Agents.DefaultProvider = provider
		break
	}

	for _, hosted := range []string{"anthropic", "openai"} {
		profile := cfg.Agents.Profiles[hosted]
		for {
			key, err := w.ask(fmt.Sprintf("%s API key (Enter to skip or keep)", hosted), "")
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, hosted); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			profile.APIKey = key
			cfg.Agents.Profiles[hosted] = profile
			break
		}
	}

	for {
		answer, err := w.ask("Gateway port", strconv.Itoa(cfg.Gateway.Port))
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(answer)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Gateway.Port = port
		break
	}

	secret, err := w.ask("Gateway shared secret (Enter to keep)", "")
	if err != nil {
		return nil, err
	}
	if secret != "" {
		cfg.Gateway.SharedSecret = secret
	}

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return &cfg, nil
}

func (w *Wizard) ask(prompt, current string) (string, error) {
	if current != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, current)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}

	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}

	answer := strings.TrimSpace(line)
	if answer == "" {
		return current, nil
	}
	return answer, nil
}
