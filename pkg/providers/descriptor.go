package providers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/plugin"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Output formats understood by the cli provider
const (
	OutputText       = "text"
	OutputStreamJSON = "stream-json"
)

// DescriptorExtensions are the file extensions loaded as provider descriptors
var DescriptorExtensions = []string{".yaml", ".yml"}

// Descriptor describes an external agent CLI
type Descriptor struct {
	Type            string            `yaml:"type"`
	Name            string            `yaml:"name"`
	Version         string            `yaml:"version"`
	Description     string            `yaml:"description"`
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	PlanArgs        []string          `yaml:"plan_args"`
	Output          string            `yaml:"output"`
	Env             map[string]string `yaml:"env"`
	DefaultModel    string            `yaml:"default_model"`
	SupportedModels []string          `yaml:"supported_models"`
	Timeout         time.Duration     `yaml:"timeout"`
	ConfigSchema    map[string]any    `yaml:"config_schema"`

	// Path is the file the descriptor was loaded from
	Path string `yaml:"-"`
}

// Validate checks the descriptor's required fields
func (d Descriptor) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("descriptor %s: type is required", d.Path)
	}
	if d.Command == "" {
		return fmt.Errorf("descriptor %s: command is required", d.Type)
	}
	switch d.Output {
	case OutputText, OutputStreamJSON:
	default:
		return fmt.Errorf("descriptor %s: unsupported output %q", d.Type, d.Output)
	}
	return nil
}

// LoadDescriptor reads and validates one descriptor file
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read descriptor: %w", err)
	}

	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse descriptor %s: %w", path, err)
	}
	desc.Path = path
	if desc.Output == "" {
		desc.Output = OutputText
	}
	if desc.Name == "" {
		desc.Name = desc.Type
	}

	if err := desc.Validate(); err != nil {
		return Descriptor{}, err
	}
	return desc, nil
}

// LoadDescriptors reads every descriptor in dir, sorted by file name. A missing
// directory yields no descriptors.
func LoadDescriptors(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read descriptor directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if IsDescriptorFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		desc, err := LoadDescriptor(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// IsDescriptorFile reports whether name has a descriptor extension
func IsDescriptorFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range DescriptorExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// DescriptorPlugin turns a descriptor into a provider plugin. The command is
// resolved on PATH the first time an agent is created.
func DescriptorPlugin(desc Descriptor, logger zerolog.Logger) plugin.Plugin {
	return plugin.Plugin{
		Metadata: plugin.Metadata{
			Type:              desc.Type,
			Name:              desc.Name,
			Version:           desc.Version,
			Description:       desc.Description,
			ConfigSchema:      desc.ConfigSchema,
			SupportsPlan:      true,
			SupportsStreaming: desc.Output == OutputStreamJSON,
			SupportedModels:   desc.SupportedModels,
			DefaultModel:      desc.DefaultModel,
			Tags:              []string{"cli"},
		},
		Factory: func(cfg agent.Config) (agent.Agent, error) {
			return NewLLMAgent(NewCLIProvider(desc, logger), cfg, logger), nil
		},
		OnInit: func(ctx context.Context) error {
			if _, err := exec.LookPath(desc.Command); err != nil {
				return fmt.Errorf("command %s not available: %w", desc.Command, err)
			}
			return nil
		},
	}
}
