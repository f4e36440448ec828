package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/plugin"
	"github.com/harun/conductor/pkg/providers"
	"github.com/rs/zerolog"
)

// errTypeTaken is returned when a descriptor declares a provider type that a
// built-in or another descriptor file already provides
var errTypeTaken = errors.New("provider type already provided")

// providerNotifier is told about registry changes. *gateway.Server implements it.
type providerNotifier interface {
	NotifyProvidersChanged(action, providerType string)
}

// descriptorSync keeps the registry in line with the descriptor directory
type descriptorSync struct {
	dir      string
	registry *plugin.Registry
	notify   providerNotifier
	logger   zerolog.Logger

	mu    sync.Mutex
	types map[string]string // path -> provider type
}

func newDescriptorSync(dir string, registry *plugin.Registry, logger zerolog.Logger) *descriptorSync {
	return &descriptorSync{
		dir:      dir,
		registry: registry,
		logger:   logger.With().Str("component", "descriptors").Logger(),
		types:    make(map[string]string),
	}
}

// LoadAll registers every descriptor found in the directory
func (s *descriptorSync) LoadAll() (int, error) {
	descs, err := providers.LoadDescriptors(s.dir)
	if err != nil {
		return 0, err
	}

	for _, desc := range descs {
		if err := s.register(desc); err != nil {
			return 0, err
		}
	}
	return len(descs), nil
}

// OnChange registers the descriptor at path, dropping the type it previously
// declared if that changed
func (s *descriptorSync) OnChange(path string) error {
	desc, err := providers.LoadDescriptor(path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Ignoring invalid descriptor")
		return err
	}

	if err := s.claim(path, desc.Type); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Ignoring conflicting descriptor")
		return err
	}

	s.mu.Lock()
	previous, known := s.types[path]
	s.mu.Unlock()

	if known && previous != desc.Type {
		s.unregister(path, previous)
	}
	return s.register(desc)
}

// OnRemove unregisters the provider declared by a deleted descriptor
func (s *descriptorSync) OnRemove(path string) error {
	s.mu.Lock()
	providerType, known := s.types[path]
	s.mu.Unlock()

	if !known {
		return nil
	}
	s.unregister(path, providerType)
	return nil
}

// Types returns the provider type declared by each loaded descriptor file
func (s *descriptorSync) Types() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.types))
	for path, providerType := range s.types {
		out[filepath.Base(path)] = providerType
	}
	return out
}

// claim checks that path may declare providerType: either the file already
// owns it or nobody provides it yet
func (s *descriptorSync) claim(path, providerType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for other, owned := range s.types {
		if owned == providerType && other != path {
			return fmt.Errorf("%w: %s is declared by %s", errTypeTaken, providerType, filepath.Base(other))
		}
	}
	if s.types[path] != providerType && s.registry.Has(providerType) {
		return fmt.Errorf("%w: %s is a built-in provider", errTypeTaken, providerType)
	}
	return nil
}

func (s *descriptorSync) register(desc providers.Descriptor) error {
	if err := s.claim(desc.Path, desc.Type); err != nil {
		return fmt.Errorf("failed to register descriptor %s: %w", desc.Path, err)
	}
	if err := s.registry.Register(providers.DescriptorPlugin(desc, s.logger)); err != nil {
		return fmt.Errorf("failed to register descriptor %s: %w", desc.Path, err)
	}

	s.mu.Lock()
	s.types[desc.Path] = desc.Type
	s.mu.Unlock()

	s.logger.Info().Str("type", desc.Type).Str("path", desc.Path).Msg("Descriptor loaded")
	observability.RecordProviderAudit(context.Background(), "provider:registered", desc.Type, map[string]interface{}{
		"path":    desc.Path,
		"command": desc.Command,
	})
	if s.notify != nil {
		s.notify.NotifyProvidersChanged("registered", desc.Type)
	}
	return nil
}

func (s *descriptorSync) unregister(path, providerType string) {
	s.mu.Lock()
	delete(s.types, path)
	s.mu.Unlock()

	err := s.registry.Unregister(context.Background(), providerType)
	if err != nil && !errors.Is(err, plugin.ErrProviderNotFound) {
		s.logger.Error().Err(err).Str("type", providerType).Msg("Provider OnDestroy failed")
	}

	observability.RecordProviderAudit(context.Background(), "provider:removed", providerType, map[string]interface{}{
		"path": path,
	})
	if s.notify != nil {
		s.notify.NotifyProvidersChanged("removed", providerType)
	}
}

// ensureDir creates the descriptor directory so it can be watched
func (s *descriptorSync) ensureDir() error {
	return os.MkdirAll(s.dir, 0755)
}
