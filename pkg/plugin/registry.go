package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// pluginRecord tracks a registered plugin and its lifecycle state
type pluginRecord struct {
	plugin       Plugin
	schema       *gojsonschema.Schema
	registeredAt time.Time

	initMu      sync.Mutex
	initialized bool
	created     int
}

func (rec *pluginRecord) ensureInit(ctx context.Context) error {
	rec.initMu.Lock()
	defer rec.initMu.Unlock()

	if rec.initialized {
		return nil
	}
	if rec.plugin.OnInit != nil {
		if err := rec.plugin.OnInit(ctx); err != nil {
			return err
		}
	}
	rec.initialized = true
	return nil
}

func (rec *pluginRecord) destroy(ctx context.Context) error {
	rec.initMu.Lock()
	defer rec.initMu.Unlock()

	if !rec.initialized {
		return nil
	}
	rec.initialized = false
	if rec.plugin.OnDestroy == nil {
		return nil
	}
	return rec.plugin.OnDestroy(ctx)
}

// Registry maps provider types to plugins and builds agents on demand
type Registry struct {
	plugins map[string]*pluginRecord
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()

	return &Registry{
		plugins: make(map[string]*pluginRecord),
		logger:  logger.With().Str("component", "plugin-registry").Logger(),
	}
}

// Register validates and stores a plugin. Registering a type that already exists
// replaces the previous plugin; a replaced plugin that had been initialized has
// its OnDestroy hook run.
func (r *Registry) Register(p Plugin) error {
	defined, err := Define(p)
	if err != nil {
		return err
	}
	schema, err := compileSchema(defined.Metadata.ConfigSchema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}

	record := &pluginRecord{
		plugin:       defined,
		schema:       schema,
		registeredAt: time.Now(),
	}

	r.mu.Lock()
	previous, replaced := r.plugins[defined.Metadata.Type]
	r.plugins[defined.Metadata.Type] = record
	count := len(r.plugins)
	r.mu.Unlock()

	observability.SetRegisteredProviders(count)

	if replaced {
		r.logger.Warn().
			Str("type", defined.Metadata.Type).
			Str("previous_version", previous.plugin.Metadata.Version).
			Str("version", defined.Metadata.Version).
			Msg("Provider plugin replaced")
		observability.RecordProviderAudit(context.Background(), "provider:replaced", defined.Metadata.Type, map[string]interface{}{
			"previous_version": previous.plugin.Metadata.Version,
			"version":          defined.Metadata.Version,
		})
		if err := previous.destroy(context.Background()); err != nil {
			r.logger.Error().Err(err).Str("type", defined.Metadata.Type).Msg("Replaced plugin OnDestroy failed")
		}
		return nil
	}

	r.logger.Info().
		Str("type", defined.Metadata.Type).
		Str("name", defined.Metadata.Name).
		Str("version", defined.Metadata.Version).
		Msg("Provider plugin registered")

	return nil
}

// Get returns the factory registered for a provider type
func (r *Registry) Get(providerType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.plugins[providerType]
	if !exists {
		return nil, false
	}
	return record.plugin.Factory, true
}

// Metadata returns the metadata registered for a provider type
func (r *Registry) Metadata(providerType string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.plugins[providerType]
	if !exists {
		return Metadata{}, false
	}
	return record.plugin.Metadata.clone(), true
}

// Has checks if a provider type is registered
func (r *Registry) Has(providerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.plugins[providerType]
	return exists
}

// List returns info about every registered plugin, sorted by type
func (r *Registry) List() []Info {
	r.mu.RLock()
	records := make([]*pluginRecord, 0, len(r.plugins))
	for _, record := range r.plugins {
		records = append(records, record)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(records))
	for _, record := range records {
		record.initMu.Lock()
		infos = append(infos, Info{
			Metadata:     record.plugin.Metadata.clone(),
			Initialized:  record.initialized,
			RegisteredAt: record.registeredAt,
			Created:      record.created,
		})
		record.initMu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Metadata.Type < infos[j].Metadata.Type
	})
	return infos
}

// Unregister removes a plugin, running its OnDestroy hook if it was initialized
func (r *Registry) Unregister(ctx context.Context, providerType string) error {
	r.mu.Lock()
	record, exists := r.plugins[providerType]
	if exists {
		delete(r.plugins, providerType)
	}
	count := len(r.plugins)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, providerType)
	}

	observability.SetRegisteredProviders(count)
	r.logger.Info().Str("type", providerType).Msg("Provider plugin unregistered")

	return record.destroy(ctx)
}

// Create builds an agent for cfg.Provider. The plugin's OnInit hook runs on the
// first successful resolution; factories are only ever invoked here.
func (r *Registry) Create(ctx context.Context, cfg agent.Config) (agent.Agent, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.RLock()
	record, exists := r.plugins[cfg.Provider]
	r.mu.RUnlock()

	if !exists {
		observability.RecordProviderCreate(cfg.Provider, false)
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, cfg.Provider)
	}

	if err := validateOptions(record.schema, cfg.Options); err != nil {
		observability.RecordProviderCreate(cfg.Provider, false)
		return nil, fmt.Errorf("provider %s: %w", cfg.Provider, err)
	}

	if cfg.Model == "" {
		cfg.Model = record.plugin.Metadata.DefaultModel
	}

	if err := record.ensureInit(ctx); err != nil {
		observability.RecordProviderCreate(cfg.Provider, false)
		return nil, fmt.Errorf("provider %s init failed: %w", cfg.Provider, err)
	}

	instance, err := record.plugin.Factory(cfg)
	if err != nil {
		observability.RecordProviderCreate(cfg.Provider, false)
		return nil, fmt.Errorf("provider %s factory failed: %w", cfg.Provider, err)
	}
	if instance == nil {
		observability.RecordProviderCreate(cfg.Provider, false)
		return nil, fmt.Errorf("provider %s factory returned no agent", cfg.Provider)
	}

	record.initMu.Lock()
	record.created++
	record.initMu.Unlock()

	observability.RecordProviderCreate(cfg.Provider, true)
	r.logger.Debug().
		Str("type", cfg.Provider).
		Str("model", cfg.Model).
		Msg("Agent created")

	return instance, nil
}

// Shutdown runs OnDestroy for every initialized plugin
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	records := make([]*pluginRecord, 0, len(r.plugins))
	for _, record := range r.plugins {
		records = append(records, record)
	}
	r.mu.RUnlock()

	var errs []error
	for _, record := range records {
		if err := record.destroy(ctx); err != nil {
			r.logger.Error().Err(err).Str("type", record.plugin.Metadata.Type).Msg("OnDestroy failed")
			errs = append(errs, fmt.Errorf("%s: %w", record.plugin.Metadata.Type, err))
		}
	}

	return errors.Join(errs...)
}
