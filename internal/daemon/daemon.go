package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/logger"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/background"
	"github.com/harun/conductor/pkg/gateway"
	"github.com/harun/conductor/pkg/history"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/plugin"
	"github.com/harun/conductor/pkg/providers"
)

// shutdownTimeout bounds how long Stop waits for in-flight runs
var shutdownTimeout = 15 * time.Second

// Daemon represents the conductor daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	registry     *plugin.Registry
	coordinator  *background.Coordinator
	history      *history.Store
	orchestrator *orchestrator.Orchestrator

	gatewayServer *gateway.Server
	janitor       *Janitor
	descriptors   *descriptorSync
	watcher       *plugin.Watcher
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon and wires its components. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initialize(); err != nil {
		d.release()
		return nil, err
	}

	observability.RecordConfigAudit(context.Background(), "config:loaded", "daemon", map[string]interface{}{
		"default_provider": cfg.Agents.DefaultProvider,
		"gateway_enabled":  cfg.Gateway.Enabled,
		"history_enabled":  cfg.History.Enabled,
	})

	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	if cfg.Logging.AuditFile != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to open audit log, auditing to stderr")
		}
	}

	d.registry = plugin.NewRegistry(d.logger.Component("plugins"))
	if err := providers.RegisterBuiltins(d.registry, d.logger.Component("providers")); err != nil {
		return fmt.Errorf("failed to register built-in providers: %w", err)
	}

	d.descriptors = newDescriptorSync(cfg.Descriptors.Dir, d.registry, d.logger.GetZerolog())
	if cfg.Descriptors.Dir != "" {
		n, err := d.descriptors.LoadAll()
		if err != nil {
			return fmt.Errorf("failed to load provider descriptors: %w", err)
		}
		d.logger.Info().Int("count", n).Str("dir", cfg.Descriptors.Dir).Msg("Provider descriptors loaded")
	}

	d.coordinator = background.NewCoordinator(background.Config{
		RemovalDelay: cfg.Background.RemovalDelay(),
		Logger:       d.logger.GetZerolog(),
	})

	opts := []orchestrator.Option{
		orchestrator.WithLogger(d.logger.GetZerolog()),
		orchestrator.WithCoordinator(d.coordinator),
		orchestrator.WithDefaultProvider(cfg.Agents.DefaultProvider),
		orchestrator.WithMaxConcurrent(cfg.Agents.MaxConcurrentRuns),
	}
	for name, profile := range cfg.Agents.Profiles {
		opts = append(opts, orchestrator.WithProfile(name, profile.AgentConfig(name)))
	}

	if cfg.History.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := history.NewStore(history.Config{
			Path:   cfg.History.Path,
			Logger: d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		d.history = store
		opts = append(opts, orchestrator.WithHistory(store))
	}

	d.orchestrator = orchestrator.New(d.registry, opts...)

	janitorCfg := JanitorConfig{
		Schedule:      cfg.Plans.PruneSchedule,
		PlanRetention: cfg.Plans.Retention(),
		SessionIdle:   cfg.Plans.SessionIdle(),
		Sessions:      d.orchestrator,
		Logger:        d.logger.GetZerolog(),
	}
	if d.history != nil {
		janitorCfg.History = d.history
		janitorCfg.HistoryRetention = cfg.History.Retention()
	}
	janitor, err := NewJanitor(janitorCfg)
	if err != nil {
		return err
	}
	d.janitor = janitor

	if cfg.Gateway.Enabled {
		gatewayCfg := gateway.Config{
			Host:              cfg.Gateway.Host,
			Port:              cfg.Gateway.Port,
			SharedSecret:      cfg.Gateway.SharedSecret,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			MaxConcurrent:     cfg.Gateway.MaxConcurrent,
			Orchestrator:      d.orchestrator,
			Providers:         d.registry,
			Logger:            d.logger.GetZerolog(),
		}
		if d.history != nil {
			gatewayCfg.History = d.history
		}
		server, err := gateway.NewServer(gatewayCfg)
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
		d.descriptors.notify = server
	}

	d.lifecycle = NewLifecycleManager(d)
	return nil
}

// release frees what New acquired when wiring fails halfway
func (d *Daemon) release() {
	if d.history != nil {
		d.history.Close()
	}
	if d.coordinator != nil {
		d.coordinator.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting conductor daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	d.janitor.Start()

	if d.config.Descriptors.Watch && d.config.Descriptors.Dir != "" {
		if err := d.startWatcher(); err != nil {
			logger.Warn().Err(err).Msg("Descriptor hot reload disabled")
		}
	}

	logger.Info().
		Int("providers", len(d.registry.List())).
		Str("default_provider", d.config.Agents.DefaultProvider).
		Msg("Conductor daemon started")
	return nil
}

func (d *Daemon) startWatcher() error {
	if err := d.descriptors.ensureDir(); err != nil {
		return fmt.Errorf("failed to create descriptor directory: %w", err)
	}

	watcher, err := plugin.NewWatcher(plugin.WatcherConfig{
		Dir:        d.config.Descriptors.Dir,
		Extensions: providers.DescriptorExtensions,
		OnChange:   d.descriptors.OnChange,
		OnRemove:   d.descriptors.OnRemove,
		Logger:     d.logger.GetZerolog(),
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}
	d.watcher = watcher
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon. In-flight runs are aborted and given shutdownTimeout
// to drain.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping conductor daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
			errs = append(errs, err)
		}
	}

	if err := d.janitor.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop janitor")
		errs = append(errs, err)
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop descriptor watcher")
		}
		d.watcher = nil
	}

	if err := d.orchestrator.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close orchestrator")
		errs = append(errs, err)
	}
	d.coordinator.Close()

	if err := d.registry.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down provider plugins")
		errs = append(errs, err)
	}

	if d.history != nil {
		if err := d.history.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close history store")
			errs = append(errs, err)
		}
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	logger.Info().Msg("Conductor daemon stopped")
	return errors.Join(errs...)
}

// Close releases the components of a daemon that was never started, for
// one-shot use of its orchestrator. A running daemon is stopped instead.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := d.orchestrator.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	d.release()
	return errors.Join(errs...)
}

// Status represents daemon status
type Status struct {
	Running      bool
	Uptime       time.Duration
	StartTime    time.Time
	Addr         string
	Providers    int
	Orchestrator orchestrator.Stats
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:      d.running,
		Providers:    len(d.registry.List()),
		Orchestrator: d.orchestrator.Stats(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		if d.gatewayServer != nil {
			status.Addr = d.gatewayServer.Addr()
		}
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Orchestrator returns the request orchestrator
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// Registry returns the provider plugin registry
func (d *Daemon) Registry() *plugin.Registry {
	return d.registry
}

// Gateway returns the gateway server, nil when disabled
func (d *Daemon) Gateway() *gateway.Server {
	return d.gatewayServer
}

// Janitor returns the maintenance job
func (d *Daemon) Janitor() *Janitor {
	return d.janitor
}
