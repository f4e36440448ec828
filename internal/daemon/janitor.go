package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// sessionPruner drops stale plans and idle sessions. *orchestrator.Orchestrator
// implements it.
type sessionPruner interface {
	PrunePlans(olderThan time.Duration) int
	PruneSessions(maxIdle time.Duration) []string
}

// historyPruner deletes old runs. *history.Store implements it.
type historyPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// JanitorConfig holds the retention settings of the maintenance job
type JanitorConfig struct {
	Schedule         string
	PlanRetention    time.Duration
	SessionIdle      time.Duration
	HistoryRetention time.Duration
	Sessions         sessionPruner
	History          historyPruner
	Logger           zerolog.Logger
}

// JanitorReport is what one maintenance pass removed
type JanitorReport struct {
	Plans    int
	Sessions []string
	Runs     int64
}

// Janitor prunes plans, idle sessions and run history on a cron schedule
type Janitor struct {
	cfg     JanitorConfig
	cron    *cron.Cron
	entryID cron.EntryID
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewJanitor validates the schedule and prepares the cron runner
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session pruner is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j := &Janitor{
		cfg:    cfg,
		cron:   cron.New(cron.WithParser(parser)),
		logger: cfg.Logger.With().Str("component", "janitor").Logger(),
	}

	id, err := j.cron.AddFunc(cfg.Schedule, func() {
		j.RunOnce(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.Schedule, err)
	}
	j.entryID = id

	return j, nil
}

// RunOnce performs one maintenance pass. Zero retentions skip their part.
func (j *Janitor) RunOnce(ctx context.Context) JanitorReport {
	var report JanitorReport

	if j.cfg.PlanRetention > 0 {
		report.Plans = j.cfg.Sessions.PrunePlans(j.cfg.PlanRetention)
	}
	if j.cfg.SessionIdle > 0 {
		report.Sessions = j.cfg.Sessions.PruneSessions(j.cfg.SessionIdle)
	}
	if j.cfg.History != nil && j.cfg.HistoryRetention > 0 {
		removed, err := j.cfg.History.Prune(ctx, time.Now().Add(-j.cfg.HistoryRetention))
		if err != nil {
			j.logger.Error().Err(err).Msg("History prune failed")
		}
		report.Runs = removed
	}

	j.logger.Debug().
		Int("plans", report.Plans).
		Int("sessions", len(report.Sessions)).
		Int64("runs", report.Runs).
		Msg("Maintenance pass finished")

	return report
}

// Start begins running the schedule
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.cron.Start()

	j.logger.Info().
		Str("schedule", j.cfg.Schedule).
		Time("next", j.cron.Entry(j.entryID).Schedule.Next(time.Now())).
		Msg("Janitor started")
}

// Stop halts the schedule and waits for a pass in progress
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	select {
	case <-j.cron.Stop().Done():
		j.logger.Info().Msg("Janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
