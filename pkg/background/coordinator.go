// Package background tracks agent sessions that keep running after their
// caller has moved on, and reports every change to subscribers in order.
package background

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Config holds coordinator configuration
type Config struct {
	RemovalDelay time.Duration
	Logger       zerolog.Logger
}

// Coordinator manages background tasks. Every mutation and the notification
// that follows it happen under one dispatch lock, so listeners observe
// snapshots in mutation order. Listeners run synchronously and must not call
// back into the coordinator.
type Coordinator struct {
	dispatchMu sync.Mutex

	tasks        map[string]*Task
	removals     map[string]*time.Timer
	listeners    map[uint64]Listener
	nextListener uint64
	mu           sync.RWMutex

	removalDelay time.Duration
	logger       zerolog.Logger
}

// NewCoordinator creates a new background task coordinator
func NewCoordinator(cfg Config) *Coordinator {
	observability.EnsureRegistered()

	if cfg.RemovalDelay <= 0 {
		cfg.RemovalDelay = DefaultRemovalDelay
	}

	return &Coordinator{
		tasks:        make(map[string]*Task),
		removals:     make(map[string]*time.Timer),
		listeners:    make(map[uint64]Listener),
		removalDelay: cfg.RemovalDelay,
		logger:       cfg.Logger.With().Str("component", "background").Logger(),
	}
}

// Add inserts or replaces a task by id and returns the stored id. A missing
// id is generated; a zero start time is set to now.
func (c *Coordinator) Add(task Task) (string, error) {
	task, err := prepare(task)
	if err != nil {
		return "", err
	}

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	c.storeLocked(task)
	c.mu.Unlock()

	c.logAdded(task)
	c.notifyLocked()
	return task.TaskID, nil
}

// Claim adds a running task unless a running task already owns its id. The
// returned lease finishes or releases only the record it created, so a later
// Add, Claim or Stop of the same id is never undone by the first owner.
func (c *Coordinator) Claim(task Task) (*Lease, error) {
	task, err := prepare(task)
	if err != nil {
		return nil, err
	}
	task.IsRunning = true

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if existing, exists := c.tasks[task.TaskID]; exists && existing.IsRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, task.TaskID)
	}
	record := c.storeLocked(task)
	c.mu.Unlock()

	c.logAdded(task)
	c.notifyLocked()
	return &Lease{c: c, record: record}, nil
}

func prepare(task Task) (Task, error) {
	if task.TaskID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return Task{}, fmt.Errorf("failed to generate task ID: %w", err)
		}
		task.TaskID = id
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now()
	}
	return task, nil
}

// storeLocked must be called with dispatchMu and mu held
func (c *Coordinator) storeLocked(task Task) *Task {
	c.cancelRemovalLocked(task.TaskID)
	stored := task
	c.tasks[task.TaskID] = &stored
	return &stored
}

func (c *Coordinator) logAdded(task Task) {
	c.logger.Info().
		Str("taskId", task.TaskID).
		Str("sessionId", task.SessionID).
		Bool("running", task.IsRunning).
		Msg("Background task added")
}

// Remove deletes a task without cancelling it. Unknown ids are ignored.
func (c *Coordinator) Remove(taskID string) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	_, exists := c.tasks[taskID]
	if exists {
		delete(c.tasks, taskID)
		c.cancelRemovalLocked(taskID)
	}
	c.mu.Unlock()

	if !exists {
		return false
	}

	c.logger.Debug().Str("taskId", taskID).Msg("Background task removed")
	c.notifyLocked()
	return true
}

// UpdateStatus sets a task's running flag. Marking a task not running
// schedules its removal after the removal delay; marking it running again
// cancels a pending removal.
func (c *Coordinator) UpdateStatus(taskID string, running bool) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	task, exists := c.tasks[taskID]
	if !exists {
		c.mu.Unlock()
		return false
	}
	c.setStatusLocked(task, running)
	c.mu.Unlock()

	c.notifyLocked()
	return true
}

// setStatusLocked must be called with dispatchMu and mu held
func (c *Coordinator) setStatusLocked(task *Task, running bool) {
	task.IsRunning = running
	if running {
		c.cancelRemovalLocked(task.TaskID)
	} else {
		c.scheduleRemovalLocked(task.TaskID)
	}

	c.logger.Debug().
		Str("taskId", task.TaskID).
		Bool("running", running).
		Msg("Background task status updated")
}

// Stop cancels a task and removes it immediately
func (c *Coordinator) Stop(taskID string) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	task, exists := c.tasks[taskID]
	if exists {
		task.IsRunning = false
		delete(c.tasks, taskID)
		c.cancelRemovalLocked(taskID)
	}
	c.mu.Unlock()

	if !exists {
		return false
	}

	if task.Cancel != nil {
		task.Cancel()
	}

	c.logger.Info().Str("taskId", taskID).Msg("Background task stopped")
	observability.RecordStopAudit(context.Background(), "task", taskID, "success")

	c.notifyLocked()
	return true
}

// Clear cancels every task and empties the coordinator with a single
// notification. It returns the number of tasks cleared.
func (c *Coordinator) Clear() int {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	cleared := make([]*Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		cleared = append(cleared, task)
	}
	for taskID := range c.removals {
		c.cancelRemovalLocked(taskID)
	}
	clear(c.tasks)
	c.mu.Unlock()

	for _, task := range cleared {
		if task.Cancel != nil {
			task.Cancel()
		}
	}

	c.logger.Info().Int("tasks", len(cleared)).Msg("Background tasks cleared")
	c.notifyLocked()
	return len(cleared)
}

// Subscribe registers a listener, calls it once with the current snapshot
// and then after every mutation. The returned function unsubscribes.
func (c *Coordinator) Subscribe(listener Listener) func() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = listener
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.deliver(listener, snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Get returns a copy of a task
func (c *Coordinator) Get(taskID string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task, exists := c.tasks[taskID]
	if !exists {
		return Task{}, false
	}
	return publicCopy(task), true
}

// List returns all tasks ordered by start time, then id
func (c *Coordinator) List() []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Stats returns coordinator statistics
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked()
}

// Close stops pending removal timers and drops all listeners. Tracked tasks
// are left untouched.
func (c *Coordinator) Close() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	for taskID := range c.removals {
		c.cancelRemovalLocked(taskID)
	}
	clear(c.listeners)
	c.mu.Unlock()
}

func (c *Coordinator) statsLocked() Stats {
	stats := Stats{
		Total:          len(c.tasks),
		PendingRemoval: len(c.removals),
		Subscribers:    len(c.listeners),
	}
	for _, task := range c.tasks {
		if task.IsRunning {
			stats.Running++
		} else {
			stats.Finished++
		}
	}
	return stats
}

// scheduleRemovalLocked must be called with dispatchMu and mu held
func (c *Coordinator) scheduleRemovalLocked(taskID string) {
	c.cancelRemovalLocked(taskID)

	var timer *time.Timer
	timer = time.AfterFunc(c.removalDelay, func() {
		c.dispatchMu.Lock()
		defer c.dispatchMu.Unlock()

		c.mu.Lock()
		if c.removals[taskID] != timer {
			c.mu.Unlock()
			return
		}
		delete(c.removals, taskID)
		task, exists := c.tasks[taskID]
		if !exists || task.IsRunning {
			c.mu.Unlock()
			return
		}
		delete(c.tasks, taskID)
		c.mu.Unlock()

		c.logger.Debug().Str("taskId", taskID).Msg("Finished background task removed")
		c.notifyLocked()
	})
	c.removals[taskID] = timer
}

// cancelRemovalLocked must be called with mu held
func (c *Coordinator) cancelRemovalLocked(taskID string) {
	if timer, exists := c.removals[taskID]; exists {
		timer.Stop()
		delete(c.removals, taskID)
	}
}

func (c *Coordinator) snapshotLocked() []Task {
	tasks := make([]Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		tasks = append(tasks, publicCopy(task))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return tasks
}

// notifyLocked must be called with dispatchMu held
func (c *Coordinator) notifyLocked() {
	c.mu.RLock()
	snapshot := c.snapshotLocked()
	stats := c.statsLocked()
	listeners := make([]Listener, 0, len(c.listeners))
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.RUnlock()

	observability.SetBackgroundTasks(stats.Running, stats.Finished)

	for _, listener := range listeners {
		c.deliver(listener, snapshot)
	}
}

func (c *Coordinator) deliver(listener Listener, snapshot []Task) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Background task listener panicked")
		}
	}()
	listener(append([]Task(nil), snapshot...))
}

// Lease is the claim on one task record returned by Claim
type Lease struct {
	c      *Coordinator
	record *Task
}

// TaskID returns the leased task id
func (l *Lease) TaskID() string {
	return l.record.TaskID
}

// Finish marks the leased task not running and schedules its removal. It is
// a no-op once the record was stopped, cleared or replaced.
func (l *Lease) Finish() bool {
	c := l.c
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if c.tasks[l.record.TaskID] != l.record {
		c.mu.Unlock()
		return false
	}
	c.setStatusLocked(l.record, false)
	c.mu.Unlock()

	c.notifyLocked()
	return true
}

// Release removes the leased task without cancelling it. It is a no-op once
// the record was stopped, cleared or replaced.
func (l *Lease) Release() bool {
	c := l.c
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if c.tasks[l.record.TaskID] != l.record {
		c.mu.Unlock()
		return false
	}
	delete(c.tasks, l.record.TaskID)
	c.cancelRemovalLocked(l.record.TaskID)
	c.mu.Unlock()

	c.logger.Debug().Str("taskId", l.record.TaskID).Msg("Background task released")
	c.notifyLocked()
	return true
}

func publicCopy(task *Task) Task {
	cp := *task
	cp.Cancel = nil
	return cp
}
