package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/background"
	"github.com/harun/conductor/pkg/history"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNoProvider is returned when a request names no provider and no default is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrTooManyRuns is returned when the concurrent run limit is reached
	ErrTooManyRuns = errors.New("too many concurrent runs")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("orchestrator closed")
)

// AgentFactory builds agent instances. *plugin.Registry implements it.
type AgentFactory interface {
	Create(ctx context.Context, cfg agent.Config) (agent.Agent, error)
}

// RunRecorder persists finished runs. *history.Store implements it.
type RunRecorder interface {
	Record(ctx context.Context, run history.Run) (string, error)
}

type planPruner interface {
	PrunePlans(cutoff time.Time) int
}

// boundAgent is the agent instance serving a session lineage
type boundAgent struct {
	agent    agent.Agent
	provider string
}

// Stats summarises orchestrator state
type Stats struct {
	Sessions   int              `json:"sessions"`
	Running    int              `json:"running"`
	Plans      int              `json:"plans"`
	Background background.Stats `json:"background"`
}

// Orchestrator maps requests onto sessions and their agent instances
type Orchestrator struct {
	factory         AgentFactory
	sessions        *session.Manager
	tasks           *background.Coordinator
	history         RunRecorder
	profiles        map[string]agent.Config
	defaultProvider string
	maxConcurrent   int
	logger          zerolog.Logger

	mu      sync.Mutex
	agents  map[string]*boundAgent // session id -> agent
	plans   map[string]string      // plan id -> session id
	running int
	closed  bool

	wg sync.WaitGroup
}

// New creates an orchestrator that builds agents through factory
func New(factory AgentFactory, opts ...Option) *Orchestrator {
	observability.EnsureRegistered()

	o := &Orchestrator{
		factory:  factory,
		profiles: make(map[string]agent.Config),
		agents:   make(map[string]*boundAgent),
		plans:    make(map[string]string),
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.sessions == nil {
		o.sessions = session.NewManager(o.logger)
	}
	if o.tasks == nil {
		o.tasks = background.NewCoordinator(background.Config{Logger: o.logger})
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()

	return o
}

// Tasks returns the background task coordinator
func (o *Orchestrator) Tasks() *background.Coordinator {
	return o.tasks
}

// Handle dispatches a request to its session's agent and returns the relayed
// message stream. Errors returned here mean no run was started; failures after
// that point arrive as the stream's terminal error message.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*agent.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if o.isClosed() {
		return nil, ErrClosed
	}

	provider, err := o.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	cfg := buildConfig(provider, o.profiles[provider], req)

	sess, created, err := o.sessions.GetOrCreate(req.SessionID, cfg)
	if err != nil {
		return nil, err
	}

	inst, err := o.agentFor(ctx, sess, cfg)
	if err != nil {
		if created {
			o.sessions.Remove(sess.ID)
		}
		return nil, err
	}

	if req.Phase == PhaseExecute && !o.ownsPlan(sess.ID, req.PlanID) {
		o.logger.Warn().
			Str("session_id", sess.ID).
			Str("plan_id", req.PlanID).
			Msg("Rejected execute for a plan outside the session")
		return agent.ErrorStream(sess.ID, fmt.Errorf("%w: %s", agent.ErrPlanNotFound, req.PlanID)), nil
	}

	if err := o.acquire(); err != nil {
		return nil, err
	}

	phase := session.PhaseExecuting
	if req.Phase == PhasePlan {
		phase = session.PhasePlanning
	}
	runCtx, token, err := sess.Begin(ctx, phase)
	if err != nil {
		o.releaseSlot()
		return nil, err
	}

	runCtx = tracing.NewRunContext(runCtx, provider, sess.ID)
	if req.TaskID != "" {
		runCtx = tracing.WithTaskID(runCtx, req.TaskID)
	}
	runCtx, span := tracing.StartSpan(runCtx, "conductor/orchestrator", "orchestrator.handle",
		attribute.String("run.phase", req.Phase.String()),
	)

	rec := &runRecord{
		run: history.Run{
			ID:        tracing.GetRunID(runCtx),
			SessionID: sess.ID,
			Provider:  provider,
			Phase:     req.Phase.String(),
			Prompt:    req.Prompt,
			PlanID:    req.PlanID,
			TaskID:    req.TaskID,
			StartedAt: time.Now(),
		},
	}
	logger := tracing.LoggerFromContext(runCtx, o.logger)
	logger.Info().Str("phase", req.Phase.String()).Msg("Run started")

	inner := o.dispatch(runCtx, inst, sess.ID, req)

	return agent.NewStream(runCtx, sess.ID, func(ctx context.Context, emit agent.Emitter) (err error) {
		defer func() {
			o.finishRun(sess, token, rec, err, logger)
			span.SetAttributes(attribute.String("run.status", rec.run.Status))
			span.End()
		}()
		defer inner.Close()

		return o.relay(inner, emit, rec)
	}), nil
}

// Background runs a request detached from the caller and tracks it as a
// background task. The task's cancel handle aborts the session. The task is
// marked not running when the run ends, whatever the outcome.
func (o *Orchestrator) Background(ctx context.Context, req Request) (background.Task, error) {
	if err := req.Validate(); err != nil {
		return background.Task{}, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if err := session.ValidateID(req.SessionID); err != nil {
		return background.Task{}, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return background.Task{}, ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	sessionID := req.SessionID
	task := background.Task{
		TaskID:    req.TaskID,
		SessionID: sessionID,
		Prompt:    req.Prompt,
		Cancel:    func() { o.Stop(sessionID) },
	}
	// a running task keeps its id; the lease only touches the record it created
	lease, err := o.tasks.Claim(task)
	if err != nil {
		o.wg.Done()
		return background.Task{}, err
	}
	taskID := lease.TaskID()
	task.TaskID = taskID
	task.IsRunning = true
	req.TaskID = taskID

	stream, err := o.Handle(tracing.DetachForBackground(ctx, taskID), req)
	if err != nil {
		lease.Release()
		o.wg.Done()
		return background.Task{}, err
	}

	go func() {
		defer o.wg.Done()
		defer lease.Finish()

		for msg := range stream.Messages() {
			if !msg.IsTerminal() {
				continue
			}
			event := o.logger.Info()
			if msg.Type == agent.MessageError {
				event = o.logger.Warn().Str("error", msg.Message)
			}
			event.
				Str("task_id", taskID).
				Str("session_id", sessionID).
				Bool("aborted", msg.Aborted).
				Msg("Background task finished")
		}
	}()

	if stored, ok := o.tasks.Get(taskID); ok {
		return stored, nil
	}
	task.Cancel = nil
	return task, nil
}

// Stop aborts the session's in-flight run. Stopping an unknown or idle session
// is a no-op. It reports whether a run was in flight.
func (o *Orchestrator) Stop(sessionID string) bool {
	active := o.sessions.Stop(sessionID)

	o.mu.Lock()
	bound := o.agents[sessionID]
	o.mu.Unlock()
	if bound != nil {
		bound.agent.Stop(sessionID)
	}

	status := "noop"
	if active {
		status = "success"
	}
	observability.RecordStopAudit(context.Background(), "session", sessionID, status)

	return active
}

// GetPlan returns a plan produced by any session
func (o *Orchestrator) GetPlan(planID string) (*agent.TaskPlan, bool) {
	o.mu.Lock()
	sessionID, ok := o.plans[planID]
	var bound *boundAgent
	if ok {
		bound = o.agents[sessionID]
	}
	o.mu.Unlock()

	if bound == nil {
		return nil, false
	}
	return bound.agent.GetPlan(planID)
}

// DeletePlan removes a plan owned by the session
func (o *Orchestrator) DeletePlan(sessionID, planID string) error {
	o.mu.Lock()
	owner, ok := o.plans[planID]
	if !ok || owner != sessionID {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", agent.ErrPlanNotFound, planID)
	}
	delete(o.plans, planID)
	bound := o.agents[sessionID]
	count := len(o.plans)
	o.mu.Unlock()

	if bound != nil {
		bound.agent.DeletePlan(planID)
	}
	observability.SetStoredPlans(count)
	return nil
}

// Sessions returns snapshots of all sessions
func (o *Orchestrator) Sessions() []session.Info {
	return o.sessions.List()
}

// Session returns a snapshot of one session
func (o *Orchestrator) Session(sessionID string) (session.Info, bool) {
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return session.Info{}, false
	}
	return sess.Info(), true
}

// PrunePlans drops plans older than olderThan from every agent that supports
// pruning and forgets bindings whose plan is gone. It returns how many plans
// were removed.
func (o *Orchestrator) PrunePlans(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	o.mu.Lock()
	agents := make([]*boundAgent, 0, len(o.agents))
	for _, bound := range o.agents {
		agents = append(agents, bound)
	}
	o.mu.Unlock()

	removed := 0
	for _, bound := range agents {
		if pruner, ok := bound.agent.(planPruner); ok {
			removed += pruner.PrunePlans(cutoff)
		}
	}

	o.mu.Lock()
	for planID, sessionID := range o.plans {
		bound, ok := o.agents[sessionID]
		if !ok {
			delete(o.plans, planID)
			continue
		}
		if _, exists := bound.agent.GetPlan(planID); !exists {
			delete(o.plans, planID)
		}
	}
	count := len(o.plans)
	o.mu.Unlock()

	observability.SetStoredPlans(count)
	if removed > 0 {
		o.logger.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("Pruned plans")
	}
	return removed
}

// PruneSessions forgets sessions idle for longer than maxIdle together with
// their agents and plans
func (o *Orchestrator) PruneSessions(maxIdle time.Duration) []string {
	removed := o.sessions.PruneIdle(maxIdle)
	if len(removed) == 0 {
		return nil
	}

	o.mu.Lock()
	for _, sessionID := range removed {
		delete(o.agents, sessionID)
		o.unbindPlansLocked(sessionID)
	}
	count := len(o.plans)
	o.mu.Unlock()

	observability.SetStoredPlans(count)
	return removed
}

// Stats returns a summary of sessions, runs and plans
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	running, plans := o.running, len(o.plans)
	o.mu.Unlock()

	return Stats{
		Sessions:   o.sessions.Count(),
		Running:    running,
		Plans:      plans,
		Background: o.tasks.Stats(),
	}
}

// Close rejects new requests, stops every session and waits for background
// runs to drain or ctx to expire
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	for _, info := range o.sessions.List() {
		o.Stop(info.ID)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("Orchestrator closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background runs: %w", ctx.Err())
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) resolveProvider(req Request) (string, error) {
	if req.Provider != "" {
		return req.Provider, nil
	}
	if req.SessionID != "" {
		if sess, ok := o.sessions.Get(req.SessionID); ok && sess.Provider() != "" {
			return sess.Provider(), nil
		}
	}
	if o.defaultProvider != "" {
		return o.defaultProvider, nil
	}
	return "", ErrNoProvider
}

// agentFor returns the session's agent, creating it on first use or when the
// request switches the session to another provider
func (o *Orchestrator) agentFor(ctx context.Context, sess *session.Session, cfg agent.Config) (agent.Agent, error) {
	if sess.Provider() != cfg.Provider {
		if err := sess.Rebind(cfg); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	bound, ok := o.agents[sess.ID]
	o.mu.Unlock()
	if ok && bound.provider == cfg.Provider {
		return bound.agent, nil
	}

	inst, err := o.factory.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if current, ok := o.agents[sess.ID]; ok {
		if current.provider == cfg.Provider {
			return current.agent, nil
		}
		// plans belong to the instance that produced them
		o.unbindPlansLocked(sess.ID)
		o.logger.Info().
			Str("session_id", sess.ID).
			Str("from", current.provider).
			Str("to", cfg.Provider).
			Msg("Session switched provider")
	}
	o.agents[sess.ID] = &boundAgent{agent: inst, provider: cfg.Provider}
	return inst, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, inst agent.Agent, sessionID string, req Request) *agent.Stream {
	opts := req.runOptions(sessionID)

	switch req.Phase {
	case PhasePlan:
		return inst.Plan(ctx, req.Prompt, opts)
	case PhaseExecute:
		original := req.Prompt
		if original == "" {
			if plan, ok := inst.GetPlan(req.PlanID); ok {
				original = plan.Goal
			}
		}
		return inst.Execute(ctx, agent.ExecuteOptions{
			RunOptions:     opts,
			PlanID:         req.PlanID,
			OriginalPrompt: original,
		})
	default:
		return inst.Run(ctx, req.Prompt, opts)
	}
}

// relay forwards the agent's messages in order, binding any plan it produces
// to the session
func (o *Orchestrator) relay(inner *agent.Stream, emit agent.Emitter, rec *runRecord) error {
	for msg := range inner.Messages() {
		rec.observe(msg)
		observability.RecordAgentMessage(string(msg.Type))

		if msg.Type == agent.MessagePlan && msg.Plan != nil {
			o.bindPlan(msg.Plan.ID, inner.SessionID())
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) finishRun(sess *session.Session, token uint64, rec *runRecord, err error, logger zerolog.Logger) {
	sess.Finish(token)
	o.releaseSlot()

	rec.settle(err, sess.IsAborted())
	run := rec.run
	observability.RecordAgentRun(run.Provider, run.Phase, run.Status, run.Duration())

	event := logger.Info()
	if run.Status == history.StatusError {
		event = logger.Warn().Str("error", run.Error)
	}
	event.
		Str("status", run.Status).
		Int("messages", run.Messages).
		Dur("duration", run.Duration()).
		Msg("Run finished")

	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.history.Record(ctx, run); err != nil {
		logger.Error().Err(err).Msg("Failed to record run history")
	}
}

func (o *Orchestrator) ownsPlan(sessionID, planID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.plans[planID] == sessionID
}

func (o *Orchestrator) bindPlan(planID, sessionID string) {
	o.mu.Lock()
	o.plans[planID] = sessionID
	count := len(o.plans)
	o.mu.Unlock()

	observability.SetStoredPlans(count)
}

func (o *Orchestrator) unbindPlansLocked(sessionID string) {
	for planID, owner := range o.plans {
		if owner == sessionID {
			delete(o.plans, planID)
		}
	}
}

// PlanIDs returns the plans bound to a session, sorted
func (o *Orchestrator) PlanIDs(sessionID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ids []string
	for planID, owner := range o.plans {
		if owner == sessionID {
			ids = append(ids, planID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) acquire() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.maxConcurrent > 0 && o.running >= o.maxConcurrent {
		return fmt.Errorf("%w: limit is %d", ErrTooManyRuns, o.maxConcurrent)
	}
	o.running++
	return nil
}

func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	o.running--
	o.mu.Unlock()
}
