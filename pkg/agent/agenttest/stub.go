// Package agenttest provides a scriptable in-memory agent for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

// Stub is a scripted agent.Agent
type Stub struct {
	// RunMessages are emitted by Run before the terminal done
	RunMessages []agent.Message

	// PlanSteps are the step descriptions Plan proposes
	PlanSteps []string

	// Delay is applied before every emitted message
	Delay time.Duration

	// PlanDelay, when set, replaces Delay before Plan emits its plan
	PlanDelay time.Duration

	// Block makes Run wait for cancellation instead of finishing
	Block bool

	// Err, when set, is returned by Run after RunMessages
	Err error

	Config agent.Config

	plans *agent.PlanStore
	runs  *agent.ActiveRuns

	mu    sync.Mutex
	calls []string
}

// New creates a stub with default run output
func New() *Stub {
	return &Stub{
		RunMessages: []agent.Message{
			{Type: agent.MessageText, Content: "working"},
			{Type: agent.MessageToolUse, ToolName: "read_file", ToolID: "tool-1", ToolInput: map[string]any{"path": "README.md"}},
			{Type: agent.MessageToolResult, ToolID: "tool-1", ToolOutput: "contents"},
		},
		PlanSteps: []string{"inspect", "change", "verify"},
		plans:     agent.NewPlanStore(),
		runs:      agent.NewActiveRuns(),
	}
}

// Calls returns the operations invoked so far
func (s *Stub) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Stub) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *Stub) wait(ctx context.Context) error {
	return waitFor(ctx, s.Delay)
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stub) Run(ctx context.Context, prompt string, opts agent.RunOptions) *agent.Stream {
	s.record("run:" + prompt)
	runCtx, release := s.runs.Start(ctx, opts.SessionID)

	return agent.NewStream(runCtx, opts.SessionID, func(ctx context.Context, emit agent.Emitter) error {
		defer release()

		if err := emit(agent.Message{Type: agent.MessageSession}); err != nil {
			return err
		}
		for _, msg := range s.RunMessages {
			if err := s.wait(ctx); err != nil {
				return err
			}
			if err := emit(msg); err != nil {
				return err
			}
		}
		if s.Block {
			<-ctx.Done()
			return ctx.Err()
		}
		if s.Err != nil {
			return s.Err
		}
		return emit(agent.Message{Type: agent.MessageResult, Content: "ok", DurationMs: 1})
	})
}

func (s *Stub) Plan(ctx context.Context, prompt string, opts agent.RunOptions) *agent.Stream {
	s.record("plan:" + prompt)
	runCtx, release := s.runs.Start(ctx, opts.SessionID)

	return agent.NewStream(runCtx, opts.SessionID, func(ctx context.Context, emit agent.Emitter) error {
		defer release()

		delay := s.Delay
		if s.PlanDelay > 0 {
			delay = s.PlanDelay
		}
		if err := waitFor(ctx, delay); err != nil {
			return err
		}
		plan := agent.NewTaskPlan(prompt, s.PlanSteps, "")
		s.plans.Save(plan)
		return emit(agent.Message{Type: agent.MessagePlan, Plan: plan})
	})
}

func (s *Stub) Execute(ctx context.Context, opts agent.ExecuteOptions) *agent.Stream {
	s.record("execute:" + opts.PlanID)
	runCtx, release := s.runs.Start(ctx, opts.SessionID)

	return agent.NewStream(runCtx, opts.SessionID, func(ctx context.Context, emit agent.Emitter) error {
		defer release()

		plan := opts.Plan
		if plan == nil {
			stored, ok := s.plans.Get(opts.PlanID)
			if !ok {
				return fmt.Errorf("%w: %s", agent.ErrPlanNotFound, opts.PlanID)
			}
			plan = stored
		} else {
			s.plans.Save(plan)
		}

		for _, step := range plan.Steps {
			if err := s.wait(ctx); err != nil {
				return err
			}
			if _, err := s.plans.UpdateStep(plan.ID, step.ID, agent.StepInProgress); err != nil {
				return err
			}
			if err := emit(agent.Message{Type: agent.MessageText, Content: step.ID + ": " + step.Description}); err != nil {
				return err
			}
			if _, err := s.plans.UpdateStep(plan.ID, step.ID, agent.StepCompleted); err != nil {
				return err
			}
		}

		final, _ := s.plans.Get(plan.ID)
		return emit(agent.Message{Type: agent.MessageResult, Plan: final, Content: "executed"})
	})
}

func (s *Stub) Stop(sessionID string) {
	s.record("stop:" + sessionID)
	s.runs.Stop(sessionID)
}

func (s *Stub) GetPlan(planID string) (*agent.TaskPlan, bool) {
	return s.plans.Get(planID)
}

func (s *Stub) DeletePlan(planID string) {
	s.plans.Delete(planID)
}

// PrunePlans removes plans older than the cutoff
func (s *Stub) PrunePlans(cutoff time.Time) int {
	return s.plans.Prune(cutoff)
}
