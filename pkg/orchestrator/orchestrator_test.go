package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/agent/agenttest"
	"github.com/harun/conductor/pkg/background"
	"github.com/harun/conductor/pkg/history"
	"github.com/harun/conductor/pkg/plugin"
	"github.com/harun/conductor/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu   sync.Mutex
	runs []history.Run
}

func (r *fakeRecorder) Record(ctx context.Context, run history.Run) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return run.ID, nil
}

func (r *fakeRecorder) Runs() []history.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Run(nil), r.runs...)
}

type testFixture struct {
	orch     *Orchestrator
	registry *plugin.Registry
	tasks    *background.Coordinator
	recorder *fakeRecorder

	mu        sync.Mutex
	stubs     []*agenttest.Stub
	configure func(*agenttest.Stub)
}

func (f *testFixture) factory(cfg agent.Config) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stub := agenttest.New()
	stub.Config = cfg
	if f.configure != nil {
		f.configure(stub)
	}
	f.stubs = append(f.stubs, stub)
	return stub, nil
}

func (f *testFixture) setConfigure(fn func(*agenttest.Stub)) {
	f.mu.Lock()
	f.configure = fn
	f.mu.Unlock()
}

func (f *testFixture) stub(i int) *agenttest.Stub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stubs[i]
}

func (f *testFixture) stubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stubs)
}

func setupTestOrchestrator(t *testing.T, opts ...Option) *testFixture {
	t.Helper()

	f := &testFixture{recorder: &fakeRecorder{}}
	f.registry = plugin.NewRegistry(zerolog.Nop())
	for _, providerType := range []string{"stub", "other"} {
		require.NoError(t, f.registry.Register(plugin.Plugin{
			Metadata: plugin.Metadata{
				Type:         providerType,
				Name:         "Stub " + providerType,
				Version:      "1.0.0",
				SupportsPlan: true,
			},
			Factory: f.factory,
		}))
	}

	f.tasks = background.NewCoordinator(background.Config{
		RemovalDelay: 20 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(f.tasks.Close)

	base := []Option{
		WithLogger(zerolog.Nop()),
		WithCoordinator(f.tasks),
		WithHistory(f.recorder),
		WithDefaultProvider("stub"),
	}
	f.orch = New(f.registry, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.orch.Close(ctx)
	})

	return f
}

func collect(t *testing.T, stream *agent.Stream) []agent.Message {
	t.Helper()

	done := make(chan []agent.Message, 1)
	go func() { done <- stream.Collect() }()

	select {
	case messages := <-done:
		return messages
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not terminate")
		return nil
	}
}

func next(t *testing.T, stream *agent.Stream) agent.Message {
	t.Helper()

	select {
	case msg, ok := <-stream.Messages():
		require.True(t, ok, "stream closed early")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no message")
		return agent.Message{}
	}
}

func messageTypes(messages []agent.Message) []agent.MessageType {
	types := make([]agent.MessageType, 0, len(messages))
	for _, msg := range messages {
		types = append(types, msg.Type)
	}
	return types
}

func last(messages []agent.Message) agent.Message {
	return messages[len(messages)-1]
}

func findPlan(t *testing.T, messages []agent.Message) *agent.TaskPlan {
	t.Helper()
	for _, msg := range messages {
		if msg.Type == agent.MessagePlan {
			require.NotNil(t, msg.Plan)
			return msg.Plan
		}
	}
	t.Fatal("no plan message")
	return nil
}

func TestOrchestrator_Run(t *testing.T) {
	f := setupTestOrchestrator(t)
	ctx := context.Background()

	stream, err := f.orch.Handle(ctx, Request{Prompt: "hello", SessionID: "s1"})
	require.NoError(t, err)

	messages := collect(t, stream)

	t.Run("should relay messages in order with one terminal done", func(t *testing.T) {
		assert.Equal(t, []agent.MessageType{
			agent.MessageSession,
			agent.MessageText,
			agent.MessageToolUse,
			agent.MessageToolResult,
			agent.MessageResult,
			agent.MessageDone,
		}, messageTypes(messages))
		assert.False(t, last(messages).Aborted)
		for _, msg := range messages {
			assert.Equal(t, "s1", msg.SessionID)
		}
	})

	t.Run("should return the session to idle", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			info, ok := f.orch.Session("s1")
			return ok && info.Phase == session.PhaseIdle
		}, time.Second, 10*time.Millisecond)

		info, _ := f.orch.Session("s1")
		assert.Equal(t, "stub", info.Provider)
	})

	t.Run("should record the run in history", func(t *testing.T) {
		assert.Eventually(t, func() bool { return len(f.recorder.Runs()) == 1 }, time.Second, 10*time.Millisecond)

		run := f.recorder.Runs()[0]
		assert.Equal(t, "s1", run.SessionID)
		assert.Equal(t, "stub", run.Provider)
		assert.Equal(t, "run", run.Phase)
		assert.Equal(t, history.StatusSuccess, run.Status)
		assert.Equal(t, 6, run.Messages)
		assert.NotEmpty(t, run.ID)
	})

	t.Run("should reuse the session's agent instance", func(t *testing.T) {
		stream, err := f.orch.Handle(ctx, Request{Prompt: "again", SessionID: "s1"})
		require.NoError(t, err)
		collect(t, stream)

		assert.Equal(t, 1, f.stubCount())
		assert.Equal(t, []string{"run:hello", "run:again"}, f.stub(0).Calls())
	})

	t.Run("should generate a session id when none is given", func(t *testing.T) {
		stream, err := f.orch.Handle(ctx, Request{Prompt: "anon"})
		require.NoError(t, err)
		assert.NotEmpty(t, stream.SessionID())
		collect(t, stream)
	})
}

func TestOrchestrator_ProviderErrors(t *testing.T) {
	t.Run("should surface a provider failure as a terminal error message", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		f.setConfigure(func(s *agenttest.Stub) { s.Err = errors.New("model exploded") })

		stream, err := f.orch.Handle(context.Background(), Request{Prompt: "hi", SessionID: "s1"})
		require.NoError(t, err)

		messages := collect(t, stream)
		final := last(messages)
		assert.Equal(t, agent.MessageError, final.Type)
		assert.Equal(t, "model exploded", final.Message)

		assert.Eventually(t, func() bool {
			runs := f.recorder.Runs()
			return len(runs) == 1 && runs[0].Status == history.StatusError && runs[0].Error == "model exploded"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should fail for an unregistered provider without keeping the session", func(t *testing.T) {
		f := setupTestOrchestrator(t)

		_, err := f.orch.Handle(context.Background(), Request{Prompt: "hi", SessionID: "s1", Provider: "missing"})
		assert.ErrorIs(t, err, plugin.ErrProviderNotFound)

		_, ok := f.orch.Session("s1")
		assert.False(t, ok)
	})

	t.Run("should fail without any provider", func(t *testing.T) {
		f := setupTestOrchestrator(t, WithDefaultProvider(""))

		_, err := f.orch.Handle(context.Background(), Request{Prompt: "hi"})
		assert.ErrorIs(t, err, ErrNoProvider)
	})

	t.Run("should reject invalid requests", func(t *testing.T) {
		f := setupTestOrchestrator(t)

		_, err := f.orch.Handle(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestOrchestrator_PlanAndExecute(t *testing.T) {
	f := setupTestOrchestrator(t)
	ctx := context.Background()

	stream, err := f.orch.Handle(ctx, Request{Prompt: "refactor it", SessionID: "s1", Phase: PhasePlan})
	require.NoError(t, err)

	planMessages := collect(t, stream)
	assert.Equal(t, []agent.MessageType{agent.MessagePlan, agent.MessageDone}, messageTypes(planMessages))
	plan := findPlan(t, planMessages)

	t.Run("should bind the plan to the session", func(t *testing.T) {
		assert.Equal(t, []string{plan.ID}, f.orch.PlanIDs("s1"))

		stored, ok := f.orch.GetPlan(plan.ID)
		require.True(t, ok)
		assert.Equal(t, plan.StepIDs(), stored.StepIDs())
	})

	t.Run("should execute the same steps the plan contained", func(t *testing.T) {
		stream, err := f.orch.Handle(ctx, Request{SessionID: "s1", Phase: PhaseExecute, PlanID: plan.ID})
		require.NoError(t, err)

		messages := collect(t, stream)
		assert.Equal(t, agent.MessageDone, last(messages).Type)

		var executed *agent.TaskPlan
		for _, msg := range messages {
			if msg.Type == agent.MessageResult {
				executed = msg.Plan
			}
		}
		require.NotNil(t, executed)
		assert.Equal(t, plan.StepIDs(), executed.StepIDs())
		for _, step := range executed.Steps {
			assert.Equal(t, agent.StepCompleted, step.Status)
		}
	})

	t.Run("should keep the plan until it is deleted", func(t *testing.T) {
		_, ok := f.orch.GetPlan(plan.ID)
		assert.True(t, ok)

		assert.ErrorIs(t, f.orch.DeletePlan("other-session", plan.ID), agent.ErrPlanNotFound)
		require.NoError(t, f.orch.DeletePlan("s1", plan.ID))

		_, ok = f.orch.GetPlan(plan.ID)
		assert.False(t, ok)
		assert.ErrorIs(t, f.orch.DeletePlan("s1", plan.ID), agent.ErrPlanNotFound)
	})

	t.Run("should call execute on the agent that planned", func(t *testing.T) {
		assert.Contains(t, f.stub(0).Calls(), "execute:"+plan.ID)
	})
}

func TestOrchestrator_ExecuteRejectsUnknownPlans(t *testing.T) {
	t.Run("should fail a fabricated plan id with a resolution error", func(t *testing.T) {
		f := setupTestOrchestrator(t)

		stream, err := f.orch.Handle(context.Background(), Request{SessionID: "s1", Phase: PhaseExecute, PlanID: "made-up"})
		require.NoError(t, err)

		messages := collect(t, stream)
		require.Len(t, messages, 1)
		assert.Equal(t, agent.MessageError, messages[0].Type)
		assert.Contains(t, messages[0].Message, "plan not found")

		for _, call := range f.stub(0).Calls() {
			assert.NotContains(t, call, "execute:")
		}
		info, _ := f.orch.Session("s1")
		assert.Equal(t, session.PhaseIdle, info.Phase)
	})

	t.Run("should not execute a plan produced by another session", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		ctx := context.Background()

		stream, err := f.orch.Handle(ctx, Request{Prompt: "goal", SessionID: "s1", Phase: PhasePlan})
		require.NoError(t, err)
		plan := findPlan(t, collect(t, stream))

		stream, err = f.orch.Handle(ctx, Request{SessionID: "s2", Phase: PhaseExecute, PlanID: plan.ID})
		require.NoError(t, err)

		messages := collect(t, stream)
		require.Len(t, messages, 1)
		assert.Equal(t, agent.MessageError, messages[0].Type)
		assert.Contains(t, messages[0].Message, plan.ID)
	})

	t.Run("should forget plans when the session switches provider", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		ctx := context.Background()

		stream, err := f.orch.Handle(ctx, Request{Prompt: "goal", SessionID: "s1", Phase: PhasePlan})
		require.NoError(t, err)
		plan := findPlan(t, collect(t, stream))

		stream, err = f.orch.Handle(ctx, Request{Prompt: "switch", SessionID: "s1", Provider: "other"})
		require.NoError(t, err)
		collect(t, stream)

		assert.Equal(t, 2, f.stubCount())
		assert.Equal(t, "other", f.stub(1).Config.Provider)
		assert.Empty(t, f.orch.PlanIDs("s1"))

		stream, err = f.orch.Handle(ctx, Request{SessionID: "s1", Phase: PhaseExecute, PlanID: plan.ID})
		require.NoError(t, err)
		assert.Equal(t, agent.MessageError, last(collect(t, stream)).Type)
	})
}

func TestOrchestrator_Stop(t *testing.T) {
	f := setupTestOrchestrator(t)
	f.setConfigure(func(s *agenttest.Stub) { s.Block = true })

	stream, err := f.orch.Handle(context.Background(), Request{Prompt: "long", SessionID: "s1"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		next(t, stream)
	}

	t.Run("should be idempotent", func(t *testing.T) {
		assert.True(t, f.orch.Stop("s1"))
		assert.False(t, f.orch.Stop("s1"))
	})

	t.Run("should end the stream with an aborted done", func(t *testing.T) {
		messages := collect(t, stream)
		require.NotEmpty(t, messages)
		final := last(messages)
		assert.Equal(t, agent.MessageDone, final.Type)
		assert.True(t, final.Aborted)
	})

	t.Run("should leave the session idle and aborted", func(t *testing.T) {
		info, ok := f.orch.Session("s1")
		require.True(t, ok)
		assert.Equal(t, session.PhaseIdle, info.Phase)
		assert.True(t, info.Aborted)

		assert.Eventually(t, func() bool {
			runs := f.recorder.Runs()
			return len(runs) == 1 && runs[0].Status == history.StatusAborted
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should ignore unknown sessions", func(t *testing.T) {
		assert.False(t, f.orch.Stop("nope"))
	})
}

func TestOrchestrator_SessionStateMachine(t *testing.T) {
	t.Run("should reject a second run while the session is busy", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		f.setConfigure(func(s *agenttest.Stub) { s.Block = true })
		ctx := context.Background()

		stream, err := f.orch.Handle(ctx, Request{Prompt: "first", SessionID: "s1"})
		require.NoError(t, err)
		next(t, stream)

		_, err = f.orch.Handle(ctx, Request{Prompt: "second", SessionID: "s1"})
		assert.ErrorIs(t, err, session.ErrSessionBusy)

		_, err = f.orch.Handle(ctx, Request{Prompt: "plan", SessionID: "s1", Phase: PhasePlan})
		assert.ErrorIs(t, err, session.ErrSessionBusy)

		_, err = f.orch.Handle(ctx, Request{Prompt: "elsewhere", SessionID: "s1", Provider: "other"})
		assert.ErrorIs(t, err, session.ErrSessionBusy)

		f.orch.Stop("s1")
		collect(t, stream)
	})

	t.Run("should let execute supersede an in-flight planning run", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		ctx := context.Background()

		stream, err := f.orch.Handle(ctx, Request{Prompt: "goal", SessionID: "s1", Phase: PhasePlan})
		require.NoError(t, err)
		plan := findPlan(t, collect(t, stream))

		f.stub(0).PlanDelay = 5 * time.Second
		planning, err := f.orch.Handle(ctx, Request{Prompt: "replan", SessionID: "s1", Phase: PhasePlan})
		require.NoError(t, err)

		info, _ := f.orch.Session("s1")
		assert.Equal(t, session.PhasePlanning, info.Phase)

		executing, err := f.orch.Handle(ctx, Request{SessionID: "s1", Phase: PhaseExecute, PlanID: plan.ID})
		require.NoError(t, err)

		planMessages := collect(t, planning)
		assert.Equal(t, []agent.MessageType{agent.MessageDone}, messageTypes(planMessages))
		assert.True(t, planMessages[0].Aborted)

		assert.Equal(t, agent.MessageDone, last(collect(t, executing)).Type)
		assert.Eventually(t, func() bool {
			info, _ := f.orch.Session("s1")
			return info.Phase == session.PhaseIdle
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should cap concurrent runs", func(t *testing.T) {
		f := setupTestOrchestrator(t, WithMaxConcurrent(1))
		f.setConfigure(func(s *agenttest.Stub) { s.Block = true })
		ctx := context.Background()

		stream, err := f.orch.Handle(ctx, Request{Prompt: "first", SessionID: "s1"})
		require.NoError(t, err)

		_, err = f.orch.Handle(ctx, Request{Prompt: "second", SessionID: "s2"})
		assert.ErrorIs(t, err, ErrTooManyRuns)

		f.orch.Stop("s1")
		collect(t, stream)

		assert.Eventually(t, func() bool { return f.orch.Stats().Running == 0 }, time.Second, 10*time.Millisecond)
	})
}

func TestOrchestrator_Background(t *testing.T) {
	t.Run("should mark a finished task not running and remove it", func(t *testing.T) {
		f := setupTestOrchestrator(t)

		task, err := f.orch.Background(context.Background(), Request{Prompt: "bg", SessionID: "s1", TaskID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, "t1", task.TaskID)
		assert.Equal(t, "s1", task.SessionID)
		assert.Equal(t, "bg", task.Prompt)

		assert.Eventually(t, func() bool {
			_, ok := f.tasks.Get("t1")
			return !ok
		}, 2*time.Second, 10*time.Millisecond)

		assert.Eventually(t, func() bool {
			runs := f.recorder.Runs()
			return len(runs) == 1 && runs[0].TaskID == "t1"
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should do the same bookkeeping when the run fails", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		f.setConfigure(func(s *agenttest.Stub) { s.Err = errors.New("provider down") })

		task, err := f.orch.Background(context.Background(), Request{Prompt: "bg"})
		require.NoError(t, err)
		assert.NotEmpty(t, task.TaskID)
		assert.NotEmpty(t, task.SessionID)

		assert.Eventually(t, func() bool {
			_, ok := f.tasks.Get(task.TaskID)
			return !ok
		}, 2*time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			runs := f.recorder.Runs()
			return len(runs) == 1 && runs[0].Status == history.StatusError
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should outlive the caller's context", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		f.setConfigure(func(s *agenttest.Stub) { s.Delay = 20 * time.Millisecond })

		ctx, cancel := context.WithCancel(context.Background())
		_, err := f.orch.Background(ctx, Request{Prompt: "bg", SessionID: "s1", TaskID: "t1"})
		require.NoError(t, err)
		cancel()

		assert.Eventually(t, func() bool {
			runs := f.recorder.Runs()
			return len(runs) == 1 && runs[0].Status == history.StatusSuccess
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should abort the session when the task is stopped", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		f.setConfigure(func(s *agenttest.Stub) { s.Block = true })

		task, err := f.orch.Background(context.Background(), Request{Prompt: "bg", SessionID: "s1", TaskID: "t1"})
		require.NoError(t, err)
		assert.True(t, task.IsRunning)

		info, _ := f.orch.Session("s1")
		assert.Equal(t, session.PhaseExecuting, info.Phase)

		assert.True(t, f.tasks.Stop("t1"))
		_, ok := f.tasks.Get("t1")
		assert.False(t, ok)

		assert.Eventually(t, func() bool {
			info, _ := f.orch.Session("s1")
			return info.Phase == session.PhaseIdle && info.Aborted
		}, time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			runs := f.recorder.Runs()
			return len(runs) == 1 && runs[0].Status == history.StatusAborted
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should release the task when the request is rejected", func(t *testing.T) {
		f := setupTestOrchestrator(t)

		_, err := f.orch.Background(context.Background(), Request{Prompt: "bg", TaskID: "t1", Provider: "missing"})
		assert.ErrorIs(t, err, plugin.ErrProviderNotFound)

		assert.Eventually(t, func() bool {
			_, ok := f.tasks.Get("t1")
			return !ok
		}, time.Second, 10*time.Millisecond)
	})
}

func TestOrchestrator_BackgroundTaskOwnership(t *testing.T) {
	setup := func(t *testing.T) *testFixture {
		f := setupTestOrchestrator(t)
		f.setConfigure(func(s *agenttest.Stub) { s.Block = true })

		_, err := f.orch.Background(context.Background(), Request{Prompt: "long", SessionID: "s1", TaskID: "t1"})
		require.NoError(t, err)
		return f
	}

	assertLive := func(t *testing.T, f *testFixture) {
		t.Helper()
		task, ok := f.tasks.Get("t1")
		require.True(t, ok)
		assert.True(t, task.IsRunning)
		assert.Equal(t, "s1", task.SessionID)

		info, _ := f.orch.Session("s1")
		assert.Equal(t, session.PhaseExecuting, info.Phase)
	}

	t.Run("should refuse to resubmit a running task id", func(t *testing.T) {
		f := setup(t)

		_, err := f.orch.Background(context.Background(), Request{Prompt: "again", SessionID: "s1", TaskID: "t1"})
		assert.ErrorIs(t, err, background.ErrTaskRunning)

		time.Sleep(60 * time.Millisecond)
		assertLive(t, f)
	})

	t.Run("should keep the live task when a busy session rejects another task", func(t *testing.T) {
		f := setup(t)

		_, err := f.orch.Background(context.Background(), Request{Prompt: "again", SessionID: "s1", TaskID: "t2"})
		assert.ErrorIs(t, err, session.ErrSessionBusy)

		time.Sleep(60 * time.Millisecond)
		assertLive(t, f)
		_, ok := f.tasks.Get("t2")
		assert.False(t, ok)
	})

	t.Run("should not let another session take over a running task id", func(t *testing.T) {
		f := setup(t)

		_, err := f.orch.Background(context.Background(), Request{Prompt: "other", SessionID: "s2", TaskID: "t1"})
		assert.ErrorIs(t, err, background.ErrTaskRunning)

		_, started := f.orch.Session("s2")
		assert.False(t, started)

		assert.Equal(t, 1, f.tasks.Clear())
		assert.Eventually(t, func() bool {
			info, _ := f.orch.Session("s1")
			return info.Phase == session.PhaseIdle && info.Aborted
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should reuse a task id once its run has finished", func(t *testing.T) {
		f := setupTestOrchestrator(t)

		_, err := f.orch.Background(context.Background(), Request{Prompt: "first", SessionID: "s1", TaskID: "t1"})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(f.recorder.Runs()) == 1
		}, time.Second, 10*time.Millisecond)
		require.Eventually(t, func() bool {
			task, ok := f.tasks.Get("t1")
			return !ok || !task.IsRunning
		}, time.Second, 10*time.Millisecond)

		task, err := f.orch.Background(context.Background(), Request{Prompt: "second", SessionID: "s2", TaskID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, "s2", task.SessionID)
	})
}

func TestOrchestrator_Maintenance(t *testing.T) {
	t.Run("should prune old plans and their bindings", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		ctx := context.Background()

		stream, err := f.orch.Handle(ctx, Request{Prompt: "goal", SessionID: "s1", Phase: PhasePlan})
		require.NoError(t, err)
		plan := findPlan(t, collect(t, stream))

		assert.Equal(t, 0, f.orch.PrunePlans(time.Hour))
		assert.Equal(t, 1, f.orch.Stats().Plans)

		assert.Equal(t, 1, f.orch.PrunePlans(-time.Minute))
		_, ok := f.orch.GetPlan(plan.ID)
		assert.False(t, ok)
		assert.Equal(t, 0, f.orch.Stats().Plans)
	})

	t.Run("should prune idle sessions", func(t *testing.T) {
		f := setupTestOrchestrator(t)

		stream, err := f.orch.Handle(context.Background(), Request{Prompt: "hi", SessionID: "s1"})
		require.NoError(t, err)
		collect(t, stream)

		assert.Eventually(t, func() bool {
			info, _ := f.orch.Session("s1")
			return info.Phase == session.PhaseIdle
		}, time.Second, 10*time.Millisecond)

		assert.Equal(t, []string{"s1"}, f.orch.PruneSessions(-time.Minute))
		assert.Empty(t, f.orch.Sessions())
	})

	t.Run("should reject work after close", func(t *testing.T) {
		f := setupTestOrchestrator(t)
		require.NoError(t, f.orch.Close(context.Background()))

		_, err := f.orch.Handle(context.Background(), Request{Prompt: "hi"})
		assert.ErrorIs(t, err, ErrClosed)

		_, err = f.orch.Background(context.Background(), Request{Prompt: "hi"})
		assert.ErrorIs(t, err, ErrClosed)

		assert.NoError(t, f.orch.Close(context.Background()))
	})
}
