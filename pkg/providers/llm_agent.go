package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/rs/zerolog"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second
)

// LLMAgent implements agent.Agent on top of an LLMProvider
type LLMAgent struct {
	provider LLMProvider
	cfg      agent.Config
	plans    *agent.PlanStore
	runs     *agent.ActiveRuns
	logger   zerolog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// NewLLMAgent creates an agent driving provider with cfg. The max_retries
// option overrides the retry budget.
func NewLLMAgent(provider LLMProvider, cfg agent.Config, logger zerolog.Logger) *LLMAgent {
	return &LLMAgent{
		provider:     provider,
		cfg:          cfg,
		plans:        agent.NewPlanStore(),
		runs:         agent.NewActiveRuns(),
		logger:       logger.With().Str("provider", provider.Provider()).Logger(),
		maxRetries:   intOption(cfg.Options, "max_retries", defaultMaxRetries),
		retryBackoff: defaultRetryBackoff,
	}
}

// Run performs a single model call for prompt
func (a *LLMAgent) Run(ctx context.Context, prompt string, opts agent.RunOptions) *agent.Stream {
	runCtx, release := a.runs.Start(ctx, opts.SessionID)

	return agent.NewStream(runCtx, opts.SessionID, func(ctx context.Context, emit agent.Emitter) error {
		defer release()
		start := time.Now()

		if err := emit(agent.Message{Type: agent.MessageSession}); err != nil {
			return err
		}

		resp, err := a.call(ctx, a.request(PurposeRun, opts, a.cfg.SystemPrompt, prompt), emit)
		if err != nil {
			return err
		}
		if err := a.emitContent(emit, resp); err != nil {
			return err
		}

		return emit(agent.Message{
			Type:       agent.MessageResult,
			Content:    resp.Content,
			Usage:      resp.Usage,
			CostUSD:    resp.CostUSD,
			DurationMs: time.Since(start).Milliseconds(),
		})
	})
}

// Plan asks the model for a step list and stores the resulting plan. A model
// that answers directly yields a direct_answer message instead.
func (a *LLMAgent) Plan(ctx context.Context, prompt string, opts agent.RunOptions) *agent.Stream {
	runCtx, release := a.runs.Start(ctx, opts.SessionID)

	return agent.NewStream(runCtx, opts.SessionID, func(ctx context.Context, emit agent.Emitter) error {
		defer release()

		if err := emit(agent.Message{Type: agent.MessageSession}); err != nil {
			return err
		}

		resp, err := a.call(ctx, a.request(PurposePlan, opts, planSystemPrompt(a.cfg.SystemPrompt), prompt), nil)
		if err != nil {
			return err
		}

		parsed, err := agent.ParsePlan(resp.Content)
		if err != nil {
			return err
		}

		if parsed.IsDirectAnswer() {
			return emit(agent.Message{
				Type:    agent.MessageDirectAnswer,
				Content: parsed.Answer,
				Usage:   resp.Usage,
			})
		}

		goal := parsed.Goal
		if goal == "" {
			goal = prompt
		}
		plan := agent.NewTaskPlan(goal, parsed.Steps, parsed.Notes)
		a.plans.Save(plan)

		a.logger.Debug().
			Str("session_id", opts.SessionID).
			Str("plan_id", plan.ID).
			Int("steps", len(plan.Steps)).
			Msg("Plan created")

		return emit(agent.Message{
			Type:  agent.MessagePlan,
			Plan:  plan,
			Usage: resp.Usage,
		})
	})
}

// Execute runs every pending step of a stored plan with one model call per step
func (a *LLMAgent) Execute(ctx context.Context, opts agent.ExecuteOptions) *agent.Stream {
	runCtx, release := a.runs.Start(ctx, opts.SessionID)

	return agent.NewStream(runCtx, opts.SessionID, func(ctx context.Context, emit agent.Emitter) error {
		defer release()
		start := time.Now()

		plan, err := a.resolvePlan(opts)
		if err != nil {
			return err
		}

		if err := emit(agent.Message{Type: agent.MessageSession}); err != nil {
			return err
		}

		usage := &agent.TokenUsage{}
		var cost float64
		var outputs []string

		for i, step := range plan.Steps {
			if step.Status == agent.StepCompleted {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			current, err := a.plans.UpdateStep(plan.ID, step.ID, agent.StepInProgress)
			if err != nil {
				return err
			}
			if err := emit(agent.Message{Type: agent.MessagePlan, Plan: current}); err != nil {
				return err
			}

			prompt := stepPrompt(opts.OriginalPrompt, current, i, outputs)
			resp, err := a.call(ctx, a.request(PurposeExecute, opts.RunOptions, a.cfg.SystemPrompt, prompt), emit)
			if err != nil {
				if ctx.Err() == nil {
					if failed, uerr := a.plans.UpdateStep(plan.ID, step.ID, agent.StepFailed); uerr == nil {
						_ = emit(agent.Message{Type: agent.MessagePlan, Plan: failed})
					}
				}
				return fmt.Errorf("step %s failed: %w", step.ID, err)
			}
			if err := a.emitContent(emit, resp); err != nil {
				return err
			}

			addUsage(usage, resp.Usage)
			cost += resp.CostUSD
			outputs = append(outputs, resp.Content)

			done, err := a.plans.UpdateStep(plan.ID, step.ID, agent.StepCompleted)
			if err != nil {
				return err
			}
			if err := emit(agent.Message{Type: agent.MessagePlan, Plan: done}); err != nil {
				return err
			}
		}

		final, _ := a.plans.Get(plan.ID)
		content := ""
		if len(outputs) > 0 {
			content = outputs[len(outputs)-1]
		}

		return emit(agent.Message{
			Type:       agent.MessageResult,
			Content:    content,
			Plan:       final,
			Usage:      usage,
			CostUSD:    cost,
			DurationMs: time.Since(start).Milliseconds(),
		})
	})
}

// Stop cancels the in-flight run for sessionID, if any
func (a *LLMAgent) Stop(sessionID string) {
	if a.runs.Stop(sessionID) {
		a.logger.Info().Str("session_id", sessionID).Msg("Run stopped")
	}
}

func (a *LLMAgent) GetPlan(planID string) (*agent.TaskPlan, bool) {
	return a.plans.Get(planID)
}

func (a *LLMAgent) DeletePlan(planID string) {
	a.plans.Delete(planID)
}

// PrunePlans removes plans created before cutoff
func (a *LLMAgent) PrunePlans(cutoff time.Time) int {
	return a.plans.Prune(cutoff)
}

func (a *LLMAgent) resolvePlan(opts agent.ExecuteOptions) (*agent.TaskPlan, error) {
	if opts.Plan != nil {
		if opts.Plan.ID == "" || (opts.PlanID != "" && opts.Plan.ID != opts.PlanID) {
			return nil, fmt.Errorf("%w: %s", agent.ErrPlanNotFound, opts.PlanID)
		}
		// an edited plan replaces the stored one, keeping its identity
		a.plans.Save(opts.Plan)
		opts.PlanID = opts.Plan.ID
	}

	plan, ok := a.plans.Get(opts.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrPlanNotFound, opts.PlanID)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan %s has no steps", plan.ID)
	}
	return plan, nil
}

func (a *LLMAgent) request(purpose Purpose, opts agent.RunOptions, system, prompt string) LLMRequest {
	model := opts.Model
	if model == "" {
		model = a.cfg.Model
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = a.cfg.WorkDir
	}

	messages := make([]LLMMessage, 0, len(opts.Conversation)+1)
	for _, turn := range opts.Conversation {
		if turn.Role != "user" && turn.Role != "assistant" {
			continue
		}
		messages = append(messages, LLMMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, LLMMessage{Role: "user", Content: prompt})

	return LLMRequest{
		Purpose:      purpose,
		Model:        model,
		Messages:     messages,
		Images:       opts.Images,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
		SystemPrompt: system,
		WorkDir:      workDir,
	}
}

func (a *LLMAgent) call(ctx context.Context, request LLMRequest, emit agent.Emitter) (*LLMResponse, error) {
	return callWithRetry(ctx, a.provider, request, emit, a.maxRetries, a.retryBackoff, a.logger)
}

// emitContent forwards response text unless a streaming provider already did
func (a *LLMAgent) emitContent(emit agent.Emitter, resp *LLMResponse) error {
	if _, streaming := a.provider.(StreamingProvider); streaming {
		return nil
	}
	if resp.Content == "" {
		return nil
	}
	return emit(agent.Message{Type: agent.MessageText, Content: resp.Content})
}

func addUsage(total, usage *agent.TokenUsage) {
	if usage == nil {
		return
	}
	total.InputTokens += usage.InputTokens
	total.OutputTokens += usage.OutputTokens
}

// intOption reads an integer option that may have been decoded from JSON
func intOption(options map[string]any, key string, fallback int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func stringOption(options map[string]any, key, fallback string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
