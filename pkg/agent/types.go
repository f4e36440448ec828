package agent

import (
	"context"
	"time"
)

// MessageType discriminates the kind of an agent message
type MessageType string

const (
	MessageSession      MessageType = "session"
	MessageText         MessageType = "text"
	MessageToolUse      MessageType = "tool_use"
	MessageToolResult   MessageType = "tool_result"
	MessageResult       MessageType = "result"
	MessageError        MessageType = "error"
	MessageDone         MessageType = "done"
	MessagePlan         MessageType = "plan"
	MessageDirectAnswer MessageType = "direct_answer"
)

// Message is a single event emitted during a run
type Message struct {
	Type       MessageType    `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	Content    string         `json:"content,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolID     string         `json:"toolId,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolOutput string         `json:"toolOutput,omitempty"`
	IsError    bool           `json:"isError,omitempty"`
	CostUSD    float64        `json:"costUsd,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Usage      *TokenUsage    `json:"usage,omitempty"`
	Plan       *TaskPlan      `json:"plan,omitempty"`
	Message    string         `json:"message,omitempty"`
	Aborted    bool           `json:"aborted,omitempty"`
}

// IsTerminal reports whether the message ends its stream
func (m Message) IsTerminal() bool {
	return m.Type == MessageDone || m.Type == MessageError
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// StepStatus is the execution status of a plan step
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// PlanStep is a single approved action in a plan
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// TaskPlan is an ordered set of steps produced by Plan and consumed by Execute
type TaskPlan struct {
	ID        string     `json:"id"`
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Clone returns a deep copy of the plan
func (p *TaskPlan) Clone() *TaskPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = append([]PlanStep(nil), p.Steps...)
	return &cp
}

// StepIDs returns the step identifiers in order
func (p *TaskPlan) StepIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		ids = append(ids, step.ID)
	}
	return ids
}

// Config selects a provider and carries its credentials and options.
// It is passed by value into provider factories and never mutated afterwards.
type Config struct {
	Provider     string         `json:"provider"`
	APIKey       string         `json:"apiKey,omitempty"`
	BaseURL      string         `json:"baseUrl,omitempty"`
	Model        string         `json:"model,omitempty"`
	WorkDir      string         `json:"workDir,omitempty"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	MaxTokens    int            `json:"maxTokens,omitempty"`
	Temperature  float64        `json:"temperature,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// ConversationMessage is a prior turn handed to the provider as context
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Image is an inline image attachment
type Image struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// RunOptions configures a single Run or Plan invocation
type RunOptions struct {
	SessionID    string                `json:"sessionId,omitempty"`
	WorkDir      string                `json:"workDir,omitempty"`
	Model        string                `json:"model,omitempty"`
	Conversation []ConversationMessage `json:"conversation,omitempty"`
	Images       []Image               `json:"images,omitempty"`
	Sandbox      map[string]any        `json:"sandbox,omitempty"`
	Skills       map[string]any        `json:"skills,omitempty"`
	MCP          map[string]any        `json:"mcp,omitempty"`
}

// ExecuteOptions configures an Execute invocation
type ExecuteOptions struct {
	RunOptions
	PlanID         string    `json:"planId"`
	OriginalPrompt string    `json:"originalPrompt"`
	Plan           *TaskPlan `json:"plan,omitempty"`
}

// Agent is the uniform operation set every provider implements
type Agent interface {
	// Run performs a direct one-phase execution
	Run(ctx context.Context, prompt string, opts RunOptions) *Stream

	// Plan produces a plan message instead of acting
	Plan(ctx context.Context, prompt string, opts RunOptions) *Stream

	// Execute performs the steps of a previously produced plan
	Execute(ctx context.Context, opts ExecuteOptions) *Stream

	// Stop requests cancellation of the session's running stream.
	// Unknown or finished sessions are ignored.
	Stop(sessionID string)

	GetPlan(planID string) (*TaskPlan, bool)
	DeletePlan(planID string)
}
