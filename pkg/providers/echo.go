package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

// EchoProvider is a deterministic local LLMProvider. It echoes the latest user
// message and plans by splitting the prompt into sentences; prompts ending in
// a question mark are answered directly.
type EchoProvider struct {
	prefix    string
	delay     time.Duration
	failAfter int
	callCount atomic.Int64
}

// NewEchoProvider creates an echo provider. Options: prefix (string),
// delay_ms (per-call latency) and fail_after (fail every call after N).
func NewEchoProvider(options map[string]any) *EchoProvider {
	return &EchoProvider{
		prefix:    stringOption(options, "prefix", "Echo: "),
		delay:     time.Duration(intOption(options, "delay_ms", 0)) * time.Millisecond,
		failAfter: intOption(options, "fail_after", 0),
	}
}

// Provider returns the provider name
func (e *EchoProvider) Provider() string {
	return "echo"
}

// Call produces a response from the request without any network access
func (e *EchoProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	n := e.callCount.Add(1)

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.delay):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e.failAfter > 0 && int(n) > e.failAfter {
		return nil, fmt.Errorf("echo provider failing after %d calls", e.failAfter)
	}

	prompt := request.LastUserMessage()

	var content string
	if request.Purpose == PurposePlan {
		plan, err := echoPlan(prompt)
		if err != nil {
			return nil, err
		}
		content = plan
	} else {
		content = e.prefix + prompt
	}

	return &LLMResponse{
		Content: content,
		Usage: &agent.TokenUsage{
			InputTokens:  len(prompt) / 4,
			OutputTokens: len(content) / 4,
		},
	}, nil
}

func echoPlan(prompt string) (string, error) {
	trimmed := strings.TrimSpace(prompt)

	var payload any
	if strings.HasSuffix(trimmed, "?") {
		payload = map[string]any{"answer": trimmed}
	} else {
		steps := splitSentences(trimmed)
		goal := trimmed
		if len(steps) > 0 {
			goal = steps[0]
		}
		payload = map[string]any{"goal": goal, "steps": steps}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func splitSentences(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '\n' || r == ';' || r == '!'
	})
	steps := make([]string, 0, len(fields))
	for _, field := range fields {
		if s := strings.TrimSpace(field); s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}
