package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/rs/zerolog"
)

// Purpose tells a provider which agent operation a request belongs to
type Purpose string

const (
	PurposeRun     Purpose = "run"
	PurposePlan    Purpose = "plan"
	PurposeExecute Purpose = "execute"
)

// LLMMessage is one turn sent to a model
type LLMMessage struct {
	Role    string
	Content string
}

// LLMRequest contains the request parameters for an LLM call
type LLMRequest struct {
	Purpose      Purpose
	Model        string
	Messages     []LLMMessage
	Images       []agent.Image
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	WorkDir      string
}

// LastUserMessage returns the content of the most recent user turn
func (r LLMRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// LLMResponse contains the response from an LLM
type LLMResponse struct {
	Content string
	Usage   *agent.TokenUsage
	CostUSD float64
}

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// StreamingProvider is implemented by providers that produce intermediate
// messages. emit may be nil, in which case output is only buffered.
type StreamingProvider interface {
	LLMProvider
	CallStream(ctx context.Context, request LLMRequest, emit agent.Emitter) (*LLMResponse, error)
}

// IsRetryableError reports whether an LLM error is transient
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(errMsg, "econnreset") || strings.Contains(errMsg, "etimedout") || strings.Contains(errMsg, "connection reset") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "overloaded") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

// callWithRetry calls the provider with exponential backoff retry
func callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, emit agent.Emitter, maxRetries int, backoff time.Duration, logger zerolog.Logger) (*LLMResponse, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	// Streamed output has already reached the caller and the command may have
	// acted on it, so a streaming provider gets exactly one attempt.
	if streaming, ok := provider.(StreamingProvider); ok {
		response, err := streaming.CallStream(ctx, request, emit)
		if err != nil {
			return nil, err
		}
		if response == nil {
			return nil, fmt.Errorf("%s returned an empty response", provider.Provider())
		}
		return response, nil
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			if response == nil {
				return nil, fmt.Errorf("%s returned an empty response", provider.Provider())
			}
			return response, nil
		}

		lastErr = err

		// Don't retry on permanent errors or cancellation
		if ctx.Err() != nil || !IsRetryableError(err) {
			return nil, err
		}

		// Last attempt - don't wait
		if attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1x, 2x, 4x
		delay := backoff * time.Duration(1<<attempt)
		logger.Info().
			Str("provider", provider.Provider()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
