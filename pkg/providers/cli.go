package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/rs/zerolog"
)

const (
	cliWaitDelay     = 2 * time.Second
	maxCLILineLength = 4 * 1024 * 1024
)

// CLIProvider runs an external agent CLI once per request
type CLIProvider struct {
	desc   Descriptor
	logger zerolog.Logger
}

// NewCLIProvider creates a provider for the described command
func NewCLIProvider(desc Descriptor, logger zerolog.Logger) *CLIProvider {
	return &CLIProvider{
		desc:   desc,
		logger: logger.With().Str("command", desc.Command).Logger(),
	}
}

// Provider returns the provider name
func (p *CLIProvider) Provider() string {
	return p.desc.Type
}

// Call runs the command and returns its collected output
func (p *CLIProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	return p.CallStream(ctx, request, nil)
}

// cliEvent is one line of stream-json output
type cliEvent struct {
	Type     string            `json:"type"`
	Content  string            `json:"content"`
	Text     string            `json:"text"`
	ToolName string            `json:"tool_name"`
	ToolID   string            `json:"tool_id"`
	Input    map[string]any    `json:"input"`
	Output   json.RawMessage   `json:"output"`
	IsError  bool              `json:"is_error"`
	Usage    *agent.TokenUsage `json:"usage"`
	CostUSD  float64           `json:"cost_usd"`
	Message  string            `json:"message"`
}

func (e cliEvent) text() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Text
}

// CallStream runs the command, forwarding output lines to emit as they arrive
func (p *CLIProvider) CallStream(ctx context.Context, request LLMRequest, emit agent.Emitter) (*LLMResponse, error) {
	if p.desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.desc.Timeout)
		defer cancel()
	}

	args, stdin := p.buildArgs(request)

	cmd := exec.CommandContext(ctx, p.desc.Command, args...)
	cmd.Dir = request.WorkDir
	cmd.Env = p.environ()
	cmd.WaitDelay = cliWaitDelay
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.desc.Command, err)
	}

	p.logger.Debug().
		Str("purpose", string(request.Purpose)).
		Int("pid", cmd.Process.Pid).
		Msg("CLI agent started")

	resp, handleErr := p.readOutput(stdout, emit)
	if handleErr != nil {
		// nobody is draining stdout anymore
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handleErr != nil {
		return nil, handleErr
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return nil, fmt.Errorf("%s exited: %w", p.desc.Command, waitErr)
		}
		return nil, fmt.Errorf("%s exited: %w: %s", p.desc.Command, waitErr, detail)
	}
	return resp, nil
}

func (p *CLIProvider) readOutput(stdout io.Reader, emit agent.Emitter) (*LLMResponse, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxCLILineLength)

	resp := &LLMResponse{}
	var lines []string
	var final string
	var haveFinal bool
	var reported error

	forward := func(msg agent.Message) error {
		if emit == nil {
			return nil
		}
		return emit(msg)
	}

	for scanner.Scan() {
		line := scanner.Text()

		if p.desc.Output != OutputStreamJSON {
			lines = append(lines, line)
			if err := forward(agent.Message{Type: agent.MessageText, Content: line}); err != nil {
				return nil, err
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var event cliEvent
		if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
			lines = append(lines, line)
			if err := forward(agent.Message{Type: agent.MessageText, Content: line}); err != nil {
				return nil, err
			}
			continue
		}

		var msg *agent.Message
		switch event.Type {
		case "text", "assistant":
			lines = append(lines, event.text())
			msg = &agent.Message{Type: agent.MessageText, Content: event.text()}
		case "tool_use":
			msg = &agent.Message{
				Type:      agent.MessageToolUse,
				ToolName:  event.ToolName,
				ToolID:    event.ToolID,
				ToolInput: event.Input,
			}
		case "tool_result":
			msg = &agent.Message{
				Type:       agent.MessageToolResult,
				ToolID:     event.ToolID,
				ToolOutput: rawText(event.Output),
				IsError:    event.IsError,
			}
		case "result":
			if text := event.text(); text != "" {
				final, haveFinal = text, true
			}
			resp.Usage = event.Usage
			resp.CostUSD = event.CostUSD
		case "error":
			detail := event.Message
			if detail == "" {
				detail = event.text()
			}
			reported = errors.New(detail)
		default:
			p.logger.Debug().Str("type", event.Type).Msg("Ignoring CLI event")
		}

		if msg != nil {
			if err := forward(*msg); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	if reported != nil {
		return nil, fmt.Errorf("%s reported an error: %w", p.desc.Command, reported)
	}

	if haveFinal {
		resp.Content = final
	} else {
		resp.Content = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return resp, nil
}

// buildArgs expands placeholders in the descriptor's arguments. The prompt is
// sent on stdin when no argument references {prompt}.
func (p *CLIProvider) buildArgs(request LLMRequest) ([]string, string) {
	template := p.desc.Args
	if request.Purpose == PurposePlan && len(p.desc.PlanArgs) > 0 {
		template = p.desc.PlanArgs
	}

	usesSystem := false
	for _, arg := range template {
		if strings.Contains(arg, "{system}") {
			usesSystem = true
		}
	}

	prompt := flattenPrompt(request, !usesSystem)
	replacer := strings.NewReplacer(
		"{prompt}", prompt,
		"{model}", request.Model,
		"{system}", request.SystemPrompt,
		"{workdir}", request.WorkDir,
	)

	args := make([]string, 0, len(template))
	usesPrompt := false
	for _, arg := range template {
		if strings.Contains(arg, "{prompt}") {
			usesPrompt = true
		}
		args = append(args, replacer.Replace(arg))
	}

	if usesPrompt {
		return args, ""
	}
	return args, prompt
}

func (p *CLIProvider) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(p.desc.Env))
	for key := range p.desc.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+os.ExpandEnv(p.desc.Env[key]))
	}
	return env
}

// flattenPrompt renders the conversation as a single prompt for tools that
// take one text input
func flattenPrompt(request LLMRequest, withSystem bool) string {
	var b strings.Builder

	if withSystem && request.SystemPrompt != "" {
		b.WriteString(request.SystemPrompt)
		b.WriteString("\n\n")
	}

	if len(request.Messages) > 1 {
		b.WriteString("Previous conversation:\n")
		for _, msg := range request.Messages[:len(request.Messages)-1] {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString(request.LastUserMessage())
	return b.String()
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}
