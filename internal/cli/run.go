package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/harun/conductor/internal/daemon"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	runProvider string
	runSession  string
	runModel    string
	runWorkDir  string
	runPlan     bool
	runApprove  bool
	runJSON     bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one prompt through an agent and print its messages",
	Long: `Run one prompt in-process, without a daemon.
With --plan the agent proposes a plan first; add --yes to execute it right
away in the same session.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "provider type (default from config)")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "session id (generated when empty)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model override")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "working directory for the agent")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "plan instead of running directly")
	runCmd.Flags().BoolVarP(&runApprove, "yes", "y", false, "execute the proposed plan without asking")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print messages as JSON lines")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Gateway.Enabled = false
	cfg.Descriptors.Watch = false

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	req := orchestrator.Request{
		Prompt:    strings.Join(args, " "),
		SessionID: runSession,
		Provider:  runProvider,
		WorkDir:   runWorkDir,
	}
	if runModel != "" {
		req.ModelConfig = &orchestrator.ModelConfig{Model: runModel}
	}
	if runPlan {
		req.Phase = orchestrator.PhasePlan
	}

	out := cmd.OutOrStdout()
	orch := d.Orchestrator()

	result, err := streamRequest(ctx, orch, req, out)
	if err != nil {
		return err
	}
	if result.plan == nil || !runApprove {
		return result.err
	}

	fmt.Fprintln(out)
	_, err = streamRequest(ctx, orch, orchestrator.Request{
		Phase:     orchestrator.PhaseExecute,
		PlanID:    result.plan.ID,
		SessionID: result.sessionID,
	}, out)
	return err
}

type streamResult struct {
	sessionID string
	plan      *agent.TaskPlan
	err       error
}

// streamRequest prints every message of one request. Interrupting ctx stops
// the session, which ends the stream with an aborted done.
func streamRequest(ctx context.Context, orch *orchestrator.Orchestrator, req orchestrator.Request, out io.Writer) (streamResult, error) {
	stream, err := orch.Handle(ctx, req)
	if err != nil {
		return streamResult{}, err
	}

	result := streamResult{sessionID: stream.SessionID()}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			orch.Stop(result.sessionID)
		case <-watchDone:
		}
	}()

	for msg := range stream.Messages() {
		if err := renderMessage(out, msg, runJSON); err != nil {
			stream.Close()
			return result, err
		}
		switch msg.Type {
		case agent.MessagePlan:
			result.plan = msg.Plan
		case agent.MessageError:
			result.err = fmt.Errorf("run failed: %s", msg.Message)
		}
	}
	return result, nil
}

func renderMessage(w io.Writer, msg agent.Message, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(msg)
	}

	var err error
	switch msg.Type {
	case agent.MessageText, agent.MessageDirectAnswer:
		_, err = fmt.Fprintln(w, msg.Content)
	case agent.MessageToolUse:
		input, _ := json.Marshal(msg.ToolInput)
		_, err = fmt.Fprintf(w, "-> %s %s\n", msg.ToolName, input)
	case agent.MessageToolResult:
		_, err = fmt.Fprintf(w, "<- %s\n", truncate(msg.ToolOutput, 200))
	case agent.MessagePlan:
		err = renderPlan(w, msg.Plan)
	case agent.MessageResult:
		if msg.Usage != nil {
			_, err = fmt.Fprintf(w, "(%d in / %d out tokens, %dms)\n", msg.Usage.InputTokens, msg.Usage.OutputTokens, msg.DurationMs)
		}
	case agent.MessageError:
		_, err = fmt.Fprintf(w, "Error: %s\n", msg.Message)
	case agent.MessageDone:
		if msg.Aborted {
			_, err = fmt.Fprintln(w, "Aborted")
		}
	}
	return err
}

func renderPlan(w io.Writer, plan *agent.TaskPlan) error {
	if plan == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "Plan %s: %s\n", plan.ID, plan.Goal); err != nil {
		return err
	}
	for i, step := range plan.Steps {
		if _, err := fmt.Fprintf(w, "  %d. %s\n", i+1, step.Description); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
