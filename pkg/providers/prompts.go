package providers

import (
	"fmt"
	"strings"

	"github.com/harun/conductor/pkg/agent"
)

const planInstructions = `You are in planning mode. Do not perform the task.
Reply with a single JSON object and nothing else:
{"goal": "<one sentence>", "steps": ["<step>", "..."], "notes": "<optional>"}
Keep steps concrete and ordered. If the request needs no work beyond a direct
reply, answer instead with {"answer": "<reply>"}.`

func planSystemPrompt(base string) string {
	if base == "" {
		return planInstructions
	}
	return base + "\n\n" + planInstructions
}

// stepPrompt builds the instruction for executing one plan step
func stepPrompt(originalPrompt string, plan *agent.TaskPlan, index int, previous []string) string {
	var b strings.Builder

	if originalPrompt != "" {
		fmt.Fprintf(&b, "Original request:\n%s\n\n", originalPrompt)
	}
	if plan.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n\n", plan.Goal)
	}

	b.WriteString("Plan:\n")
	for i, step := range plan.Steps {
		marker := " "
		switch {
		case i == index:
			marker = ">"
		case step.Status == agent.StepCompleted:
			marker = "x"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", marker, i+1, step.Description)
	}

	if len(previous) > 0 {
		b.WriteString("\nResults so far:\n")
		for _, out := range previous {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(out))
		}
	}

	fmt.Fprintf(&b, "\nCarry out step %d now: %s", index+1, plan.Steps[index].Description)
	return b.String()
}
