package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/history"
)

// runRecord accumulates the history entry of one run while its messages flow
type runRecord struct {
	run history.Run
}

func (r *runRecord) observe(msg agent.Message) {
	r.run.Messages++

	if msg.Usage != nil {
		r.run.InputTokens += msg.Usage.InputTokens
		r.run.OutputTokens += msg.Usage.OutputTokens
	}
	if msg.CostUSD > 0 {
		r.run.CostUSD += msg.CostUSD
	}
	if msg.Type == agent.MessagePlan && msg.Plan != nil && r.run.PlanID == "" {
		r.run.PlanID = msg.Plan.ID
	}

	switch {
	case msg.Type == agent.MessageError:
		r.run.Status = history.StatusError
		r.run.Error = msg.Message
	case msg.Type == agent.MessageDone && msg.Aborted:
		r.run.Status = history.StatusAborted
	case msg.Type == agent.MessageDone:
		r.run.Status = history.StatusSuccess
	}
}

// settle fills in the outcome when the relay ended without a terminal message
func (r *runRecord) settle(err error, aborted bool) {
	r.run.FinishedAt = time.Now()

	if r.run.Status != "" {
		return
	}

	switch {
	case err == nil:
		r.run.Status = history.StatusSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, agent.ErrStreamClosed):
		r.run.Status = history.StatusAborted
	default:
		r.run.Status = history.StatusError
		r.run.Error = err.Error()
	}
	if aborted && r.run.Status == history.StatusSuccess {
		r.run.Status = history.StatusAborted
	}
}
