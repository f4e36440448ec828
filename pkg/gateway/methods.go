package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/background"
	"github.com/harun/conductor/pkg/history"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/plugin"
	"github.com/harun/conductor/pkg/session"
)

func (s *Server) registerBuiltinMethods() {
	s.router.RegisterMethod("agent.run", s.handleAgentRun)
	s.router.RegisterMethod("agent.background", s.handleAgentBackground)
	s.router.RegisterMethod("agent.stop", s.handleAgentStop)
	s.router.RegisterMethod("plans.get", s.handlePlansGet)
	s.router.RegisterMethod("plans.delete", s.handlePlansDelete)
	s.router.RegisterMethod("providers.list", s.handleProvidersList)
	s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	s.router.RegisterMethod("tasks.list", s.handleTasksList)
	s.router.RegisterMethod("tasks.subscribe", s.handleTasksSubscribe)
	s.router.RegisterMethod("tasks.unsubscribe", s.handleTasksUnsubscribe)
	s.router.RegisterMethod("tasks.stop", s.handleTasksStop)
	s.router.RegisterMethod("tasks.clear", s.handleTasksClear)
	s.router.RegisterMethod("status", s.handleStatus)
	if s.history != nil {
		s.router.RegisterMethod("history.recent", s.handleHistoryRecent)
	}
}

// RunResult summarizes a finished agent.run. Messages is only filled for
// callers without a websocket, which cannot receive agent.message events.
type RunResult struct {
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	PlanID    string          `json:"planId,omitempty"`
	Messages  []agent.Message `json:"messages,omitempty"`
}

func (r *RunResult) observe(msg agent.Message) {
	if msg.Type == agent.MessagePlan && msg.Plan != nil {
		r.PlanID = msg.Plan.ID
	}
	switch {
	case msg.Type == agent.MessageError:
		r.Status = history.StatusError
		r.Error = msg.Message
	case msg.Type == agent.MessageDone && msg.Aborted:
		r.Status = history.StatusAborted
	case msg.Type == agent.MessageDone:
		r.Status = history.StatusSuccess
	}
}

func (s *Server) handleAgentRun(ctx context.Context, params json.RawMessage) (any, error) {
	var req orchestrator.Request
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	stream, err := s.orch.Handle(ctx, req)
	if err != nil {
		return nil, toRPCError(err)
	}

	client := clientFromContext(ctx)
	requestID := requestIDFromContext(ctx)
	result := &RunResult{SessionID: stream.SessionID()}

	for msg := range stream.Messages() {
		result.observe(msg)

		if client == nil {
			result.Messages = append(result.Messages, msg)
			continue
		}

		err := s.broadcaster.Send(client, EventMessage{
			Event:     "agent.message",
			RequestID: requestID,
			SessionID: stream.SessionID(),
			Data:      msg,
		})
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("sessionId", stream.SessionID()).
				Msg("Client went away mid-run, abandoning stream")
			stream.Close()
			return nil, &RPCError{Code: InternalError, Message: "client connection lost"}
		}
	}

	return result, nil
}

func (s *Server) handleAgentBackground(ctx context.Context, params json.RawMessage) (any, error) {
	var req orchestrator.Request
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	task, err := s.orch.Background(ctx, req)
	if err != nil {
		return nil, toRPCError(err)
	}
	return task, nil
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleAgentStop(ctx context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("sessionId is required")
	}

	return map[string]any{
		"sessionId": p.SessionID,
		"stopped":   s.orch.Stop(p.SessionID),
	}, nil
}

type planParams struct {
	SessionID string `json:"sessionId"`
	PlanID    string `json:"planId"`
}

func (s *Server) handlePlansGet(ctx context.Context, params json.RawMessage) (any, error) {
	var p planParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.PlanID == "" {
		return nil, invalidParams("planId is required")
	}

	plan, ok := s.orch.GetPlan(p.PlanID)
	if !ok {
		return nil, toRPCError(fmt.Errorf("%w: %s", agent.ErrPlanNotFound, p.PlanID))
	}
	return plan, nil
}

func (s *Server) handlePlansDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p planParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" || p.PlanID == "" {
		return nil, invalidParams("sessionId and planId are required")
	}

	if err := s.orch.DeletePlan(p.SessionID, p.PlanID); err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) handleProvidersList(ctx context.Context, params json.RawMessage) (any, error) {
	providers := s.providers.List()
	if providers == nil {
		providers = []plugin.Info{}
	}
	return map[string]any{"providers": providers}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params json.RawMessage) (any, error) {
	sessions := s.orch.Sessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) handleTasksList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"tasks": nonNilTasks(s.orch.Tasks().List())}, nil
}

// handleTasksSubscribe pushes a tasks.snapshot event to the calling client on
// every coordinator mutation, starting with the current snapshot. Snapshots
// are written by a per-client goroutine; a failed write ends the subscription.
func (s *Server) handleTasksSubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "subscriptions need a websocket connection"}
	}

	feed := newTaskFeed()
	feed.unsubscribe = s.orch.Tasks().Subscribe(feed.push)
	client.setSubscription(feed)

	go feed.run(func(tasks []background.Task) error {
		return s.broadcaster.Send(client, EventMessage{
			Event: "tasks.snapshot",
			Data:  map[string]any{"tasks": nonNilTasks(tasks)},
		})
	}, func(err error) {
		s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Task snapshot push failed, dropping subscription")
		client.dropSubscription(feed)
	})

	// the current snapshot goes out before the response
	select {
	case <-feed.first:
	case <-ctx.Done():
	}

	return map[string]any{"subscribed": true}, nil
}

func (s *Server) handleTasksUnsubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "subscriptions need a websocket connection"}
	}
	client.setSubscription(nil)
	return map[string]any{"subscribed": false}, nil
}

type taskParams struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleTasksStop(ctx context.Context, params json.RawMessage) (any, error) {
	var p taskParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, invalidParams("taskId is required")
	}

	return map[string]any{
		"taskId":  p.TaskID,
		"stopped": s.orch.Tasks().Stop(p.TaskID),
	}, nil
}

func (s *Server) handleTasksClear(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"cleared": s.orch.Tasks().Clear()}, nil
}

func (s *Server) handleStatus(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{
		"orchestrator": s.orch.Stats(),
		"clients":      s.clients.Count(),
		"connections":  s.ConnectedClients(),
		"methods":      s.router.Methods(),
	}, nil
}

type historyParams struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleHistoryRecent(ctx context.Context, params json.RawMessage) (any, error) {
	var p historyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	runs, err := s.history.Recent(ctx, history.Query{
		SessionID: p.SessionID,
		Provider:  p.Provider,
		Limit:     p.Limit,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	if runs == nil {
		runs = []history.Run{}
	}
	return map[string]any{"runs": runs}, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}

// toRPCError maps orchestrator failures onto protocol error codes
func toRPCError(err error) *RPCError {
	code := InternalError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, plugin.ErrInvalidConfig):
		code = InvalidParams
	case errors.Is(err, plugin.ErrProviderNotFound),
		errors.Is(err, agent.ErrPlanNotFound),
		errors.Is(err, orchestrator.ErrNoProvider):
		code = NotFound
	case errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, background.ErrTaskRunning):
		code = SessionBusy
	case errors.Is(err, orchestrator.ErrTooManyRuns):
		code = TooManyConcurrent
	}
	return &RPCError{Code: code, Message: err.Error()}
}

func nonNilTasks(tasks []background.Task) []background.Task {
	if tasks == nil {
		return []background.Task{}
	}
	return tasks
}
