// Package session tracks the lifecycle of agent conversations.
//
// Invariants:
// - Exactly one Session exists per conversation id.
// - A session moves idle -> planning -> executing and back to idle when a run
//   finishes or is stopped.
// - A session that is already executing rejects new runs with ErrSessionBusy.
// - Only the run that currently owns a session can return it to idle.
//
// Usage:
//
//	mgr := session.NewManager(logger)
//	sess, _, _ := mgr.GetOrCreate("conv-1", agent.Config{Provider: "echo"})
//	ctx, token, err := sess.Begin(ctx, session.PhasePlanning)
//	defer sess.Finish(token)
package session
