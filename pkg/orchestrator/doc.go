// Package orchestrator is the layer between the API surface and the agents.
//
// It resolves a provider for each request, keeps one agent instance per
// session, maps the request phase onto Run, Plan or Execute and relays the
// agent's messages. Execute is only accepted for plans the same session's
// agent produced. Background requests run detached from the caller and are
// tracked by a background.Coordinator until they finish.
package orchestrator
