// Package agent defines the provider-independent agent contract and its data model.
//
// Invariants:
// - Every Run/Plan/Execute stream delivers exactly one terminal message (done or error).
// - Messages within one stream are delivered in emission order.
// - Plans are owned by the agent instance that produced them.
//
// Usage:
//
//	stream := a.Run(ctx, "hello", agent.RunOptions{SessionID: "s1"})
//	for msg := range stream.Messages() {
//		fmt.Println(msg.Type, msg.Content)
//	}
package agent
