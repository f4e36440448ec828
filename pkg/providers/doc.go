// Package providers contains the built-in provider plugins.
//
// Every built-in agent is an LLMAgent driving an LLMProvider: the agent owns
// the plan store, cancellation and message sequencing while the provider only
// turns a request into a response. Providers that produce intermediate events
// implement StreamingProvider and emit them directly.
//
// Usage:
//
//	reg := plugin.NewRegistry(logger)
//	_ = providers.RegisterBuiltins(reg, logger)
//	descs, _ := providers.LoadDescriptors("/etc/conductor/providers")
//	for _, d := range descs {
//		_ = reg.Register(providers.DescriptorPlugin(d, logger))
//	}
package providers
