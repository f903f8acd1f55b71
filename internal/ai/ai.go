// Package ai declares the optional language-model capability consumed
// by the analyzer and the learning extractor. The service carries no
// provider implementation; deployments plug one in.
package ai

import "context"

// ChatCompleter is a minimal chat-completion capability. Implementations
// must be safe for concurrent use.
type ChatCompleter interface {
	// Complete sends one system+user exchange and returns the model's
	// text reply.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// IsAvailable reports whether the backing model can be reached.
	IsAvailable(ctx context.Context) bool
}
