package llm

import "context"

// Client is the interface every model provider implements. Timeouts
// are the caller's concern via ctx deadlines.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// tokens are streamed to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, opts *Options, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable and credentialed.
	Ping(ctx context.Context) error
}
