package parley

import "context"

// Provider abstracts a chat model endpoint.
//
// Implementations live under provider/; the core only depends on this
// interface so tests can substitute deterministic fakes.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty the response may contain ToolCalls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams content tokens into tokens as they are generated,
	// then returns the final response with usage stats and any tool calls.
	// The channel is closed when streaming completes or fails.
	ChatStream(ctx context.Context, req ChatRequest, tokens chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "ollama").
	Name() string
}

// Pinger is implemented by providers that can verify endpoint reachability
// and model availability without running a generation.
type Pinger interface {
	// Ping checks the endpoint and returns a human-readable detail string
	// (e.g. the available model list).
	Ping(ctx context.Context) (string, error)
}
