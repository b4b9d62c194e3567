// Package parley orchestrates turn-based conversations between autonomous
// LLM agents. A declarative configuration describes agents (persona, model
// endpoint, tool servers), scenarios (participants, termination rules), and
// initialization (system prompt template, opening message); the Orchestrator
// drives agents through round-robin turns, invokes model endpoints, routes
// tool calls to external MCP tool servers, enforces termination conditions,
// and streams every thought and utterance to subscribers in real time.
//
// The core pieces:
//
//   - Broadcaster: fan-out of typed events to subscribers (events.go)
//   - Provider: the model client abstraction (provider.go, provider/ollama)
//   - ThoughtFilter: separates delimited reasoning from responses (thought.go)
//   - mcp.Registry: tool-server subprocess lifecycle and call routing
//   - CycleTracker: cycle accounting and termination predicates (cycle.go)
//   - turnExecutor: one agent turn including the tool-call loop (turn.go)
//   - Orchestrator: conversation state machine and run loop (orchestrator.go)
//   - Initializer: scenario selection and prompt rendering (initializer.go)
//
// State is owned by a single serial driver; parallelism is confined to model
// streaming, tool-server subprocesses, and event fan-out.
package parley
