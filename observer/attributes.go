package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for conversation observability spans and metrics.
var (
	AttrModelProvider = attribute.Key("model.provider")
	AttrModelMethod   = attribute.Key("model.method")

	AttrTokensInput  = attribute.Key("model.tokens.input")
	AttrTokensOutput = attribute.Key("model.tokens.output")

	AttrBoundToolCount = attribute.Key("model.tool_count")
	AttrStreamChunks   = attribute.Key("model.stream_chunks")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrAgentID = attribute.Key("agent.id")
	AttrCycle   = attribute.Key("conversation.cycle")
)
