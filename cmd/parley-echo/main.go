// Binary parley-echo is a small MCP tool server over stdio, useful for
// exercising the tool pipeline without external dependencies. It exposes
// an echo tool and a clock tool.
//
// Usage in parley.toml:
//
//	[[tools]]
//	name = "echo"
//	command = "parley-echo"
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/nevindra/parley/mcp"
)

func main() {
	log.SetOutput(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := mcp.NewServer("parley-echo", "0.1.0")

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "echo",
			Description: "Echoes the given text back to the caller.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"text": {"type": "string", "description": "Text to echo"}
				},
				"required": ["text"]
			}`),
		},
		Execute: func(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return mcp.ErrorResult("invalid arguments: " + err.Error())
			}
			return mcp.TextResult(in.Text)
		},
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "current_time",
			Description: "Returns the current UTC time in RFC 3339 format.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		Execute: func(_ context.Context, _ json.RawMessage) mcp.ToolCallResult {
			return mcp.TextResult(time.Now().UTC().Format(time.RFC3339))
		},
	})

	if err := srv.Serve(ctx); err != nil {
		log.Fatal(err)
	}
}
