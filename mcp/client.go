package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// clientVersion is reported to servers during initialize.
const clientVersion = "0.1.0"

// Client drives one tool server over a transport: the initialize
// handshake, tool enumeration, tool calls, and health pings.
type Client struct {
	t transport
}

func newClient(t transport) *Client { return &Client{t: t} }

// Initialize performs the MCP handshake and returns the server's reported
// name and version.
func (c *Client) Initialize(ctx context.Context) (name, version string, err error) {
	raw, err := c.t.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      peerInfo{Name: "parley", Version: clientVersion},
	})
	if err != nil {
		return "", "", err
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", "", fmt.Errorf("mcp: decode initialize result: %w", err)
	}
	return res.ServerInfo.Name, res.ServerInfo.Version, nil
}

// ListTools enumerates the server's tools. Also used as the health probe.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("mcp: decode tools/list result: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool and returns its structured result.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	raw, err := c.t.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return ToolCallResult{}, err
	}
	var res ToolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ToolCallResult{}, fmt.Errorf("mcp: decode tools/call result: %w", err)
	}
	return res, nil
}

// Ping checks liveness with the protocol-level ping.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.t.call(ctx, "ping", nil)
	return err
}
