// Package mcp speaks the Model Context Protocol (MCP) over subprocess
// stdio: newline-delimited JSON-RPC 2.0. It provides both sides of the
// wire: a client plus registry for supervising external tool servers and
// routing tool calls to them, and an embeddable Server for writing tool
// servers in Go.
//
// The protocol follows the MCP specification (revision 2025-03-26).
package mcp

import (
	"encoding/json"
	"strings"
)

// --- JSON-RPC 2.0 types ---

// request is a JSON-RPC 2.0 request or notification. Notifications have a
// nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification returns true if this is a notification (no ID field).
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
)

// --- MCP protocol types ---

// protocolVersion is the MCP protocol revision this package implements.
const protocolVersion = "2025-03-26"

// initializeParams is the client's initialize request payload.
type initializeParams struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    any      `json:"capabilities"`
	ClientInfo      peerInfo `json:"clientInfo"`
}

// initializeResult is the server's response to an initialize request.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      peerInfo           `json:"serverInfo"`
}

// peerInfo identifies one side of the connection.
type peerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverCapabilities struct {
	Tools *capability `json:"tools,omitempty"`
}

type capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// --- Tool types ---

// ToolDefinition describes a tool exposed via MCP. InputSchema is a JSON
// Schema document carried opaquely.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolsListResult is the response to tools/list.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// toolCallParams is the request payload for tools/call.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the response payload for tools/call. Content is an
// ordered list of parts; this package produces and consumes text parts.
type ToolCallResult struct {
	Content []ContentPart `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentPart is one content block in a tools/call response.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text joins the result's text parts.
func (r ToolCallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// TextResult creates a successful ToolCallResult with one text part.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentPart{{Type: "text", Text: text}}}
}

// ErrorResult creates an error ToolCallResult with one text part.
func ErrorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentPart{{Type: "text", Text: text}},
		IsError: true,
	}
}
