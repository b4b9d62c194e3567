// Package ollama implements parley.Provider against Ollama's native API:
// POST /api/chat with newline-delimited JSON streaming, and GET /api/tags
// for endpoint probing.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nevindra/parley"
)

// maxChunkSize bounds one NDJSON line from the endpoint.
const maxChunkSize = 1 << 20

// Provider is a chat client for one Ollama endpoint and model. The
// http.Client is reused across calls; agents pointing at the same endpoint
// may share a Provider.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client, e.g. to set timeouts.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a provider for model served at baseURL
// (e.g. "http://localhost:11434").
func New(baseURL, model string, opts ...Option) *Provider {
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "ollama".
func (p *Provider) Name() string { return "ollama" }

// Chat sends a non-streaming chat request and returns the complete
// response.
func (p *Provider) Chat(ctx context.Context, req parley.ChatRequest) (parley.ChatResponse, error) {
	resp, err := p.send(ctx, p.buildBody(req, false))
	if err != nil {
		return parley.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var chunk chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return parley.ChatResponse{}, p.malformed("decode response: " + err.Error())
	}
	return toResponse(chunk, chunk), nil
}

// ChatStream streams the response, sending each content delta to tokens.
// tokens is closed when streaming finishes, whether or not an error
// occurred.
func (p *Provider) ChatStream(ctx context.Context, req parley.ChatRequest, tokens chan<- string) (parley.ChatResponse, error) {
	defer close(tokens)

	resp, err := p.send(ctx, p.buildBody(req, true))
	if err != nil {
		return parley.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var (
		content strings.Builder
		calls   []wireToolCall
		final   chatChunk
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return parley.ChatResponse{}, p.malformed("decode stream chunk: " + err.Error())
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			select {
			case tokens <- chunk.Message.Content:
			case <-ctx.Done():
				return parley.ChatResponse{}, ctx.Err()
			}
		}
		calls = append(calls, chunk.Message.ToolCalls...)
		if chunk.Done {
			final = chunk
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return parley.ChatResponse{}, ctx.Err()
		}
		return parley.ChatResponse{}, p.malformed("read stream: " + err.Error())
	}

	full := final
	full.Message.Content = content.String()
	full.Message.ToolCalls = calls
	return toResponse(full, final), nil
}

// Ping probes the endpoint via /api/tags and reports whether the
// configured model is served. Implements parley.Pinger.
func (p *Provider) Ping(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return "", p.unreachable(err.Error())
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", p.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.unreachable(fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return "", p.malformed("decode /api/tags: " + err.Error())
	}

	var names []string
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	for _, n := range names {
		if n == p.model || strings.TrimSuffix(n, ":latest") == p.model {
			return "model " + p.model + " available", nil
		}
	}
	return "", &parley.ErrModel{
		Kind:    parley.ModelErrNotFound,
		Message: fmt.Sprintf("model %s not served; available: %s", p.model, strings.Join(names, ", ")),
	}
}

// buildBody maps the request to Ollama's wire format. Params pass through
// uninterpreted as model options.
func (p *Provider) buildBody(req parley.ChatRequest, stream bool) chatBody {
	body := chatBody{
		Model:   p.model,
		Stream:  stream,
		Options: req.Params,
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Function: wireCallFunction{Name: tc.Name, Arguments: tc.Args},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

// send posts the body to /api/chat and classifies transport and HTTP
// failures.
func (p *Provider) send(ctx context.Context, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, p.malformed("marshal request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, p.unreachable("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.classifyTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		msg := strings.TrimSpace(string(raw))
		if resp.StatusCode == http.StatusNotFound || strings.Contains(msg, "not found") {
			return nil, &parley.ErrModel{Kind: parley.ModelErrNotFound, Message: msg}
		}
		return nil, p.unreachable(fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, msg))
	}
	return resp, nil
}

// classifyTransport separates caller cancellation from a dead endpoint.
func (p *Provider) classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return p.unreachable(err.Error())
}

func (p *Provider) unreachable(msg string) error {
	return &parley.ErrModel{Kind: parley.ModelErrUnreachable, Message: msg}
}

func (p *Provider) malformed(msg string) error {
	return &parley.ErrModel{Kind: parley.ModelErrMalformed, Message: msg}
}

// toResponse converts accumulated wire chunks to the neutral response.
// Ollama assigns no tool-call ids, so they are minted here.
func toResponse(full, final chatChunk) parley.ChatResponse {
	resp := parley.ChatResponse{
		Content: full.Message.Content,
		Usage: parley.Usage{
			InputTokens:  final.PromptEvalCount,
			OutputTokens: final.EvalCount,
		},
	}
	for _, tc := range full.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, parley.ToolCall{
			ID:   parley.NewID(),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}
	return resp
}

// Compile-time interface checks.
var (
	_ parley.Provider = (*Provider)(nil)
	_ parley.Pinger   = (*Provider)(nil)
)
