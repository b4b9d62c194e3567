package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/parley"
)

// ndjsonServer answers POST /api/chat with the given NDJSON lines.
func ndjsonServer(t *testing.T, lines []string, capture *chatBody) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
		}
	}))
}

func drain(tokens <-chan string) func() []string {
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for tok := range tokens {
			got = append(got, tok)
		}
	}()
	return func() []string { <-done; return got }
}

func TestChatStreamTokens(t *testing.T) {
	var captured chatBody
	srv := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo!"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":5}`,
	}, &captured)
	defer srv.Close()

	p := New(srv.URL, "llama3")
	tokens := make(chan string, 16)
	collected := drain(tokens)

	resp, err := p.ChatStream(context.Background(), parley.ChatRequest{
		Messages: []parley.ChatMessage{{Role: "user", Content: "hi"}},
		Params:   map[string]any{"temperature": 0.2},
	}, tokens)
	if err != nil {
		t.Fatal(err)
	}

	if got := collected(); strings.Join(got, "") != "Hello!" {
		t.Errorf("tokens = %v", got)
	}
	if resp.Content != "Hello!" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if !captured.Stream || captured.Model != "llama3" {
		t.Errorf("request body = %+v", captured)
	}
	if captured.Options["temperature"] != 0.2 {
		t.Errorf("options = %v", captured.Options)
	}
}

func TestChatStreamToolCalls(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"search","arguments":{"q":"go"}}}]},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	}, nil)
	defer srv.Close()

	p := New(srv.URL, "llama3")
	tokens := make(chan string, 16)
	collected := drain(tokens)

	resp, err := p.ChatStream(context.Background(), parley.ChatRequest{}, tokens)
	if err != nil {
		t.Fatal(err)
	}
	collected()

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "search" || tc.ID == "" {
		t.Errorf("call = %+v, want a minted id", tc)
	}
	if string(tc.Args) != `{"q":"go"}` {
		t.Errorf("args = %s", tc.Args)
	}
}

func TestChatStreamStopsAtDone(t *testing.T) {
	// Lines after done:true must be ignored.
	srv := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"yes"},"done":true}`,
		`{"message":{"role":"assistant","content":"stray"},"done":false}`,
	}, nil)
	defer srv.Close()

	p := New(srv.URL, "llama3")
	tokens := make(chan string, 16)
	collected := drain(tokens)

	resp, err := p.ChatStream(context.Background(), parley.ChatRequest{}, tokens)
	if err != nil {
		t.Fatal(err)
	}
	if got := collected(); len(got) != 1 || got[0] != "yes" {
		t.Errorf("tokens = %v", got)
	}
	if resp.Content != "yes" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestChatStreamMalformedChunk(t *testing.T) {
	srv := ndjsonServer(t, []string{`{not json`}, nil)
	defer srv.Close()

	p := New(srv.URL, "llama3")
	tokens := make(chan string, 16)
	_, err := p.ChatStream(context.Background(), parley.ChatRequest{}, tokens)

	var me *parley.ErrModel
	if !errors.As(err, &me) || me.Kind != parley.ModelErrMalformed {
		t.Fatalf("err = %v, want malformed", err)
	}
	if _, open := <-tokens; open {
		t.Error("tokens channel left open after error")
	}
}

func TestChatNonStreaming(t *testing.T) {
	var captured chatBody
	srv := ndjsonServer(t, []string{
		`{"message":{"role":"assistant","content":"complete answer"},"done":true,"eval_count":3}`,
	}, &captured)
	defer srv.Close()

	p := New(srv.URL, "llama3")
	resp, err := p.Chat(context.Background(), parley.ChatRequest{
		Messages: []parley.ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []parley.ToolDefinition{
			{Name: "search", Description: "find things", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "complete answer" || resp.Usage.OutputTokens != 3 {
		t.Errorf("resp = %+v", resp)
	}

	if captured.Stream {
		t.Error("non-streaming request asked for a stream")
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Type != "function" || captured.Tools[0].Function.Name != "search" {
		t.Errorf("tools = %+v", captured.Tools)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Run("model not found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := New(srv.URL, "missing").Chat(context.Background(), parley.ChatRequest{})
		var me *parley.ErrModel
		if !errors.As(err, &me) || me.Kind != parley.ModelErrNotFound {
			t.Errorf("err = %v, want not_found", err)
		}
	})

	t.Run("server error is unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := New(srv.URL, "llama3").Chat(context.Background(), parley.ChatRequest{})
		var me *parley.ErrModel
		if !errors.As(err, &me) || me.Kind != parley.ModelErrUnreachable {
			t.Errorf("err = %v, want unreachable", err)
		}
	})

	t.Run("connection refused is unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // nothing listening anymore

		_, err := New(srv.URL, "llama3").Chat(context.Background(), parley.ChatRequest{})
		var me *parley.ErrModel
		if !errors.As(err, &me) || me.Kind != parley.ModelErrUnreachable {
			t.Errorf("err = %v, want unreachable", err)
		}
	})

	t.Run("caller cancellation passes through", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-block
		}))
		defer srv.Close()
		defer close(block)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := New(srv.URL, "llama3").Chat(ctx, parley.ChatRequest{})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	})
}

func TestPing(t *testing.T) {
	tags := func(names ...string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/tags" {
				http.NotFound(w, r)
				return
			}
			var models []tagModel
			for _, n := range names {
				models = append(models, tagModel{Name: n})
			}
			json.NewEncoder(w).Encode(tagsResponse{Models: models})
		}
	}

	t.Run("model served", func(t *testing.T) {
		srv := httptest.NewServer(tags("llama3:latest", "qwen:7b"))
		defer srv.Close()

		detail, err := New(srv.URL, "llama3").Ping(context.Background())
		if err != nil || !strings.Contains(detail, "llama3") {
			t.Errorf("detail = %q, err = %v", detail, err)
		}
	})

	t.Run("model missing", func(t *testing.T) {
		srv := httptest.NewServer(tags("qwen:7b"))
		defer srv.Close()

		_, err := New(srv.URL, "llama3").Ping(context.Background())
		var me *parley.ErrModel
		if !errors.As(err, &me) || me.Kind != parley.ModelErrNotFound {
			t.Fatalf("err = %v, want not_found", err)
		}
		if !strings.Contains(me.Message, "qwen:7b") {
			t.Errorf("message should list served models: %q", me.Message)
		}
	})

	t.Run("endpoint down", func(t *testing.T) {
		srv := httptest.NewServer(tags())
		srv.Close()

		_, err := New(srv.URL, "llama3").Ping(context.Background())
		var me *parley.ErrModel
		if !errors.As(err, &me) || me.Kind != parley.ModelErrUnreachable {
			t.Errorf("err = %v, want unreachable", err)
		}
	})
}

func TestBuildBodyCarriesAssistantToolCalls(t *testing.T) {
	p := New("http://x", "m")
	body := p.buildBody(parley.ChatRequest{
		Messages: []parley.ChatMessage{
			{Role: "assistant", ToolCalls: []parley.ToolCall{
				{ID: "c1", Name: "search", Args: json.RawMessage(`{"q":"x"}`)},
			}},
			{Role: "tool", Content: "result"},
		},
	}, false)

	if len(body.Messages) != 2 {
		t.Fatalf("messages = %+v", body.Messages)
	}
	calls := body.Messages[0].ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "search" || string(calls[0].Function.Arguments) != `{"q":"x"}` {
		t.Errorf("tool calls = %+v", calls)
	}
}
