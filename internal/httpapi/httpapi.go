// Package httpapi exposes the orchestrator's command surface over HTTP.
// Commands map one-to-one onto orchestrator methods; /events streams the
// conversation's event feed as server-sent events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/export"
	"github.com/nevindra/parley/mcp"
	"github.com/nevindra/parley/store"
)

// Server wires the orchestrator, event broadcaster, tool registry, and
// transcript store into an http.Handler.
type Server struct {
	orch     *parley.Orchestrator
	events   *parley.Broadcaster
	registry *mcp.Registry
	store    store.Store // nil disables transcript endpoints
	logger   *slog.Logger
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry enables the tool-status and restart endpoints.
func WithRegistry(r *mcp.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithStore enables saved-transcript endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates the API server.
func New(orch *parley.Orchestrator, events *parley.Broadcaster, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		events: events,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("POST /continue", s.handleContinue)
	s.mux.HandleFunc("POST /pause", s.handlePause)
	s.mux.HandleFunc("POST /resume", s.handleResume)
	s.mux.HandleFunc("POST /stop", s.handleStop)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /scenarios", s.handleScenarios)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /transcript", s.handleTranscript)
	s.mux.HandleFunc("GET /transcript.html", s.handleTranscriptHTML)
	s.mux.HandleFunc("POST /model/test", s.handleModelTest)

	s.mux.HandleFunc("GET /tools", s.handleToolStatus)
	s.mux.HandleFunc("POST /tools/{name}/restart", s.handleToolRestart)

	s.mux.HandleFunc("GET /conversations", s.handleConversations)
	s.mux.HandleFunc("GET /conversations/{id}", s.handleConversation)
}

// --- command handlers ---

type startRequest struct {
	Scenario  string `json:"scenario,omitempty"`
	Overrides struct {
		MaxCycles     int    `json:"max_cycles,omitempty"`
		StartingAgent string `json:"starting_agent,omitempty"`
	} `json:"overrides"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.orch.Start(r.Context(), req.Scenario, parley.Overrides{
		MaxCycles:     req.Overrides.MaxCycles,
		StartingAgent: req.Overrides.StartingAgent,
	})
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type continueRequest struct {
	Cycles int `json:"cycles,omitempty"` // 0 = run until terminated
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The drive loop runs under a background context: a dropped HTTP
	// connection must not cancel the conversation mid-turn.
	res, err := s.orch.Continue(context.Background(), req.Cycles)
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)

	if res.Terminated && s.store != nil {
		s.persistTranscript()
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	phase, err := s.orch.Pause(r.Context())
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]parley.Phase{"phase": phase})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	phase, err := s.orch.Resume(r.Context())
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]parley.Phase{"phase": phase})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	phase, err := s.orch.Stop(r.Context())
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]parley.Phase{"phase": phase})

	if s.store != nil {
		s.persistTranscript()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	scs, err := s.orch.ListScenarios(r.Context())
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, scs)
}

// handleEvents streams conversation events as SSE until the client goes
// away. Each subscriber has its own bounded queue; slow clients lose their
// oldest events rather than stalling the conversation.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientID := parley.NewID()
	feed := make(chan parley.Event, 64)
	s.events.Subscribe(clientID, func(ev parley.Event) {
		select {
		case feed <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(clientID)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-feed:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.orch.Transcript(r.Context())
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no conversation"))
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(export.Markdown(snap)))
}

func (s *Server) handleTranscriptHTML(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.orch.Transcript(r.Context())
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no conversation"))
		return
	}
	html, err := export.HTML(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}

type modelTestRequest struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// handleModelTest probes an Ollama endpoint and checks the model is
// served. The prober is injected by the host so this package stays free
// of provider construction.
var newProber func(baseURL, model string) parley.Provider

// SetProber installs the provider factory used by /model/test.
func SetProber(f func(baseURL, model string) parley.Provider) { newProber = f }

func (s *Server) handleModelTest(w http.ResponseWriter, r *http.Request) {
	var req modelTestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.BaseURL == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, errors.New("base_url and model are required"))
		return
	}
	if newProber == nil {
		writeError(w, http.StatusInternalServerError, errors.New("no model prober configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	ok, detail := parley.ProbeProvider(ctx, newProber(req.BaseURL, req.Model))
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "detail": detail})
}

// --- tool handlers ---

func (s *Server) handleToolStatus(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, errors.New("no tool registry configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Descriptors())
}

func (s *Server) handleToolRestart(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, errors.New("no tool registry configured"))
		return
	}
	name := r.PathValue("name")
	if err := s.registry.Restart(r.Context(), name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Descriptors())
}

// --- transcript store handlers ---

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no store configured"))
		return
	}
	list, err := s.store.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("no store configured"))
		return
	}
	state, err := s.store.LoadConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(export.Markdown(state)))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// persistTranscript saves the finished conversation, best-effort.
func (s *Server) persistTranscript() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, ok := s.orch.Transcript(ctx)
	if !ok {
		return
	}
	if err := s.store.SaveConversation(ctx, snap); err != nil {
		s.logger.Error("save transcript failed", "conversation", snap.ID, "error", err)
	}
}

// --- helpers ---

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// commandStatus maps command rejections to HTTP status codes.
func commandStatus(err error) int {
	var invalid *parley.ErrInvalidOverride
	var config *parley.ErrConfigInvalid
	switch {
	case errors.Is(err, parley.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, parley.ErrNotRunning), errors.Is(err, parley.ErrNoConfig):
		return http.StatusConflict
	case errors.As(err, &invalid), errors.As(err, &config):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
