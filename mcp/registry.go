package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nevindra/parley"
)

// ServerStatus is the lifecycle state of a registered tool server.
type ServerStatus string

const (
	StatusStopped   ServerStatus = "stopped"
	StatusStarting  ServerStatus = "starting"
	StatusReady     ServerStatus = "ready"
	StatusUnhealthy ServerStatus = "unhealthy"
)

const (
	// defaultStartupDeadline bounds the initialize handshake.
	defaultStartupDeadline = 2 * time.Second
	// defaultStopGrace is how long a server gets to exit after stdin closes.
	defaultStopGrace = 2 * time.Second
	// defaultHealthInterval is the probe period for ready servers.
	defaultHealthInterval = 10 * time.Second
	// maxHealthBackoff caps probe backoff for unhealthy servers. Past the
	// cap the server stays unhealthy until an explicit restart.
	maxHealthBackoff = 80 * time.Second
	// healthProbeTimeout bounds one tools/list health probe.
	healthProbeTimeout = 5 * time.Second
)

// server is one supervised tool-server subprocess.
type server struct {
	name    string // registered name; agent-scoped servers are "{agent}_{base}"
	agentID string // empty for global servers
	spec    parley.ToolServerSpec

	tr     transport
	client *Client

	status     ServerStatus
	lastHealth time.Time
	tools      []parley.ToolDefinition

	backoff   time.Duration
	nextProbe time.Time
	probesOff bool // backoff cap reached; wait for explicit restart
}

// ServerDescriptor is the externally visible view of one server.
type ServerDescriptor struct {
	Name            string       `json:"name"`
	AgentID         string       `json:"agent_id,omitempty"`
	Status          ServerStatus `json:"status"`
	LastHealthCheck int64        `json:"last_health_check,omitempty"`
	Tools           []string     `json:"tools,omitempty"`
}

// Registry supervises tool-server subprocesses and routes tool calls to
// the owning server. It implements parley.ToolBroker and
// parley.ToolLifecycle. Global servers are registered by the host at
// startup; agent-scoped servers come and go with conversations.
type Registry struct {
	mu      sync.Mutex
	servers map[string]*server

	logger          *slog.Logger
	sink            parley.EventSink
	startupDeadline time.Duration
	stopGrace       time.Duration
	healthInterval  time.Duration

	// startTransport is the subprocess seam; tests swap it for an
	// in-memory transport.
	startTransport func(spec parley.ToolServerSpec, logger *slog.Logger) (transport, error)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	_ parley.ToolBroker    = (*Registry)(nil)
	_ parley.ToolLifecycle = (*Registry)(nil)
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithEventSink routes server lifecycle transitions to an event sink.
func WithEventSink(s parley.EventSink) RegistryOption {
	return func(r *Registry) { r.sink = s }
}

// WithHealthInterval overrides the probe period.
func WithHealthInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.healthInterval = d
		}
	}
}

// WithStartupDeadline overrides the handshake deadline.
func WithStartupDeadline(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.startupDeadline = d
		}
	}
}

// NewRegistry creates a registry and starts its health monitor.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		servers:         make(map[string]*server),
		logger:          slog.Default(),
		startupDeadline: defaultStartupDeadline,
		stopGrace:       defaultStopGrace,
		healthInterval:  defaultHealthInterval,
		stop:            make(chan struct{}),
	}
	r.startTransport = func(spec parley.ToolServerSpec, logger *slog.Logger) (transport, error) {
		return startStdioTransport(spec.Command, spec.Args, spec.Env, logger)
	}
	for _, o := range opts {
		o(r)
	}
	r.wg.Add(1)
	go r.healthLoop()
	return r
}

// Close stops every server and the health monitor.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.Lock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		_ = r.Stop(name)
	}
}

// Start registers and launches a global tool server.
func (r *Registry) Start(ctx context.Context, spec parley.ToolServerSpec) error {
	return r.startServer(ctx, spec.Name, "", spec)
}

// StartAgentServer launches a server scoped to one agent. The registered
// name is prefixed with the agent id so concurrent agents never collide.
func (r *Registry) StartAgentServer(ctx context.Context, agentID string, spec parley.ToolServerSpec) error {
	return r.startServer(ctx, agentID+"_"+spec.Name, agentID, spec)
}

func (r *Registry) startServer(ctx context.Context, name, agentID string, spec parley.ToolServerSpec) error {
	r.mu.Lock()
	if existing, ok := r.servers[name]; ok && existing.status != StatusStopped {
		r.mu.Unlock()
		return errors.New("mcp: server already registered: " + name)
	}
	srv := &server{name: name, agentID: agentID, spec: spec, status: StatusStarting}
	r.servers[name] = srv
	r.mu.Unlock()

	logger := r.logger.With("server", name)
	tr, err := r.startTransport(spec, logger)
	if err != nil {
		r.markStopped(name)
		return err
	}
	client := newClient(tr)

	hctx, cancel := context.WithTimeout(ctx, r.startupDeadline)
	defer cancel()

	srvName, srvVersion, err := client.Initialize(hctx)
	if err != nil {
		tr.close(r.stopGrace)
		r.markStopped(name)
		return errors.New("mcp: initialize " + name + ": " + err.Error())
	}
	defs, err := client.ListTools(hctx)
	if err != nil {
		tr.close(r.stopGrace)
		r.markStopped(name)
		return errors.New("mcp: list tools " + name + ": " + err.Error())
	}

	tools := make([]parley.ToolDefinition, len(defs))
	for i, d := range defs {
		tools[i] = parley.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.InputSchema}
	}

	r.mu.Lock()
	srv.tr = tr
	srv.client = client
	srv.status = StatusReady
	srv.lastHealth = time.Now()
	srv.tools = tools
	srv.nextProbe = time.Now().Add(r.healthInterval)
	srv.backoff = 0
	srv.probesOff = false
	collisions := r.collisionsLocked(srv)
	r.mu.Unlock()

	for _, c := range collisions {
		r.logger.Warn("tool name collision, agent-scoped tool wins", "tool", c, "server", name)
	}
	logger.Info("tool server ready", "peer", srvName, "peer_version", srvVersion, "tools", len(tools))
	r.publish(parley.Event{Type: parley.EventLifecycle, Kind: parley.LifecycleToolReady, ToolName: name, AgentID: agentID})
	return nil
}

// collisionsLocked lists tool names this agent-scoped server shadows.
func (r *Registry) collisionsLocked(srv *server) []string {
	if srv.agentID == "" {
		return nil
	}
	global := make(map[string]bool)
	for _, s := range r.servers {
		if s.agentID == "" && s.status == StatusReady {
			for _, t := range s.tools {
				global[t.Name] = true
			}
		}
	}
	var out []string
	for _, t := range srv.tools {
		if global[t.Name] {
			out = append(out, t.Name)
		}
	}
	return out
}

func (r *Registry) markStopped(name string) {
	r.mu.Lock()
	if srv, ok := r.servers[name]; ok {
		srv.status = StatusStopped
		srv.tr = nil
		srv.client = nil
		srv.tools = nil
	}
	r.mu.Unlock()
}

// Stop gracefully shuts one server down and removes it from the registry.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	srv, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return errors.New("mcp: unknown server: " + name)
	}
	tr := srv.tr
	delete(r.servers, name)
	r.mu.Unlock()

	if tr != nil {
		tr.close(r.stopGrace)
	}
	r.logger.Info("tool server stopped", "server", name)
	return nil
}

// StopAgentServers tears down every server scoped to agentID.
func (r *Registry) StopAgentServers(agentID string) {
	r.mu.Lock()
	var names []string
	for name, srv := range r.servers {
		if srv.agentID == agentID {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	for _, name := range names {
		_ = r.Stop(name)
	}
}

// Restart stops a server and relaunches it with its original spec.
func (r *Registry) Restart(ctx context.Context, name string) error {
	r.mu.Lock()
	srv, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return errors.New("mcp: unknown server: " + name)
	}
	spec, agentID := srv.spec, srv.agentID
	r.mu.Unlock()

	_ = r.Stop(name)
	return r.startServer(ctx, name, agentID, spec)
}

// Descriptors lists every registered server.
func (r *Registry) Descriptors() []ServerDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerDescriptor, 0, len(r.servers))
	for _, srv := range r.servers {
		d := ServerDescriptor{Name: srv.name, AgentID: srv.agentID, Status: srv.status}
		if !srv.lastHealth.IsZero() {
			d.LastHealthCheck = srv.lastHealth.Unix()
		}
		for _, t := range srv.tools {
			d.Tools = append(d.Tools, t.Name)
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b ServerDescriptor) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// ToolsForAgent returns the union of all ready global servers' tools plus
// tools from servers scoped to agentID. Agent-scoped tools shadow global
// ones of the same name.
func (r *Registry) ToolsForAgent(agentID string) []parley.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := make(map[string]parley.ToolDefinition)
	var order []string
	add := func(defs []parley.ToolDefinition) {
		for _, d := range defs {
			if _, seen := byName[d.Name]; !seen {
				order = append(order, d.Name)
			}
			byName[d.Name] = d
		}
	}
	for _, srv := range r.servers {
		if srv.status == StatusReady && srv.agentID == "" {
			add(srv.tools)
		}
	}
	for _, srv := range r.servers {
		if srv.status == StatusReady && srv.agentID == agentID {
			add(srv.tools)
		}
	}

	out := make([]parley.ToolDefinition, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// Call routes one tool call to the owning server and awaits the result up
// to deadline. Failures come back as results so the model can react; the
// lock is never held across the subprocess round-trip.
func (r *Registry) Call(ctx context.Context, agentID, toolName string, args json.RawMessage, deadline time.Duration) parley.ToolResult {
	client := r.resolve(agentID, toolName)
	if client == nil {
		return parley.ToolResult{Error: "unknown tool: " + toolName, Kind: "protocol"}
	}

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	res, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return parley.ToolResult{Error: "tool call timed out: " + toolName, Kind: "timeout"}
		case errors.Is(err, context.Canceled):
			return parley.ToolResult{Error: "tool call cancelled: " + toolName, Kind: "timeout"}
		default:
			return parley.ToolResult{Error: err.Error(), Kind: "transport"}
		}
	}
	if res.IsError {
		return parley.ToolResult{Error: res.Text(), Kind: "protocol"}
	}
	return parley.ToolResult{Content: res.Text()}
}

// resolve finds the client owning toolName for agentID. Agent-scoped
// servers win over global ones.
func (r *Registry) resolve(agentID, toolName string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var global *Client
	for _, srv := range r.servers {
		if srv.status != StatusReady {
			continue
		}
		for _, t := range srv.tools {
			if t.Name != toolName {
				continue
			}
			if srv.agentID == agentID && agentID != "" {
				return srv.client
			}
			if srv.agentID == "" {
				global = srv.client
			}
		}
	}
	return global
}

// healthLoop periodically probes ready servers with tools/list. A failed
// probe marks the server unhealthy and backs off exponentially up to a
// cap; past the cap the server waits for an explicit restart.
func (r *Registry) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.probeDue()
		}
	}
}

func (r *Registry) probeDue() {
	now := time.Now()

	r.mu.Lock()
	var due []*server
	for _, srv := range r.servers {
		if srv.probesOff || srv.client == nil {
			continue
		}
		if (srv.status == StatusReady || srv.status == StatusUnhealthy) && !srv.nextProbe.After(now) {
			due = append(due, srv)
		}
	}
	r.mu.Unlock()

	for _, srv := range due {
		r.probe(srv)
	}
}

func (r *Registry) probe(srv *server) {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defs, err := srv.client.ListTools(ctx)
	cancel()

	r.mu.Lock()
	if _, still := r.servers[srv.name]; !still {
		r.mu.Unlock()
		return
	}
	if err != nil {
		wasReady := srv.status == StatusReady
		srv.status = StatusUnhealthy
		if srv.backoff == 0 {
			srv.backoff = r.healthInterval
		} else {
			srv.backoff *= 2
		}
		if srv.backoff > maxHealthBackoff {
			srv.probesOff = true
		}
		srv.nextProbe = time.Now().Add(srv.backoff)
		name, agentID := srv.name, srv.agentID
		backoff, off := srv.backoff, srv.probesOff
		r.mu.Unlock()

		r.logger.Warn("tool server unhealthy", "server", name, "error", err, "backoff", backoff, "giving_up", off)
		if wasReady {
			r.publish(parley.Event{Type: parley.EventLifecycle, Kind: parley.LifecycleToolUnhealthy, ToolName: name, AgentID: agentID, Detail: err.Error()})
		}
		return
	}

	tools := make([]parley.ToolDefinition, len(defs))
	for i, d := range defs {
		tools[i] = parley.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.InputSchema}
	}
	wasUnhealthy := srv.status == StatusUnhealthy
	srv.status = StatusReady
	srv.tools = tools
	srv.lastHealth = time.Now()
	srv.backoff = 0
	srv.nextProbe = time.Now().Add(r.healthInterval)
	name, agentID := srv.name, srv.agentID
	r.mu.Unlock()

	if wasUnhealthy {
		r.logger.Info("tool server recovered", "server", name)
		r.publish(parley.Event{Type: parley.EventLifecycle, Kind: parley.LifecycleToolReady, ToolName: name, AgentID: agentID})
	}
}

func (r *Registry) publish(ev parley.Event) {
	if r.sink != nil {
		r.sink.Publish(ev)
	}
}
