package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineSize bounds one newline-framed message in either direction.
const maxLineSize = 1 << 20 // 1MB

// transport carries JSON-RPC requests to a tool server and returns the
// matched responses. Tests substitute an in-memory implementation.
type transport interface {
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	close(grace time.Duration) error
	alive() bool
}

// stdioTransport runs a tool server as a subprocess and frames JSON-RPC
// messages as newline-delimited JSON over its stdin/stdout. Stderr is
// drained into the logger. Responses are matched to requests by ID; server
// notifications are ignored.
type stdioTransport struct {
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	waitErr   chan error // receives the process exit result once
	wg        sync.WaitGroup
}

// startStdioTransport spawns the subprocess and begins reading its stdout.
// The caller still owes the server an initialize exchange.
func startStdioTransport(command string, args []string, env map[string]string, logger *slog.Logger) (*stdioTransport, error) {
	if command == "" {
		return nil, fmt.Errorf("mcp: tool server command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &stdioTransport{
		logger:   logger,
		pending:  make(map[int64]chan *response),
		stopChan: make(chan struct{}),
		waitErr:  make(chan error, 1),
	}

	t.process = exec.Command(command, args...)
	t.process.Env = os.Environ()
	for k, v := range env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start process: %w", err)
	}
	t.connected.Store(true)
	t.logger.Info("tool server process started", "command", command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	go func() { t.waitErr <- t.process.Wait() }()

	return t, nil
}

func (t *stdioTransport) alive() bool { return t.connected.Load() }

// call sends one request and waits for its response, the context, or
// transport shutdown.
func (t *stdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp: transport closed")
	}

	id := t.nextID.Add(1)
	req := request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: server error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopChan:
		return nil, fmt.Errorf("mcp: transport closed")
	}
}

func (t *stdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// close shuts the subprocess down: close stdin so a well-behaved server
// exits, wait up to grace, then kill. No orphaned subprocess survives any
// path.
func (t *stdioTransport) close(grace time.Duration) error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stopChan)
	t.stdin.Close()

	select {
	case <-t.waitErr:
	case <-time.After(grace):
		t.logger.Warn("tool server did not exit in time, killing", "pid", t.process.Process.Pid)
		t.process.Process.Kill()
		<-t.waitErr
	}

	t.wg.Wait()
	return nil
}

// readLoop matches stdout lines to pending requests.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processLine(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("tool server stdout read failed", "error", err)
	}
}

// processLine handles one JSON-RPC message from the server.
func (t *stdioTransport) processLine(line []byte) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil || len(resp.ID) == 0 {
		// Notifications and unparseable lines are dropped.
		return
	}

	var id int64
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		t.logger.Warn("tool server response with non-numeric id", "id", string(resp.ID))
		return
	}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

// drainStderr forwards the server's stderr to the logger.
func (t *stdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("tool server stderr", "message", line)
		}
	}
}
