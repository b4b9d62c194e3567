// Package sqlite implements store.Store using pure-Go SQLite. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the transcript tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			current_cycle INTEGER NOT NULL,
			termination_reason TEXT,
			started_at INTEGER NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			cycle INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_messages
			ON conversation_messages(conversation_id, seq)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	return nil
}

// SaveConversation writes the conversation and all its non-thought
// messages in one transaction, replacing any previous save of the same id.
func (s *Store) SaveConversation(ctx context.Context, state parley.ConversationState) error {
	start := time.Now()

	snapshot, err := json.Marshal(state.Scenario)
	if err != nil {
		return fmt.Errorf("sqlite: marshal scenario: %w", err)
	}
	var reason sql.NullString
	if state.Termination != nil {
		reason = sql.NullString{String: state.Termination.Reason, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = ?`, state.ID); err != nil {
		return fmt.Errorf("sqlite: clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversations
			(id, scenario, snapshot, current_cycle, termination_reason, started_at, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.Scenario.Name, string(snapshot), state.CurrentCycle,
		reason, state.StartedAt, time.Now().Unix()); err != nil {
		return fmt.Errorf("sqlite: insert conversation: %w", err)
	}

	for i, m := range state.Messages {
		var calls sql.NullString
		if len(m.ToolCalls) > 0 {
			raw, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("sqlite: marshal tool calls: %w", err)
			}
			calls = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages
				(id, conversation_id, seq, agent_id, role, content, tool_calls, tool_call_id, cycle, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, state.ID, i, m.AgentID, string(m.Role), m.Content,
			calls, m.ToolCallID, m.Cycle, m.Timestamp); err != nil {
			return fmt.Errorf("sqlite: insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	s.logger.Debug("sqlite: conversation saved",
		"id", state.ID, "messages", len(state.Messages), "elapsed", time.Since(start))
	return nil
}

// LoadConversation reads one saved conversation with its messages in
// order.
func (s *Store) LoadConversation(ctx context.Context, id string) (parley.ConversationState, error) {
	var (
		state    parley.ConversationState
		snapshot string
		reason   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, snapshot, current_cycle, termination_reason, started_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&state.ID, &snapshot, &state.CurrentCycle, &reason, &state.StartedAt)
	if err == sql.ErrNoRows {
		return parley.ConversationState{}, store.ErrNotFound
	}
	if err != nil {
		return parley.ConversationState{}, fmt.Errorf("sqlite: load conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &state.Scenario); err != nil {
		return parley.ConversationState{}, fmt.Errorf("sqlite: decode scenario: %w", err)
	}
	state.Phase = parley.PhaseTerminated
	if reason.Valid {
		state.Termination = &parley.Termination{Reason: reason.String, AtCycle: state.CurrentCycle}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, role, content, tool_calls, tool_call_id, cycle, created_at
		 FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return parley.ConversationState{}, fmt.Errorf("sqlite: load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m     parley.Message
			role  string
			calls sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &role, &m.Content, &calls, &m.ToolCallID, &m.Cycle, &m.Timestamp); err != nil {
			return parley.ConversationState{}, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Role = parley.Role(role)
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return parley.ConversationState{}, fmt.Errorf("sqlite: decode tool calls: %w", err)
			}
		}
		state.Messages = append(state.Messages, m)
	}
	return state, rows.Err()
}

// ListConversations summarizes saved conversations, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]store.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.scenario, c.started_at, c.current_cycle, c.termination_reason,
			(SELECT COUNT(*) FROM conversation_messages m WHERE m.conversation_id = c.id)
		 FROM conversations c ORDER BY c.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var out []store.Summary
	for rows.Next() {
		var (
			sum    store.Summary
			reason sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.Scenario, &sum.StartedAt, &sum.CurrentCycle, &reason, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("sqlite: scan summary: %w", err)
		}
		sum.TerminationReason = reason.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
