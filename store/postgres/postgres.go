// Package postgres implements store.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the transcript tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			current_cycle INTEGER NOT NULL,
			termination_reason TEXT,
			started_at BIGINT NOT NULL,
			saved_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT,
			cycle INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_messages
			ON conversation_messages(conversation_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// SaveConversation writes the conversation and its messages in one
// transaction, replacing any previous save of the same id.
func (s *Store) SaveConversation(ctx context.Context, state parley.ConversationState) error {
	snapshot, err := json.Marshal(state.Scenario)
	if err != nil {
		return fmt.Errorf("postgres: marshal scenario: %w", err)
	}
	var reason *string
	if state.Termination != nil {
		reason = &state.Termination.Reason
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = $1`, state.ID); err != nil {
		return fmt.Errorf("postgres: clear messages: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, scenario, snapshot, current_cycle, termination_reason, started_at, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			current_cycle = EXCLUDED.current_cycle,
			termination_reason = EXCLUDED.termination_reason,
			saved_at = EXCLUDED.saved_at`,
		state.ID, state.Scenario.Name, snapshot, state.CurrentCycle,
		reason, state.StartedAt, time.Now().Unix()); err != nil {
		return fmt.Errorf("postgres: insert conversation: %w", err)
	}

	for i, m := range state.Messages {
		var calls []byte
		if len(m.ToolCalls) > 0 {
			calls, err = json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("postgres: marshal tool calls: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_messages
				(id, conversation_id, seq, agent_id, role, content, tool_calls, tool_call_id, cycle, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, state.ID, i, m.AgentID, string(m.Role), m.Content,
			calls, m.ToolCallID, m.Cycle, m.Timestamp); err != nil {
			return fmt.Errorf("postgres: insert message: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// LoadConversation reads one saved conversation with its messages.
func (s *Store) LoadConversation(ctx context.Context, id string) (parley.ConversationState, error) {
	var (
		state    parley.ConversationState
		snapshot []byte
		reason   *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, snapshot, current_cycle, termination_reason, started_at
		 FROM conversations WHERE id = $1`, id).
		Scan(&state.ID, &snapshot, &state.CurrentCycle, &reason, &state.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return parley.ConversationState{}, store.ErrNotFound
	}
	if err != nil {
		return parley.ConversationState{}, fmt.Errorf("postgres: load conversation: %w", err)
	}
	if err := json.Unmarshal(snapshot, &state.Scenario); err != nil {
		return parley.ConversationState{}, fmt.Errorf("postgres: decode scenario: %w", err)
	}
	state.Phase = parley.PhaseTerminated
	if reason != nil {
		state.Termination = &parley.Termination{Reason: *reason, AtCycle: state.CurrentCycle}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, role, content, tool_calls, tool_call_id, cycle, created_at
		 FROM conversation_messages WHERE conversation_id = $1 ORDER BY seq`, id)
	if err != nil {
		return parley.ConversationState{}, fmt.Errorf("postgres: load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m     parley.Message
			role  string
			calls []byte
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &role, &m.Content, &calls, &m.ToolCallID, &m.Cycle, &m.Timestamp); err != nil {
			return parley.ConversationState{}, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Role = parley.Role(role)
		if len(calls) > 0 {
			if err := json.Unmarshal(calls, &m.ToolCalls); err != nil {
				return parley.ConversationState{}, fmt.Errorf("postgres: decode tool calls: %w", err)
			}
		}
		state.Messages = append(state.Messages, m)
	}
	return state, rows.Err()
}

// ListConversations summarizes saved conversations, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]store.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.scenario, c.started_at, c.current_cycle, c.termination_reason,
			(SELECT COUNT(*) FROM conversation_messages m WHERE m.conversation_id = c.id)
		 FROM conversations c ORDER BY c.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	var out []store.Summary
	for rows.Next() {
		var (
			sum    store.Summary
			reason *string
		)
		if err := rows.Scan(&sum.ID, &sum.Scenario, &sum.StartedAt, &sum.CurrentCycle, &reason, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		if reason != nil {
			sum.TerminationReason = *reason
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }
