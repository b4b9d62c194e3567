// Package store defines transcript persistence for finished conversations.
// The core engine never writes here; the host saves a state snapshot after
// termination and reads it back for exports.
package store

import (
	"context"
	"errors"

	"github.com/nevindra/parley"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("store: conversation not found")

// Summary is one row in a conversation listing.
type Summary struct {
	ID                string `json:"id"`
	Scenario          string `json:"scenario"`
	StartedAt         int64  `json:"started_at"`
	CurrentCycle      int    `json:"current_cycle"`
	MessageCount      int    `json:"message_count"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// Store persists conversation transcripts.
type Store interface {
	// Init creates the schema. Safe to call multiple times.
	Init(ctx context.Context) error
	// SaveConversation writes a terminated conversation and its messages.
	// Saving the same id again replaces the previous record.
	SaveConversation(ctx context.Context, state parley.ConversationState) error
	// LoadConversation reads a saved conversation back.
	LoadConversation(ctx context.Context, id string) (parley.ConversationState, error)
	// ListConversations summarizes saved conversations, newest first.
	ListConversations(ctx context.Context) ([]Summary, error)
	// Close releases the underlying connection.
	Close() error
}
