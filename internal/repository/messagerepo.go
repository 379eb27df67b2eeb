package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/model"
)

// ConversationRepository provides participant-scoped access to conversations.
type ConversationRepository interface {
	// Get returns the conversation if principal participates, errs.ErrNotFound otherwise.
	Get(ctx context.Context, principal, id uuid.UUID) (model.Conversation, error)
	// SetArchived sets the archive flag of principal's own slot.
	SetArchived(ctx context.Context, principal, id uuid.UUID, archived bool) error
}

// MessageRepository provides access to encrypted messages.
type MessageRepository interface {
	// Insert stores m with the next sequence number of its conversation and bumps
	// the conversation's last_message_at. Inserting an existing ID returns the stored
	// row unchanged. m.SenderID is the acting principal.
	Insert(ctx context.Context, m model.NewMessage) (model.Message, error)

	// Page returns up to limit non-deleted messages with sequence_number < before
	// (before == 0 means newest), ordered by sequence_number descending.
	Page(ctx context.Context, principal, conversationID uuid.UUID, before int64, limit int) ([]model.Message, error)

	// Get returns a single message visible to principal.
	Get(ctx context.Context, principal, id uuid.UUID) (model.Message, error)

	// UpdateContent replaces ciphertext of principal's own, non-deleted message created
	// at or after notBefore; errs.ErrNotFound if no row qualifies.
	UpdateContent(ctx context.Context, principal, id uuid.UUID, ciphertext, iv string, editedAt, notBefore time.Time) error

	// SoftDelete flags principal's own message created at or after notBefore as deleted.
	SoftDelete(ctx context.Context, principal, id uuid.UUID, notBefore time.Time) error

	// MarkRead sets read_at on unread messages addressed to principal and returns the count.
	MarkRead(ctx context.Context, principal uuid.UUID, ids []uuid.UUID, at time.Time) (int64, error)
}
