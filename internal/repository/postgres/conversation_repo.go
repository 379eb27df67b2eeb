package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

// ConversationRepo implements ConversationRepository using PostgreSQL.
type ConversationRepo struct{ db *DB }

// NewConversationRepo constructs a conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

// Get returns the conversation when principal is one of its participants.
func (r *ConversationRepo) Get(ctx context.Context, principal, id uuid.UUID) (model.Conversation, error) {
	const q = `
SELECT id, participant_1_id, participant_2_id, last_message_at, archived_by_participant_1, archived_by_participant_2
FROM conversations
WHERE id=$1 AND $2 IN (participant_1_id, participant_2_id)`

	var c model.Conversation
	err := r.db.inTx(ctx, principal, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, q, id, principal).
			Scan(&c.ID, &c.Participant1, &c.Participant2, &c.LastMessageAt, &c.ArchivedBy1, &c.ArchivedBy2)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, errs.ErrNotFound
	}
	return c, err
}

// SetArchived updates only the flag belonging to principal's slot.
func (r *ConversationRepo) SetArchived(ctx context.Context, principal, id uuid.UUID, archived bool) error {
	const q = `
UPDATE conversations SET
  archived_by_participant_1 = CASE WHEN participant_1_id=$2 THEN $3 ELSE archived_by_participant_1 END,
  archived_by_participant_2 = CASE WHEN participant_2_id=$2 THEN $3 ELSE archived_by_participant_2 END
WHERE id=$1 AND $2 IN (participant_1_id, participant_2_id)`

	return r.db.inTx(ctx, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, id, principal, archived)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}
