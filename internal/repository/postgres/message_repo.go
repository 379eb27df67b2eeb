package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

const (
	msgCols = `id, conversation_id, sender_id, encrypted_content, initialization_vector, sequence_number, deleted, edited, edited_at, delivered_at, read_at, created_at`

	// participant restricts a statement on messages to conversations of $2.
	participant = `EXISTS (SELECT 1 FROM conversations c WHERE c.id = messages.conversation_id AND $2 IN (c.participant_1_id, c.participant_2_id))`

	msgLockConversation = `SELECT id FROM conversations WHERE id=$1 AND $2 IN (participant_1_id, participant_2_id) FOR UPDATE`

	// The conversation row lock serializes concurrent inserts, so MAX+1 is gap-free;
	// the (conversation_id, sequence_number) unique key backs it up and a violation
	// surfaces as a plain, retryable error.
	msgInsert = `
INSERT INTO messages (id, conversation_id, sender_id, encrypted_content, initialization_vector, sequence_number, delivered_at)
SELECT $1, $2, $3, $4, $5, COALESCE(MAX(sequence_number),0)+1, now()
FROM messages WHERE conversation_id=$2
ON CONFLICT (id) DO NOTHING
RETURNING ` + msgCols

	msgExisting = `SELECT ` + msgCols + ` FROM messages WHERE id=$1 AND sender_id=$2`

	msgTouchConversation = `UPDATE conversations SET last_message_at=$2 WHERE id=$1`
)

type scanner interface{ Scan(dest ...any) error }

func scanMessage(row scanner) (model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.EncryptedContent, &m.IV,
		&m.SequenceNumber, &m.Deleted, &m.Edited, &m.EditedAt, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt)
	return m, err
}

// Insert assigns the next sequence number and stores the message. A replay of an
// already stored ID returns the stored row without side effects.
func (r *MessageRepo) Insert(ctx context.Context, nm model.NewMessage) (model.Message, error) {
	var out model.Message
	err := r.db.inTx(ctx, nm.SenderID, func(tx pgx.Tx) error {
		var convID uuid.UUID
		if err := tx.QueryRow(ctx, msgLockConversation, nm.ConversationID, nm.SenderID).Scan(&convID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}

		m, err := scanMessage(tx.QueryRow(ctx, msgInsert,
			nm.ID, nm.ConversationID, nm.SenderID, nm.EncryptedContent, nm.IV))
		switch {
		case err == nil:
		case errors.Is(err, pgx.ErrNoRows):
			// ID already stored: lost acknowledgment replay.
			existing, err := scanMessage(tx.QueryRow(ctx, msgExisting, nm.ID, nm.SenderID))
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrAlreadyExists
			}
			out = existing
			return err
		default:
			return err
		}

		if _, err = tx.Exec(ctx, msgTouchConversation, nm.ConversationID, m.CreatedAt); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return model.Message{}, err
	}
	return out, nil
}

// Page returns a page of non-deleted messages, newest first.
func (r *MessageRepo) Page(ctx context.Context, principal, conversationID uuid.UUID, before int64, limit int) ([]model.Message, error) {
	const q = `
SELECT ` + msgCols + `
FROM messages
WHERE conversation_id=$1 AND deleted=false AND ($3::bigint = 0 OR sequence_number < $3) AND ` + participant + `
ORDER BY sequence_number DESC
LIMIT $4`

	var out []model.Message
	err := r.db.inTx(ctx, principal, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q, conversationID, principal, before, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a message from one of principal's conversations.
func (r *MessageRepo) Get(ctx context.Context, principal, id uuid.UUID) (model.Message, error) {
	const q = `SELECT ` + msgCols + ` FROM messages WHERE id=$1 AND ` + participant

	var out model.Message
	err := r.db.inTx(ctx, principal, func(tx pgx.Tx) error {
		m, err := scanMessage(tx.QueryRow(ctx, q, id, principal))
		out = m
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, errs.ErrNotFound
	}
	return out, err
}

// UpdateContent replaces the ciphertext of principal's own message inside the edit window.
func (r *MessageRepo) UpdateContent(ctx context.Context, principal, id uuid.UUID, ciphertext, iv string, editedAt, notBefore time.Time) error {
	const q = `
UPDATE messages SET encrypted_content=$3, initialization_vector=$4, edited=true, edited_at=$5
WHERE id=$1 AND sender_id=$2 AND deleted=false AND created_at >= $6`

	return r.db.inTx(ctx, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, id, principal, ciphertext, iv, editedAt, notBefore)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}

// SoftDelete flags principal's own message as deleted. Ciphertext is kept.
func (r *MessageRepo) SoftDelete(ctx context.Context, principal, id uuid.UUID, notBefore time.Time) error {
	const q = `UPDATE messages SET deleted=true WHERE id=$1 AND sender_id=$2 AND deleted=false AND created_at >= $3`

	return r.db.inTx(ctx, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, id, principal, notBefore)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
}

// MarkRead sets read_at once on messages principal received. Already-read rows are untouched.
func (r *MessageRepo) MarkRead(ctx context.Context, principal uuid.UUID, ids []uuid.UUID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `
UPDATE messages SET read_at=$3
WHERE id = ANY($1::uuid[]) AND read_at IS NULL AND sender_id <> $2 AND ` + participant

	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	var n int64
	err := r.db.inTx(ctx, principal, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, strs, principal, at)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
