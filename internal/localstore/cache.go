package localstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/model"
)

// Cache keeps the last fetched ciphertext pages, conversations and peer public
// keys so history stays readable offline.
type Cache struct{ db *sql.DB }

// PutConversation upserts c.
func (c *Cache) PutConversation(ctx context.Context, conv model.Conversation) error {
	const stmt = `
INSERT INTO cached_conversations (id, participant_1_id, participant_2_id, last_message_at, archived_by_participant_1, archived_by_participant_2)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  last_message_at=excluded.last_message_at,
  archived_by_participant_1=excluded.archived_by_participant_1,
  archived_by_participant_2=excluded.archived_by_participant_2`
	_, err := c.db.ExecContext(ctx, stmt, conv.ID, conv.Participant1, conv.Participant2,
		toNullUnix(conv.LastMessageAt), boolInt(conv.ArchivedBy1), boolInt(conv.ArchivedBy2))
	return err
}

// Conversation returns a cached conversation.
func (c *Cache) Conversation(ctx context.Context, id uuid.UUID) (model.Conversation, bool, error) {
	const q = `
SELECT id, participant_1_id, participant_2_id, last_message_at, archived_by_participant_1, archived_by_participant_2
FROM cached_conversations WHERE id=?`
	var (
		conv model.Conversation
		last sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx, q, id).
		Scan(&conv.ID, &conv.Participant1, &conv.Participant2, &last, &conv.ArchivedBy1, &conv.ArchivedBy2)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Conversation{}, false, nil
	case err != nil:
		return model.Conversation{}, false, err
	}
	conv.LastMessageAt = fromNullUnix(last)
	return conv, true, nil
}

// PutPublicKey remembers the current public key of a user.
func (c *Cache) PutPublicKey(ctx context.Context, userID uuid.UUID, publicKey string) error {
	const stmt = `
INSERT INTO cached_public_keys (user_id, public_key, updated_at) VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET public_key=excluded.public_key, updated_at=excluded.updated_at`
	_, err := c.db.ExecContext(ctx, stmt, userID, publicKey, toUnix(time.Now()))
	return err
}

// PublicKey returns the cached public key of a user.
func (c *Cache) PublicKey(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	var pk string
	err := c.db.QueryRowContext(ctx, `SELECT public_key FROM cached_public_keys WHERE user_id=?`, userID).Scan(&pk)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return pk, true, nil
}

// PutMessages upserts stored messages. Local placeholders (sequence 0) are skipped:
// they live in the outbox until the store assigns a sequence number.
func (c *Cache) PutMessages(ctx context.Context, msgs []model.Message) (err error) {
	const stmt = `
INSERT INTO cached_messages (id, conversation_id, sender_id, encrypted_content, iv, sequence_number,
  deleted, edited, edited_at, delivered_at, read_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  encrypted_content=excluded.encrypted_content,
  iv=excluded.iv,
  deleted=excluded.deleted,
  edited=excluded.edited,
  edited_at=excluded.edited_at,
  delivered_at=excluded.delivered_at,
  read_at=excluded.read_at`

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	for _, m := range msgs {
		if m.SequenceNumber == 0 {
			continue
		}
		if _, err = tx.ExecContext(ctx, stmt, m.ID, m.ConversationID, m.SenderID, m.EncryptedContent, m.IV,
			m.SequenceNumber, boolInt(m.Deleted), boolInt(m.Edited), toNullUnix(m.EditedAt),
			toNullUnix(m.DeliveredAt), toNullUnix(m.ReadAt), toUnix(m.CreatedAt)); err != nil {
			return err
		}
	}
	return nil
}

// Messages mirrors MessageRepository.Page over the cache: non-deleted messages
// with sequence_number < before (0 = newest), newest first.
func (c *Cache) Messages(ctx context.Context, conversationID uuid.UUID, before int64, limit int) ([]model.Message, error) {
	const q = `
SELECT id, conversation_id, sender_id, encrypted_content, iv, sequence_number, deleted, edited,
  edited_at, delivered_at, read_at, created_at
FROM cached_messages
WHERE conversation_id=? AND deleted=0 AND (? = 0 OR sequence_number < ?)
ORDER BY sequence_number DESC
LIMIT ?`
	rows, err := c.db.QueryContext(ctx, q, conversationID, before, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m                        model.Message
			edited, delivered, readA sql.NullInt64
			created                  int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.EncryptedContent, &m.IV, &m.SequenceNumber,
			&m.Deleted, &m.Edited, &edited, &delivered, &readA, &created); err != nil {
			return nil, err
		}
		m.EditedAt = fromNullUnix(edited)
		m.DeliveredAt = fromNullUnix(delivered)
		m.ReadAt = fromNullUnix(readA)
		m.CreatedAt = fromUnix(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Reconcile marks cached messages of a conversation deleted when a fresh store
// page covering sequence numbers in (above, before) did not return them. before
// 0 means no upper bound. keep lists the IDs the store returned.
func (c *Cache) Reconcile(ctx context.Context, conversationID uuid.UUID, above, before int64, keep []uuid.UUID) (n int64, err error) {
	const q = `
SELECT id FROM cached_messages
WHERE conversation_id=? AND deleted=0 AND sequence_number > ? AND (? = 0 OR sequence_number < ?)`

	kept := make(map[uuid.UUID]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	rows, err := tx.QueryContext(ctx, q, conversationID, above, before, before)
	if err != nil {
		return 0, err
	}
	var gone []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := kept[id]; !ok {
			gone = append(gone, id)
		}
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range gone {
		if _, err = tx.ExecContext(ctx, `UPDATE cached_messages SET deleted=1 WHERE id=?`, id); err != nil {
			return 0, err
		}
	}
	return int64(len(gone)), nil
}
