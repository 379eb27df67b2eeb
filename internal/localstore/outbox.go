package localstore

import (
	"context"
	"database/sql"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

// Outbox persists queued messages across restarts. Enqueue order is the
// autoincrement position, never a timestamp.
type Outbox struct{ db *sql.DB }

const outboxCols = `id, conversation_id, sender_id, encrypted_content, iv, attempt_count, next_retry_at, status, last_error, created_at`

// Add appends q. A second Add with the same ID returns errs.ErrAlreadyExists.
func (o *Outbox) Add(ctx context.Context, q model.QueuedMessage) error {
	const stmt = `
INSERT INTO outbox (` + outboxCols + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`
	res, err := o.db.ExecContext(ctx, stmt,
		q.ID, q.ConversationID, q.SenderID, q.EncryptedContent, q.IV,
		q.AttemptCount, toUnix(q.NextRetryAt), string(q.Status), q.LastError, toUnix(q.CreatedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// List returns all items in enqueue order.
func (o *Outbox) List(ctx context.Context) ([]model.QueuedMessage, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT `+outboxCols+` FROM outbox ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedMessage
	for rows.Next() {
		var (
			q               model.QueuedMessage
			status          string
			next, createdAt int64
		)
		if err := rows.Scan(&q.ID, &q.ConversationID, &q.SenderID, &q.EncryptedContent, &q.IV,
			&q.AttemptCount, &next, &status, &q.LastError, &createdAt); err != nil {
			return nil, err
		}
		q.NextRetryAt = fromUnix(next)
		q.CreatedAt = fromUnix(createdAt)
		q.Status = model.QueueStatus(status)
		out = append(out, q)
	}
	return out, rows.Err()
}

// Update persists the retry state of q. Payload columns are immutable.
func (o *Outbox) Update(ctx context.Context, q model.QueuedMessage) error {
	const stmt = `UPDATE outbox SET attempt_count=?, next_retry_at=?, status=?, last_error=? WHERE id=?`
	res, err := o.db.ExecContext(ctx, stmt, q.AttemptCount, toUnix(q.NextRetryAt), string(q.Status), q.LastError, q.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Remove deletes the item; removing an absent item is not an error.
func (o *Outbox) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id=?`, id)
	return err
}
