package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

// KeyRepo implements KeyRepository using PostgreSQL.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a key repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

const (
	keyCols = `id, user_id, public_key, encryption_salt, revoked, created_at`

	keyInsert = `
INSERT INTO user_encryption_keys (id, user_id, public_key, encryption_salt, revoked)
VALUES ($1, $2, $3, $4, false)
RETURNING created_at`

	keyRevokeAll = `UPDATE user_encryption_keys SET revoked=true WHERE user_id=$1 AND revoked=false`
)

// Insert stores a new active key record.
func (r *KeyRepo) Insert(ctx context.Context, rec *model.KeyRecord) error {
	return r.db.inTx(ctx, rec.UserID, func(tx pgx.Tx) error {
		return insertKey(ctx, tx, rec)
	})
}

func insertKey(ctx context.Context, tx pgx.Tx, rec *model.KeyRecord) error {
	if rec.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	err := tx.QueryRow(ctx, keyInsert, rec.ID, rec.UserID, rec.PublicKey, rec.Salt).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	rec.Revoked = false
	return nil
}

// Current returns the newest non-revoked record for the user.
func (r *KeyRepo) Current(ctx context.Context, userID uuid.UUID) (model.KeyRecord, bool, error) {
	const q = `
SELECT ` + keyCols + `
FROM user_encryption_keys
WHERE user_id=$1 AND revoked=false
ORDER BY created_at DESC
LIMIT 1`
	var k model.KeyRecord
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&k.ID, &k.UserID, &k.PublicKey, &k.Salt, &k.Revoked, &k.CreatedAt)
	switch {
	case err == nil:
		return k, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return model.KeyRecord{}, false, nil
	default:
		return model.KeyRecord{}, false, err
	}
}

// ListActive returns every non-revoked record, newest first.
func (r *KeyRepo) ListActive(ctx context.Context, userID uuid.UUID) ([]model.KeyRecord, error) {
	const q = `
SELECT ` + keyCols + `
FROM user_encryption_keys
WHERE user_id=$1 AND revoked=false
ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KeyRecord
	for rows.Next() {
		var k model.KeyRecord
		if err = rows.Scan(&k.ID, &k.UserID, &k.PublicKey, &k.Salt, &k.Revoked, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Rotate revokes all active records and inserts rec in one transaction.
func (r *KeyRepo) Rotate(ctx context.Context, rec *model.KeyRecord) error {
	return r.db.inTx(ctx, rec.UserID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, keyRevokeAll, rec.UserID); err != nil {
			return err
		}
		return insertKey(ctx, tx, rec)
	})
}

// RevokeAll revokes every active record of the user.
func (r *KeyRepo) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.inTx(ctx, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, keyRevokeAll, userID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
