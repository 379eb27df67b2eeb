package localstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// LegacyKeys records public keys of random, non-derivable key pairs created by
// older clients on this device. It backs the fallback tier of HasValidKeys until
// the user migrates.
type LegacyKeys struct{ db *sql.DB }

// Save records a legacy public key for the user.
func (l *LegacyKeys) Save(ctx context.Context, userID uuid.UUID, publicKey string) error {
	const stmt = `
INSERT INTO legacy_keys (user_id, public_key, created_at) VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET public_key=excluded.public_key`
	_, err := l.db.ExecContext(ctx, stmt, userID, publicKey, toUnix(time.Now()))
	return err
}

// LegacyKey returns the recorded public key, if any.
func (l *LegacyKeys) LegacyKey(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	var pk string
	err := l.db.QueryRowContext(ctx, `SELECT public_key FROM legacy_keys WHERE user_id=?`, userID).Scan(&pk)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return pk, true, nil
}

// Forget removes the marker after migration to a derived key.
func (l *LegacyKeys) Forget(ctx context.Context, userID uuid.UUID) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM legacy_keys WHERE user_id=?`, userID)
	return err
}
