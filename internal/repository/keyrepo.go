// Package repository defines the Message Store contract implemented by concrete backends.
//
// Every method that reads or mutates user data takes the acting principal so that
// backends can enforce row-level authorization.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/model"
)

// KeyRepository provides access to the append-only public key registry.
type KeyRepository interface {
	// Insert stores a new non-revoked record for rec.UserID.
	Insert(ctx context.Context, rec *model.KeyRecord) error
	// Current returns the most recent non-revoked record; found is false when the user has none.
	Current(ctx context.Context, userID uuid.UUID) (rec model.KeyRecord, found bool, err error)
	// ListActive returns all non-revoked records, newest first.
	ListActive(ctx context.Context, userID uuid.UUID) ([]model.KeyRecord, error)
	// Rotate revokes every active record of rec.UserID and inserts rec, atomically.
	Rotate(ctx context.Context, rec *model.KeyRecord) error
	// RevokeAll revokes every active record and returns how many were revoked.
	RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error)
}
