// Package limiter throttles key unlock attempts.
//
// A wrong password is only detected after a full Argon2id derivation, so repeated
// guesses are expensive for the device and must be bounded per user and device.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls unlock attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an unlock is currently allowed and optional retry-after.
	Allow(ctx context.Context, userID uuid.UUID, deviceHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful unlock.
	Success(ctx context.Context, userID uuid.UUID, deviceHash []byte) error
	// Failure records a wrong password; may place a temporary block.
	Failure(ctx context.Context, userID uuid.UUID, deviceHash []byte) (bool, time.Duration, error)
}
