// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Storage sentinels shared by repository implementations.
var (
	// ErrNotFound indicates the requested entity does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates a temporary lock after too many failed key unlock attempts.
	ErrRateLimited = errors.New("rate limited")
)

// Kinds of the closed error set surfaced by the messaging core.
// Callers match them with errors.Is.
var (
	// ErrAuthentication indicates there is no valid authenticated principal.
	ErrAuthentication = errors.New("authentication required")

	// ErrKeyDerivation indicates key derivation failed or required key material is absent.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrKeyMismatch indicates the derived public key differs from the stored one (wrong password).
	ErrKeyMismatch = errors.New("key mismatch")

	// ErrEncryptionLocked indicates the session is authenticated but holds no keys.
	ErrEncryptionLocked = errors.New("encryption locked")

	// ErrEncryption indicates a generic cryptographic operation failure.
	ErrEncryption = errors.New("encryption failed")

	// ErrConnection indicates a store I/O failure.
	ErrConnection = errors.New("connection failed")

	// ErrValidation indicates caller input violates a domain rule.
	ErrValidation = errors.New("validation failed")
)

var kinds = []error{
	ErrAuthentication,
	ErrKeyDerivation,
	ErrKeyMismatch,
	ErrEncryptionLocked,
	ErrEncryption,
	ErrConnection,
	ErrValidation,
}
