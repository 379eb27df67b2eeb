// Package crypto derives deterministic P-256 key pairs from user passwords.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/goph-chat/internal/errs"
)

// SaltLen is the length of a key derivation salt in bytes.
const SaltLen = 16

const (
	seedLen           = 32
	scalarInfo        = "goph-chat p256 scalar"
	maxScalarAttempts = 16
)

// Params are Argon2id cost parameters. Changing them changes every derived key.
type Params struct {
	Time      uint32 // iterations
	MemoryKiB uint32
	Threads   uint8
}

// DefaultParams returns the production Argon2id parameters (64 MB, 3 passes).
func DefaultParams() Params {
	return Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 1}
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateSalt returns a fresh random salt of SaltLen bytes.
func GenerateSalt() ([]byte, error) {
	s, err := RandBytes(SaltLen)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKeyDerivation, "failed to generate salt", err)
	}
	return s, nil
}

// Deriver turns (password, salt) into a key pair with fixed Argon2id parameters.
type Deriver struct {
	params Params
}

// NewDeriver constructs a Deriver.
func NewDeriver(p Params) *Deriver { return &Deriver{params: p} }

// DeriveKeyPair derives a key pair with DefaultParams.
func DeriveKeyPair(password, salt []byte) (*KeyPair, error) {
	return NewDeriver(DefaultParams()).DeriveKeyPair(password, salt)
}

// DeriveKeyPair runs Argon2id over (password, salt) and maps the seed to a P-256
// private scalar. The same inputs always yield the same key pair.
func (d *Deriver) DeriveKeyPair(password, salt []byte) (*KeyPair, error) {
	if len(salt) != SaltLen {
		return nil, errs.New(errs.ErrKeyDerivation, fmt.Sprintf("invalid salt length %d", len(salt)))
	}
	if len(password) == 0 {
		return nil, errs.New(errs.ErrKeyDerivation, "empty password")
	}

	seed := argon2.IDKey(password, salt, d.params.Time, d.params.MemoryKiB, d.params.Threads, seedLen)
	defer Wipe(seed)

	priv, err := scalarFromSeed(seed)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKeyDerivation, "failed to derive key pair", err)
	}
	return &KeyPair{
		Public:  priv.PublicKey(),
		Salt:    append([]byte(nil), salt...),
		private: priv,
	}, nil
}

// scalarFromSeed expands seed with HKDF until a candidate is a valid scalar
// (non-zero, below the group order).
func scalarFromSeed(seed []byte) (*ecdh.PrivateKey, error) {
	r := hkdf.New(sha256.New, seed, nil, []byte(scalarInfo))
	buf := make([]byte, 32)
	defer Wipe(buf)

	for i := 0; i < maxScalarAttempts; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if k, err := ecdh.P256().NewPrivateKey(buf); err == nil {
			return k, nil
		}
	}
	return nil, errors.New("no valid scalar in expanded seed")
}
