// Package clientcrypto contains the per-conversation channel: ECDH key agreement and message AEAD.
package clientcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	pkgcrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/errs"
)

// Params
const (
	// Algorithm names the suite in logs.
	Algorithm = "ECDH-P256/HKDF-SHA256/XChaCha20-Poly1305"

	KeyLen = chacha20poly1305.KeySize

	messageKeyInfo = "goph-chat message key v1"
)

// SharedSecret is the symmetric message key two parties agree on.
// Derive it per operation and Wipe it when done; never persist it.
type SharedSecret struct {
	key []byte
}

// Wipe zeroes the key material.
func (s *SharedSecret) Wipe() {
	if s != nil {
		pkgcrypto.Wipe(s.key)
	}
}

// Equal reports whether both secrets hold the same key, in constant time.
func (s *SharedSecret) Equal(o *SharedSecret) bool {
	if s == nil || o == nil {
		return false
	}
	return subtle.ConstantTimeCompare(s.key, o.key) == 1
}

// Sealed is an encrypted message in transport encoding (base64).
type Sealed struct {
	Ciphertext string
	IV         string
}

// Rand returns n random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveSharedSecret runs ECDH(priv, pub) and expands the result with HKDF-SHA256.
// ECDH(a, B) == ECDH(b, A), so both parties compute the same secret.
func DeriveSharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) (*SharedSecret, error) {
	if priv == nil || pub == nil {
		return nil, errs.New(errs.ErrEncryption, "missing key for shared secret")
	}
	z, err := priv.ECDH(pub)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "key agreement failed", err)
	}
	defer pkgcrypto.Wipe(z)

	r := hkdf.New(sha256.New, z, nil, []byte(messageKeyInfo))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "key expansion failed", err)
	}
	return &SharedSecret{key: key}, nil
}

// EncryptMessage seals plaintext under a fresh random nonce.
func EncryptMessage(plaintext []byte, s *SharedSecret) (Sealed, error) {
	if s == nil {
		return Sealed{}, errs.New(errs.ErrEncryption, "missing shared secret")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return Sealed{}, errs.Wrap(errs.ErrEncryption, "cipher init failed", err)
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return Sealed{}, errs.Wrap(errs.ErrEncryption, "nonce generation failed", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// DecryptMessage opens a Sealed message. Any tampering or a wrong secret fails
// with ErrEncryption; altered plaintext is never returned.
func DecryptMessage(ciphertext, iv string, s *SharedSecret) ([]byte, error) {
	if s == nil {
		return nil, errs.New(errs.ErrEncryption, "missing shared secret")
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "invalid iv encoding", err)
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, errs.New(errs.ErrEncryption, "invalid iv length")
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "invalid ciphertext encoding", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "cipher init failed", err)
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "message authentication failed", err)
	}
	return pt, nil
}
