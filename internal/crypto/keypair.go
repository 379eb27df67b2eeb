package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/and161185/goph-chat/internal/errs"
)

// KeyPair is a P-256 key pair plus the salt it was derived with.
// The private half is only reachable through Private and is never serialized.
type KeyPair struct {
	Public *ecdh.PublicKey
	Salt   []byte

	private *ecdh.PrivateKey
}

// Private returns the private key for ECDH.
func (k *KeyPair) Private() *ecdh.PrivateKey { return k.private }

// ExportedPublic returns the exported form of the public key.
func (k *KeyPair) ExportedPublic() string { return ExportPublicKey(k.Public) }

// String prints only the public fingerprint so key pairs are safe in logs.
func (k *KeyPair) String() string {
	if k == nil || k.Public == nil {
		return "KeyPair(<nil>)"
	}
	return "KeyPair(" + Fingerprint(k.Public)[:16] + ")"
}

// GoString keeps %#v from dumping the private scalar.
func (k *KeyPair) GoString() string { return k.String() }

// ExportPublicKey encodes pub as base64 of its uncompressed SEC1 point.
func ExportPublicKey(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

// ImportPublicKey parses the exported form produced by ExportPublicKey.
func ImportPublicKey(s string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "invalid public key encoding", err)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncryption, "invalid public key", err)
	}
	return pub, nil
}

// VerifyPublicKey compares two exported public keys in constant time.
func VerifyPublicKey(derived, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(derived), []byte(stored)) == 1
}

// Fingerprint returns the hex SHA-256 of the public key bytes.
func Fingerprint(pub *ecdh.PublicKey) string {
	sum := sha256.Sum256(pub.Bytes())
	return hex.EncodeToString(sum[:])
}
