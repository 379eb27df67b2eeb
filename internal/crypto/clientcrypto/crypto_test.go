package clientcrypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/and161185/goph-chat/internal/errs"
)

func genKey(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	k, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func pair(t *testing.T) (*SharedSecret, *SharedSecret) {
	t.Helper()
	a, b := genKey(t), genKey(t)
	sa, err := DeriveSharedSecret(a, b.PublicKey())
	if err != nil {
		t.Fatalf("DeriveSharedSecret a: %v", err)
	}
	sb, err := DeriveSharedSecret(b, a.PublicKey())
	if err != nil {
		t.Fatalf("DeriveSharedSecret b: %v", err)
	}
	return sa, sb
}

func TestDeriveSharedSecret_Symmetric(t *testing.T) {
	t.Parallel()
	for i := 0; i < 5; i++ {
		sa, sb := pair(t)
		if !sa.Equal(sb) {
			t.Fatalf("shared secret not symmetric")
		}
	}
}

func TestDeriveSharedSecret_DiffersPerPeer(t *testing.T) {
	t.Parallel()
	a, b, c := genKey(t), genKey(t), genKey(t)
	ab, _ := DeriveSharedSecret(a, b.PublicKey())
	ac, _ := DeriveSharedSecret(a, c.PublicKey())
	if ab.Equal(ac) {
		t.Fatalf("secrets for different peers must differ")
	}
	if ab.Equal(nil) {
		t.Fatalf("Equal(nil) must be false")
	}
}

func TestDeriveSharedSecret_MissingKeys(t *testing.T) {
	t.Parallel()
	if _, err := DeriveSharedSecret(nil, genKey(t).PublicKey()); err == nil {
		t.Fatalf("want error on nil private key")
	}
	x, _ := ecdh.X25519().GenerateKey(rand.Reader)
	if _, err := DeriveSharedSecret(genKey(t), x.PublicKey()); err == nil {
		t.Fatalf("want error on curve mismatch")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()
	sa, sb := pair(t)
	for _, pt := range []string{"hello", "", "Привет 👋", strings.Repeat("x", 10000)} {
		sealed, err := EncryptMessage([]byte(pt), sa)
		if err != nil {
			t.Fatalf("EncryptMessage: %v", err)
		}
		out, err := DecryptMessage(sealed.Ciphertext, sealed.IV, sb)
		if err != nil {
			t.Fatalf("DecryptMessage: %v", err)
		}
		if string(out) != pt {
			t.Fatalf("round trip mismatch: %q != %q", out, pt)
		}
	}
}

func TestEncrypt_FreshIVAndNoPlaintextLeak(t *testing.T) {
	t.Parallel()
	sa, _ := pair(t)
	const pt = "attack at dawn"
	s1, _ := EncryptMessage([]byte(pt), sa)
	s2, _ := EncryptMessage([]byte(pt), sa)
	if s1.IV == s2.IV || s1.Ciphertext == s2.Ciphertext {
		t.Fatalf("IV must be fresh per call")
	}
	for _, field := range []string{s1.Ciphertext, s1.IV} {
		if strings.Contains(field, pt) {
			t.Fatalf("plaintext leaked into %q", field)
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s1.Ciphertext)
	if err != nil {
		t.Fatalf("ciphertext is not base64: %v", err)
	}
	if bytes.Contains(raw, []byte(pt)) {
		t.Fatalf("plaintext leaked into raw ciphertext")
	}
}

func TestDecrypt_FailsLoudly(t *testing.T) {
	t.Parallel()
	sa, _ := pair(t)
	other, _ := pair(t)
	sealed, _ := EncryptMessage([]byte("secret"), sa)

	if _, err := DecryptMessage(sealed.Ciphertext, sealed.IV, other); err == nil {
		t.Fatalf("decrypt with wrong secret must fail")
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	raw[0] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)
	if _, err := DecryptMessage(tampered, sealed.IV, sa); err == nil {
		t.Fatalf("decrypt of tampered ciphertext must fail")
	}

	cases := []struct{ ct, iv string }{
		{"%%", sealed.IV},
		{sealed.Ciphertext, "%%"},
		{sealed.Ciphertext, base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, c := range cases {
		_, err := DecryptMessage(c.ct, c.iv, sa)
		if err == nil {
			t.Fatalf("want error for ct=%q iv=%q", c.ct, c.iv)
		}
		if errs.KindOf(err) != errs.ErrEncryption {
			t.Fatalf("want ErrEncryption, got %v", err)
		}
	}
	if _, err := DecryptMessage(sealed.Ciphertext, sealed.IV, nil); err == nil {
		t.Fatalf("want error on nil secret")
	}
}

func TestSharedSecret_Wipe(t *testing.T) {
	t.Parallel()
	sa, sb := pair(t)
	sa.Wipe()
	if sa.Equal(sb) {
		t.Fatalf("wiped secret must not match")
	}
	var nilSecret *SharedSecret
	nilSecret.Wipe()
}
