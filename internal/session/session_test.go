package session

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-chat/internal/crypto"
)

func testKeys(t *testing.T) *crypto.KeyPair {
	t.Helper()
	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	kp, err := crypto.NewDeriver(crypto.Params{Time: 1, MemoryKiB: 64, Threads: 1}).DeriveKeyPair([]byte("pw"), salt)
	require.NoError(t, err)
	return kp
}

func TestSession_Lifecycle(t *testing.T) {
	s := New(uuid.Must(uuid.NewV4()))
	require.True(t, s.Authenticated())
	require.Equal(t, NoKeys, s.State())
	require.Nil(t, s.Keys())

	s.Begin(Deriving)
	require.Equal(t, Deriving, s.State())
	s.Fail(true)
	require.Equal(t, Mismatched, s.State())

	s.Begin(Deriving)
	s.Fail(false)
	require.Equal(t, Mismatched, s.State(), "non-mismatch failure restores previous state")

	kp := testKeys(t)
	s.Begin(Initializing)
	s.Hold(kp)
	require.Equal(t, Ready, s.State())
	require.Same(t, kp, s.Keys())

	// wrong password on a ready session keeps the keys
	s.Begin(Deriving)
	require.Same(t, kp, s.Keys())
	s.Fail(true)
	require.Equal(t, Ready, s.State())
	require.Same(t, kp, s.Keys())

	s.Clear()
	require.Equal(t, Cleared, s.State())
	require.Nil(t, s.Keys())
}

func TestSession_NilAndAnonymous(t *testing.T) {
	var s *Session
	require.Equal(t, uuid.Nil, s.UserID())
	require.False(t, s.Authenticated())
	require.Nil(t, s.Keys())
	s.Clear()

	require.False(t, New(uuid.Nil).Authenticated())
}

func TestState_String(t *testing.T) {
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "unknown", State(99).String())
}
