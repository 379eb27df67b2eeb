package service

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/session"
)

func newKeys(repo *fakeKeyRepo, opts KeyOptions) *KeyServiceImpl {
	opts.Params = fastParams
	return NewKeyService(repo, opts)
}

func TestKeyService_InitializeThenDerive(t *testing.T) {
	ctx := context.Background()
	repo := &fakeKeyRepo{}
	s := newKeys(repo, KeyOptions{})
	uid := uuid.Must(uuid.NewV4())

	sess := session.New(uid)
	kp, err := s.InitializeKeys(ctx, sess, "pw")
	require.NoError(t, err)
	require.Same(t, kp, sess.Keys())
	require.Equal(t, session.Ready, sess.State())

	rec, found, err := repo.Current(ctx, uid)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, kp.ExportedPublic(), rec.PublicKey)
	require.Len(t, rec.Salt, crypto.SaltLen)

	// a new device derives the same key pair
	other := session.New(uid)
	kp2, err := s.DeriveKeys(ctx, other, "pw")
	require.NoError(t, err)
	require.Equal(t, kp.ExportedPublic(), kp2.ExportedPublic())
	require.True(t, s.HasValidKeys(ctx, other))
}

func TestKeyService_WrongPassword(t *testing.T) {
	ctx := context.Background()
	repo := &fakeKeyRepo{}
	lim := &fakeLimiter{}
	s := newKeys(repo, KeyOptions{Limiter: lim})
	uid := uuid.Must(uuid.NewV4())

	_, err := s.InitializeKeys(ctx, session.New(uid), "right")
	require.NoError(t, err)

	sess := session.New(uid)
	kp, err := s.DeriveKeys(ctx, sess, "wrong")
	require.ErrorIs(t, err, errs.ErrKeyMismatch)
	require.Nil(t, kp)
	require.Nil(t, sess.Keys())
	require.Equal(t, session.Mismatched, sess.State())
	require.Equal(t, 1, lim.failures)
	require.False(t, s.HasValidKeys(ctx, sess))

	_, err = s.DeriveKeys(ctx, sess, "right")
	require.NoError(t, err)
	require.Equal(t, 1, lim.successes)
}

func TestKeyService_WrongPasswordKeepsHeldKeys(t *testing.T) {
	ctx := context.Background()
	s := newKeys(&fakeKeyRepo{}, KeyOptions{})
	sess := session.New(uuid.Must(uuid.NewV4()))

	kp, err := s.InitializeKeys(ctx, sess, "right")
	require.NoError(t, err)

	_, err = s.DeriveKeys(ctx, sess, "wrong")
	require.ErrorIs(t, err, errs.ErrKeyMismatch)
	require.Same(t, kp, sess.Keys())
	require.Equal(t, session.Ready, sess.State())
}

func TestKeyService_DeriveErrors(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	t.Run("anonymous", func(t *testing.T) {
		_, err := newKeys(&fakeKeyRepo{}, KeyOptions{}).DeriveKeys(ctx, session.New(uuid.Nil), "pw")
		require.ErrorIs(t, err, errs.ErrAuthentication)
	})
	t.Run("no record", func(t *testing.T) {
		_, err := newKeys(&fakeKeyRepo{}, KeyOptions{}).DeriveKeys(ctx, session.New(uid), "pw")
		require.ErrorIs(t, err, errs.ErrKeyDerivation)
	})
	t.Run("legacy record", func(t *testing.T) {
		repo := &fakeKeyRepo{}
		repo.add(&model.KeyRecord{UserID: uid, PublicKey: "legacy"})
		_, err := newKeys(repo, KeyOptions{}).DeriveKeys(ctx, session.New(uid), "pw")
		require.ErrorIs(t, err, errs.ErrKeyDerivation)
	})
	t.Run("store down", func(t *testing.T) {
		repo := &fakeKeyRepo{currentErr: errors.New("dial")}
		_, err := newKeys(repo, KeyOptions{}).DeriveKeys(ctx, session.New(uid), "pw")
		require.ErrorIs(t, err, errs.ErrConnection)
	})
	t.Run("blocked", func(t *testing.T) {
		_, err := newKeys(&fakeKeyRepo{}, KeyOptions{Limiter: &fakeLimiter{blocked: true}}).
			DeriveKeys(ctx, session.New(uid), "pw")
		require.ErrorIs(t, err, errs.ErrAuthentication)
		require.ErrorIs(t, err, errs.ErrRateLimited)
	})
	t.Run("limiter down", func(t *testing.T) {
		_, err := newKeys(&fakeKeyRepo{}, KeyOptions{Limiter: &fakeLimiter{allowErr: errors.New("db")}}).
			DeriveKeys(ctx, session.New(uid), "pw")
		require.ErrorIs(t, err, errs.ErrConnection)
	})
}

func TestKeyService_InitializePublishFailure(t *testing.T) {
	ctx := context.Background()
	repo := &fakeKeyRepo{insertErr: errors.New("timeout")}
	s := newKeys(repo, KeyOptions{PublishAttempts: 2})
	sess := session.New(uuid.Must(uuid.NewV4()))

	kp, err := s.InitializeKeys(ctx, sess, "pw")
	require.ErrorIs(t, err, errs.ErrConnection)
	require.NotNil(t, kp)
	require.Same(t, kp, sess.Keys())

	require.ErrorIs(t, s.PublishKeys(ctx, sess), errs.ErrConnection)
	require.Equal(t, 3, repo.inserts)

	repo.insertErr = nil
	require.NoError(t, s.PublishKeys(ctx, sess))
	// already current: no second record
	require.NoError(t, s.PublishKeys(ctx, sess))
	require.Equal(t, 4, repo.inserts)
}

func TestKeyService_PublishLocked(t *testing.T) {
	s := newKeys(&fakeKeyRepo{}, KeyOptions{})
	err := s.PublishKeys(context.Background(), session.New(uuid.Must(uuid.NewV4())))
	require.ErrorIs(t, err, errs.ErrEncryptionLocked)
}

func TestKeyService_Rotate(t *testing.T) {
	ctx := context.Background()
	repo := &fakeKeyRepo{}
	s := newKeys(repo, KeyOptions{})
	uid := uuid.Must(uuid.NewV4())
	sess := session.New(uid)

	old, err := s.InitializeKeys(ctx, sess, "pw")
	require.NoError(t, err)
	kp, err := s.RotateKeys(ctx, sess, "pw")
	require.NoError(t, err)
	require.NotEqual(t, old.ExportedPublic(), kp.ExportedPublic(), "fresh salt gives a new key")
	require.Same(t, kp, sess.Keys())

	active, err := repo.ListActive(ctx, uid)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, kp.ExportedPublic(), active[0].PublicKey)

	repo.rotateErr = errors.New("tx")
	_, err = s.RotateKeys(ctx, sess, "pw")
	require.ErrorIs(t, err, errs.ErrConnection)
	require.Same(t, kp, sess.Keys())
}

func TestKeyService_Revoke(t *testing.T) {
	ctx := context.Background()
	repo := &fakeKeyRepo{}
	s := newKeys(repo, KeyOptions{})
	uid := uuid.Must(uuid.NewV4())
	sess := session.New(uid)

	_, err := s.InitializeKeys(ctx, sess, "pw")
	require.NoError(t, err)
	require.NoError(t, s.RevokeKeys(ctx, sess))
	require.Nil(t, sess.Keys())
	require.Equal(t, session.Cleared, sess.State())

	pub, err := s.GetUserPublicKey(ctx, uid)
	require.NoError(t, err)
	require.Nil(t, pub)
}

func TestKeyService_NeedsMigration(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())
	sess := session.New(uid)

	repo := &fakeKeyRepo{}
	s := newKeys(repo, KeyOptions{})
	require.False(t, s.NeedsMigration(ctx, sess), "no records")

	repo.add(&model.KeyRecord{UserID: uid, PublicKey: "legacy"})
	require.True(t, s.NeedsMigration(ctx, sess))

	repo.add(&model.KeyRecord{UserID: uid, PublicKey: "derived", Salt: []byte("salt")})
	require.False(t, s.NeedsMigration(ctx, sess), "one derived record is enough")

	repo.listErr = errors.New("down")
	require.False(t, s.NeedsMigration(ctx, session.New(uid)), "lookup errors fail open")
	require.False(t, s.NeedsMigration(ctx, session.New(uuid.Nil)))
}

func TestKeyService_UnlockRoutes(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	// first login initializes
	repo := &fakeKeyRepo{}
	s := newKeys(repo, KeyOptions{})
	kp, err := s.Unlock(ctx, session.New(uid), "pw")
	require.NoError(t, err)
	require.Equal(t, 1, repo.inserts)

	// second login derives the same key
	kp2, err := s.Unlock(ctx, session.New(uid), "pw")
	require.NoError(t, err)
	require.Equal(t, kp.ExportedPublic(), kp2.ExportedPublic())
	require.Equal(t, 1, repo.inserts)
	require.Zero(t, repo.rotates)

	// legacy-only users are migrated
	legacyUser := uuid.Must(uuid.NewV4())
	repo.add(&model.KeyRecord{UserID: legacyUser, PublicKey: "legacy"})
	legacy := &fakeLegacy{keys: map[uuid.UUID]string{legacyUser: "legacy"}}
	s = newKeys(repo, KeyOptions{LegacyKeys: legacy, LegacyFallback: true})
	sess := session.New(legacyUser)
	kp3, err := s.Unlock(ctx, sess, "pw")
	require.NoError(t, err)
	require.Equal(t, 1, repo.rotates)
	require.Equal(t, []uuid.UUID{legacyUser}, legacy.forgotten)
	require.False(t, s.NeedsMigration(ctx, sess))

	rec, _, err := repo.Current(ctx, legacyUser)
	require.NoError(t, err)
	require.Equal(t, kp3.ExportedPublic(), rec.PublicKey)
}

func TestKeyService_HasValidKeysFallback(t *testing.T) {
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())
	legacy := &fakeLegacy{keys: map[uuid.UUID]string{uid: "legacy"}}

	off := newKeys(&fakeKeyRepo{}, KeyOptions{LegacyKeys: legacy})
	require.False(t, off.HasValidKeys(ctx, session.New(uid)), "fallback disabled")

	on := newKeys(&fakeKeyRepo{}, KeyOptions{LegacyKeys: legacy, LegacyFallback: true})
	require.True(t, on.HasValidKeys(ctx, session.New(uid)))
	require.False(t, on.HasValidKeys(ctx, session.New(uuid.Must(uuid.NewV4()))))
	require.False(t, on.HasValidKeys(ctx, session.New(uuid.Nil)))

	legacy.err = errors.New("disk")
	require.False(t, on.HasValidKeys(ctx, session.New(uid)))
}

func TestKeyService_ClearKeys(t *testing.T) {
	s := newKeys(&fakeKeyRepo{}, KeyOptions{})
	sess := session.New(uuid.Must(uuid.NewV4()))
	_, err := s.InitializeKeys(context.Background(), sess, "pw")
	require.NoError(t, err)
	require.NotNil(t, s.CurrentKeys(sess))

	s.ClearKeys(sess)
	require.Nil(t, s.CurrentKeys(sess))
}
