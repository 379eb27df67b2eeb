// Package service contains the key manager and the message lifecycle.
package service

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/limiter"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/and161185/goph-chat/internal/session"
)

// KeyService manages the password-derived key pair of a session.
type KeyService interface {
	// InitializeKeys creates the first key pair of a user and publishes its public half.
	InitializeKeys(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error)
	// PublishKeys retries the record write for the held key pair.
	PublishKeys(ctx context.Context, sess *session.Session) error
	// DeriveKeys re-derives the key pair of a returning user and checks it against the stored public key.
	DeriveKeys(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error)
	// CurrentKeys returns the held key pair or nil.
	CurrentKeys(sess *session.Session) *crypto.KeyPair
	// ClearKeys drops the held key pair.
	ClearKeys(sess *session.Session)
	// RotateKeys replaces every active record with a new key pair under a fresh salt.
	RotateKeys(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error)
	// RevokeKeys revokes every record without a replacement.
	RevokeKeys(ctx context.Context, sess *session.Session) error
	// NeedsMigration reports whether only legacy random keys are published.
	NeedsMigration(ctx context.Context, sess *session.Session) bool
	// GetUserPublicKey returns the current public key of any user, nil if none is published.
	GetUserPublicKey(ctx context.Context, userID uuid.UUID) (*ecdh.PublicKey, error)
	// HasValidKeys reports whether the session can encrypt.
	HasValidKeys(ctx context.Context, sess *session.Session) bool
	// Unlock routes a login to initialize, migrate or derive.
	Unlock(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error)
}

// LegacyKeyStore is the device-local marker of legacy random keys.
type LegacyKeyStore interface {
	LegacyKey(ctx context.Context, userID uuid.UUID) (string, bool, error)
	Forget(ctx context.Context, userID uuid.UUID) error
}

// KeyOptions configure KeyServiceImpl. Zero values are usable.
type KeyOptions struct {
	Params  crypto.Params   // zero means crypto.DefaultParams
	Limiter limiter.Limiter // optional unlock throttling
	Device  []byte          // device hash for the limiter

	// LegacyFallback enables the second tier of HasValidKeys.
	LegacyFallback bool
	LegacyKeys     LegacyKeyStore

	// PublishAttempts bounds PublishKeys retries; zero means 3.
	PublishAttempts int

	Logger *zap.Logger
}

type KeyServiceImpl struct {
	keys     repository.KeyRepository
	deriver  *crypto.Deriver
	lim      limiter.Limiter
	device   []byte
	fallback bool
	legacy   LegacyKeyStore
	attempts int
	log      *zap.Logger
}

// NewKeyService constructs KeyService over the key registry.
func NewKeyService(keys repository.KeyRepository, opts KeyOptions) *KeyServiceImpl {
	if opts.Params == (crypto.Params{}) {
		opts.Params = crypto.DefaultParams()
	}
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &KeyServiceImpl{
		keys:     keys,
		deriver:  crypto.NewDeriver(opts.Params),
		lim:      opts.Limiter,
		device:   opts.Device,
		fallback: opts.LegacyFallback && opts.LegacyKeys != nil,
		legacy:   opts.LegacyKeys,
		attempts: opts.PublishAttempts,
		log:      opts.Logger,
	}
}

func principal(sess *session.Session, action string) (uuid.UUID, error) {
	uid := sess.UserID()
	if uid == uuid.Nil {
		return uuid.Nil, errs.New(errs.ErrAuthentication, "sign in to "+action)
	}
	return uid, nil
}

func (s *KeyServiceImpl) derive(password string, salt []byte) (*crypto.KeyPair, error) {
	pw := []byte(password)
	defer crypto.Wipe(pw)
	return s.deriver.DeriveKeyPair(pw, salt)
}

func (s *KeyServiceImpl) freshKeyPair(password string) (*crypto.KeyPair, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	return s.derive(password, salt)
}

// InitializeKeys derives a key pair under a fresh salt, holds it in the session and
// inserts the public record. A failed insert returns ErrConnection with the keys held.
func (s *KeyServiceImpl) InitializeKeys(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error) {
	uid, err := principal(sess, "set up encryption")
	if err != nil {
		return nil, err
	}

	sess.Begin(session.Initializing)
	kp, err := s.freshKeyPair(password)
	if err != nil {
		sess.Fail(false)
		return nil, err
	}
	sess.Hold(kp)

	if err := s.publish(ctx, uid, kp); err != nil {
		s.log.Warn("key record write failed; keys held locally",
			zap.Stringer("user_id", uid), zap.Error(err))
		return kp, errs.Wrap(errs.ErrConnection, "encryption keys were created but could not be saved; try again", err)
	}
	s.log.Info("encryption keys initialized",
		zap.Stringer("user_id", uid), zap.String("fingerprint", crypto.Fingerprint(kp.Public)[:16]))
	return kp, nil
}

func (s *KeyServiceImpl) publish(ctx context.Context, uid uuid.UUID, kp *crypto.KeyPair) error {
	rec := &model.KeyRecord{UserID: uid, PublicKey: kp.ExportedPublic(), Salt: kp.Salt}
	return s.keys.Insert(ctx, rec)
}

// PublishKeys writes the record of the held key pair, retrying up to PublishAttempts
// times. It is a no-op when the registry already lists that key as current.
func (s *KeyServiceImpl) PublishKeys(ctx context.Context, sess *session.Session) error {
	uid, err := principal(sess, "publish encryption keys")
	if err != nil {
		return err
	}
	kp := sess.Keys()
	if kp == nil {
		return errs.New(errs.ErrEncryptionLocked, "no encryption keys to publish; unlock first")
	}

	var last error
	for i := 0; i < s.attempts; i++ {
		cur, found, err := s.keys.Current(ctx, uid)
		if err == nil && found && crypto.VerifyPublicKey(kp.ExportedPublic(), cur.PublicKey) {
			return nil
		}
		if err == nil {
			if err = s.publish(ctx, uid, kp); err == nil {
				return nil
			}
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return errs.Classify(last, errs.ErrConnection, "could not save encryption keys")
}

// DeriveKeys re-derives from the stored salt. A wrong password yields ErrKeyMismatch
// and leaves the session's keys untouched.
func (s *KeyServiceImpl) DeriveKeys(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error) {
	uid, err := principal(sess, "unlock encryption")
	if err != nil {
		return nil, err
	}
	if err := s.allow(ctx, uid); err != nil {
		return nil, err
	}

	rec, found, err := s.keys.Current(ctx, uid)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConnection, "could not load encryption keys", err)
	}
	if !found {
		return nil, errs.New(errs.ErrKeyDerivation, "no encryption keys found; initialize instead")
	}
	if rec.Legacy() {
		return nil, errs.New(errs.ErrKeyDerivation, "encryption keys predate password derivation; migration required")
	}

	sess.Begin(session.Deriving)
	kp, err := s.derive(password, rec.Salt)
	if err != nil {
		sess.Fail(false)
		return nil, err
	}
	if !crypto.VerifyPublicKey(kp.ExportedPublic(), rec.PublicKey) {
		sess.Fail(true)
		s.failure(ctx, uid)
		return nil, errs.New(errs.ErrKeyMismatch, "wrong password")
	}
	sess.Hold(kp)
	s.success(ctx, uid)
	return kp, nil
}

func (s *KeyServiceImpl) allow(ctx context.Context, uid uuid.UUID) error {
	if s.lim == nil {
		return nil
	}
	ok, retry, err := s.lim.Allow(ctx, uid, s.device)
	if err != nil {
		return errs.Wrap(errs.ErrConnection, "could not check unlock attempts", err)
	}
	if !ok {
		return errs.Wrap(errs.ErrAuthentication,
			fmt.Sprintf("too many wrong passwords; try again in %s", retry.Round(time.Second)), errs.ErrRateLimited)
	}
	return nil
}

func (s *KeyServiceImpl) failure(ctx context.Context, uid uuid.UUID) {
	if s.lim == nil {
		return
	}
	if blocked, _, err := s.lim.Failure(ctx, uid, s.device); err != nil {
		s.log.Warn("unlock limiter unavailable", zap.Error(err))
	} else if blocked {
		s.log.Warn("key unlock blocked", zap.Stringer("user_id", uid))
	}
}

func (s *KeyServiceImpl) success(ctx context.Context, uid uuid.UUID) {
	if s.lim == nil {
		return
	}
	_ = s.lim.Success(ctx, uid, s.device)
}

// CurrentKeys returns the held key pair.
func (s *KeyServiceImpl) CurrentKeys(sess *session.Session) *crypto.KeyPair { return sess.Keys() }

// ClearKeys drops the held key pair; call on logout.
func (s *KeyServiceImpl) ClearKeys(sess *session.Session) { sess.Clear() }

// RotateKeys revokes all active records and publishes a new key pair in one
// store transaction, then replaces the session key. Messages encrypted under
// the old key are not re-encrypted.
func (s *KeyServiceImpl) RotateKeys(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error) {
	uid, err := principal(sess, "rotate encryption keys")
	if err != nil {
		return nil, err
	}

	sess.Begin(session.Initializing)
	kp, err := s.freshKeyPair(password)
	if err != nil {
		sess.Fail(false)
		return nil, err
	}
	rec := &model.KeyRecord{UserID: uid, PublicKey: kp.ExportedPublic(), Salt: kp.Salt}
	if err := s.keys.Rotate(ctx, rec); err != nil {
		sess.Fail(false)
		return nil, errs.Wrap(errs.ErrConnection, "could not rotate encryption keys", err)
	}
	sess.Hold(kp)
	s.log.Info("encryption keys rotated",
		zap.Stringer("user_id", uid), zap.String("fingerprint", crypto.Fingerprint(kp.Public)[:16]))
	return kp, nil
}

// RevokeKeys revokes every record and drops the session key.
func (s *KeyServiceImpl) RevokeKeys(ctx context.Context, sess *session.Session) error {
	uid, err := principal(sess, "revoke encryption keys")
	if err != nil {
		return err
	}
	n, err := s.keys.RevokeAll(ctx, uid)
	if err != nil {
		return errs.Wrap(errs.ErrConnection, "could not revoke encryption keys", err)
	}
	sess.Clear()
	s.log.Warn("encryption keys revoked", zap.Stringer("user_id", uid), zap.Int64("records", n))
	return nil
}

// NeedsMigration is true iff at least one active record exists and none carries a salt.
//
// Lookup errors fail open: they are logged and reported as "no migration" so a
// store hiccup never blocks login. Unlock re-checks through DeriveKeys.
func (s *KeyServiceImpl) NeedsMigration(ctx context.Context, sess *session.Session) bool {
	uid := sess.UserID()
	if uid == uuid.Nil {
		return false
	}
	recs, err := s.keys.ListActive(ctx, uid)
	if err != nil {
		s.log.Warn("migration check failed; assuming none needed",
			zap.Stringer("user_id", uid), zap.Error(err))
		return false
	}
	if len(recs) == 0 {
		return false
	}
	for _, r := range recs {
		if !r.Legacy() {
			return false
		}
	}
	return true
}

// GetUserPublicKey returns (nil, nil) when the user has not published a key.
func (s *KeyServiceImpl) GetUserPublicKey(ctx context.Context, userID uuid.UUID) (*ecdh.PublicKey, error) {
	rec, found, err := s.keys.Current(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConnection, "could not load public key", err)
	}
	if !found {
		return nil, nil
	}
	return crypto.ImportPublicKey(rec.PublicKey)
}

// HasValidKeys checks the session key first, then, when enabled, the device's legacy key marker.
func (s *KeyServiceImpl) HasValidKeys(ctx context.Context, sess *session.Session) bool {
	if sess.Keys() != nil {
		return true
	}
	if !s.fallback || !sess.Authenticated() {
		return false
	}
	_, found, err := s.legacy.LegacyKey(ctx, sess.UserID())
	if err != nil {
		s.log.Debug("legacy key lookup failed", zap.Error(err))
		return false
	}
	return found
}

// Unlock is the login entry point: users without a record are initialized, users
// with only legacy records are migrated to a derived key, everyone else derives.
func (s *KeyServiceImpl) Unlock(ctx context.Context, sess *session.Session, password string) (*crypto.KeyPair, error) {
	uid, err := principal(sess, "unlock encryption")
	if err != nil {
		return nil, err
	}
	_, found, err := s.keys.Current(ctx, uid)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConnection, "could not load encryption keys", err)
	}
	if !found {
		return s.InitializeKeys(ctx, sess, password)
	}
	if s.NeedsMigration(ctx, sess) {
		kp, err := s.RotateKeys(ctx, sess, password)
		if err != nil {
			return nil, err
		}
		if s.legacy != nil {
			if err := s.legacy.Forget(ctx, uid); err != nil {
				s.log.Debug("legacy key marker not cleared", zap.Error(err))
			}
		}
		s.log.Info("legacy keys migrated", zap.Stringer("user_id", uid))
		return kp, nil
	}
	return s.DeriveKeys(ctx, sess, password)
}
