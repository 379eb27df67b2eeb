// Package session holds the per-login key state of one authenticated user.
//
// A Session is the single owner of the in-memory key pair. The key pair is an
// immutable handle: rotation replaces it, logout drops it. Nothing else keeps a
// reference, so dropping the handle is the whole of key erasure.
package session

import (
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/crypto"
)

// State is the key lifecycle state of a session.
type State int

const (
	NoKeys State = iota
	Initializing
	Deriving
	Ready
	Mismatched
	Cleared
)

func (s State) String() string {
	switch s {
	case NoKeys:
		return "no_keys"
	case Initializing:
		return "initializing"
	case Deriving:
		return "deriving"
	case Ready:
		return "ready"
	case Mismatched:
		return "mismatched"
	case Cleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Session is safe for concurrent use.
type Session struct {
	mu    sync.RWMutex
	user  uuid.UUID
	keys  *crypto.KeyPair
	state State
	prev  State
}

// New returns a session for an authenticated user. uuid.Nil means anonymous.
func New(userID uuid.UUID) *Session {
	return &Session{user: userID}
}

// UserID returns the principal, uuid.Nil for a nil or anonymous session.
func (s *Session) UserID() uuid.UUID {
	if s == nil {
		return uuid.Nil
	}
	return s.user
}

// Authenticated reports whether the session has a principal.
func (s *Session) Authenticated() bool { return s.UserID() != uuid.Nil }

// Keys returns the held key pair or nil.
func (s *Session) Keys() *crypto.KeyPair {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Begin enters a transient state (Initializing or Deriving).
// Held keys stay usable until Hold replaces them.
func (s *Session) Begin(op State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = s.state
	s.state = op
}

// Hold installs kp as the session key and enters Ready.
func (s *Session) Hold(kp *crypto.KeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = kp
	s.state = Ready
}

// Fail ends a transient state without new keys. Held keys are untouched and the
// session returns to Ready; otherwise it enters Mismatched on a wrong password
// or its state before Begin.
func (s *Session) Fail(mismatch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.keys != nil:
		s.state = Ready
	case mismatch:
		s.state = Mismatched
	default:
		s.state = s.prev
	}
}

// Clear drops the key pair.
func (s *Session) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
	s.state = Cleared
}
