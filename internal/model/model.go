// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// KeyRecord is the server-held public half of a user's key pair.
// Records are append-only; rotation and revocation only set Revoked.
type KeyRecord struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	PublicKey string // exported public key (base64 SEC1)
	Salt      []byte // nil for legacy random keys that cannot be re-derived
	Revoked   bool
	CreatedAt time.Time
}

// Legacy reports whether the record predates password derivation.
func (k KeyRecord) Legacy() bool { return len(k.Salt) == 0 }

// Slot identifies a participant position in a two-party conversation.
type Slot int

const (
	// SlotNone means the user does not participate.
	SlotNone Slot = iota
	SlotFirst
	SlotSecond
)

// Conversation is a two-party conversation with per-participant archive flags.
type Conversation struct {
	ID            uuid.UUID
	Participant1  uuid.UUID
	Participant2  uuid.UUID
	LastMessageAt *time.Time
	ArchivedBy1   bool
	ArchivedBy2   bool
}

// Slot returns the position of user in the conversation.
func (c Conversation) Slot(user uuid.UUID) Slot {
	switch user {
	case c.Participant1:
		return SlotFirst
	case c.Participant2:
		return SlotSecond
	default:
		return SlotNone
	}
}

// Peer returns the other participant, or false if user does not participate.
func (c Conversation) Peer(user uuid.UUID) (uuid.UUID, bool) {
	switch c.Slot(user) {
	case SlotFirst:
		return c.Participant2, true
	case SlotSecond:
		return c.Participant1, true
	default:
		return uuid.Nil, false
	}
}

// ArchivedFor reports the archive flag of user's own slot.
func (c Conversation) ArchivedFor(user uuid.UUID) bool {
	switch c.Slot(user) {
	case SlotFirst:
		return c.ArchivedBy1
	case SlotSecond:
		return c.ArchivedBy2
	default:
		return false
	}
}

// Message is a stored message. Content is opaque ciphertext in transport encoding.
type Message struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	SenderID         uuid.UUID
	EncryptedContent string // base64 ciphertext
	IV               string // base64 nonce
	SequenceNumber   int64  // store-assigned; 0 while queued locally
	Deleted          bool
	Edited           bool
	EditedAt         *time.Time
	DeliveredAt      *time.Time
	ReadAt           *time.Time
	CreatedAt        time.Time
}

// NewMessage is a write intent; the store assigns the sequence number.
type NewMessage struct {
	ID               uuid.UUID // client-generated, dedup key
	ConversationID   uuid.UUID
	SenderID         uuid.UUID
	EncryptedContent string
	IV               string
}

// QueueStatus is the state of a locally queued message.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSending QueueStatus = "sending"
	QueueFailed  QueueStatus = "failed"
)

// QueuedMessage is an encrypted message awaiting store acknowledgment.
type QueuedMessage struct {
	ID               uuid.UUID // stable across retries
	ConversationID   uuid.UUID
	SenderID         uuid.UUID
	EncryptedContent string
	IV               string
	AttemptCount     int
	NextRetryAt      time.Time
	Status           QueueStatus
	LastError        string
	CreatedAt        time.Time // advisory, never used for ordering
}

// NewMessage converts the queued item to a store write intent.
func (q QueuedMessage) NewMessage() NewMessage {
	return NewMessage{
		ID:               q.ID,
		ConversationID:   q.ConversationID,
		SenderID:         q.SenderID,
		EncryptedContent: q.EncryptedContent,
		IV:               q.IV,
	}
}

// Placeholder renders the queued item as a local message with sequence number 0.
func (q QueuedMessage) Placeholder() Message {
	return Message{
		ID:               q.ID,
		ConversationID:   q.ConversationID,
		SenderID:         q.SenderID,
		EncryptedContent: q.EncryptedContent,
		IV:               q.IV,
		CreatedAt:        q.CreatedAt,
	}
}

// DeliveryStatus is what the UI shows instead of connection errors.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// SendResult reports the outcome of a send.
type SendResult struct {
	Message Message
	Queued  bool
	Status  DeliveryStatus
}

// DecryptedMessage is a message rendered for display.
type DecryptedMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	SequenceNumber int64
	Deleted        bool
	Edited         bool
	EditedAt       *time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	CreatedAt      time.Time
	IsOwn          bool
	Undecryptable  bool
}

// MessageHistory is one page of history in ascending order.
type MessageHistory struct {
	Messages  []DecryptedMessage
	HasMore   bool
	Cursor    int64 // sequence number of the oldest message; 0 when empty
	FromCache bool
}
