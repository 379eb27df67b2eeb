package service

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/crypto/clientcrypto"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/and161185/goph-chat/internal/session"
)

// UndecryptablePlaceholder replaces the content of a message that failed to decrypt.
const UndecryptablePlaceholder = "[Message could not be decrypted]"

// MessageService defines the lifecycle of encrypted messages.
type MessageService interface {
	// Send encrypts and stores a message, or queues it when the store is unreachable.
	Send(ctx context.Context, sess *session.Session, conversationID uuid.UUID, plaintext string) (model.SendResult, error)
	// Deliver writes an already encrypted queued message; idempotent by its ID.
	Deliver(ctx context.Context, q model.QueuedMessage) (model.Message, error)
	// History returns one decrypted page, oldest first. Cursor 0 means newest.
	History(ctx context.Context, sess *session.Session, conversationID uuid.UUID, cursor int64, limit int) (model.MessageHistory, error)
	// MarkAsRead sets read_at on received messages. Store failures are not reported.
	MarkAsRead(ctx context.Context, sess *session.Session, messageIDs []uuid.UUID) error
	// Edit re-encrypts the caller's own message inside the edit window.
	Edit(ctx context.Context, sess *session.Session, messageID uuid.UUID, newContent string) (model.Message, error)
	// Delete soft-deletes the caller's own message inside the delete window.
	Delete(ctx context.Context, sess *session.Session, messageID uuid.UUID) error
	// Archive hides the conversation for the caller only.
	Archive(ctx context.Context, sess *session.Session, conversationID uuid.UUID) error
	// Unarchive reverses Archive.
	Unarchive(ctx context.Context, sess *session.Session, conversationID uuid.UUID) error
}

// Connectivity reports whether the Message Store is believed reachable.
type Connectivity interface {
	Online() bool
}

// Outbox takes ownership of encrypted messages the store did not acknowledge.
// Pending reports whether a conversation still has undelivered items.
type Outbox interface {
	Enqueue(ctx context.Context, q model.QueuedMessage) error
	Pending(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

// PublicKeys resolves the current public key of a user, nil when none is published.
type PublicKeys interface {
	GetUserPublicKey(ctx context.Context, userID uuid.UUID) (*ecdh.PublicKey, error)
}

// HistoryCache is the device-local copy used when the store is unreachable.
type HistoryCache interface {
	PutConversation(ctx context.Context, conv model.Conversation) error
	Conversation(ctx context.Context, id uuid.UUID) (model.Conversation, bool, error)
	PutPublicKey(ctx context.Context, userID uuid.UUID, publicKey string) error
	PublicKey(ctx context.Context, userID uuid.UUID) (string, bool, error)
	PutMessages(ctx context.Context, msgs []model.Message) error
	Messages(ctx context.Context, conversationID uuid.UUID, before int64, limit int) ([]model.Message, error)
	Reconcile(ctx context.Context, conversationID uuid.UUID, above, before int64, keep []uuid.UUID) (int64, error)
}

// MessageOptions configure MessageServiceImpl.
type MessageOptions struct {
	MaxLength      int // runes after trimming
	EditWindow     time.Duration
	DeleteWindow   time.Duration
	HistoryLimit   int
	DecryptWorkers int
	Now            func() time.Time

	Cache  HistoryCache // optional
	Logger *zap.Logger
}

// DefaultMessageOptions returns the production limits.
func DefaultMessageOptions() MessageOptions {
	return MessageOptions{
		MaxLength:      10000,
		EditWindow:     15 * time.Minute,
		DeleteWindow:   15 * time.Minute,
		HistoryLimit:   50,
		DecryptWorkers: 4,
		Now:            time.Now,
	}
}

func (o MessageOptions) withDefaults() MessageOptions {
	d := DefaultMessageOptions()
	if o.MaxLength <= 0 {
		o.MaxLength = d.MaxLength
	}
	if o.EditWindow <= 0 {
		o.EditWindow = d.EditWindow
	}
	if o.DeleteWindow <= 0 {
		o.DeleteWindow = d.DeleteWindow
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.DecryptWorkers <= 0 {
		o.DecryptWorkers = d.DecryptWorkers
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// StoreDeliverer writes queued messages to the Message Store and maps store
// failures onto the error kinds the offline queue retries on.
type StoreDeliverer struct {
	messages repository.MessageRepository
}

// NewDeliverer constructs the store write used by Send and the offline queue.
func NewDeliverer(messages repository.MessageRepository) *StoreDeliverer {
	return &StoreDeliverer{messages: messages}
}

// Deliver inserts q. A replayed ID returns the stored message.
func (d *StoreDeliverer) Deliver(ctx context.Context, q model.QueuedMessage) (model.Message, error) {
	m, err := d.messages.Insert(ctx, q.NewMessage())
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, errs.ErrNotFound):
		return model.Message{}, errs.Validation("conversation_id", "you are not a participant in this conversation")
	case errors.Is(err, errs.ErrAlreadyExists):
		return model.Message{}, errs.Validation("id", "message id is already in use")
	default:
		return model.Message{}, errs.Classify(err, errs.ErrConnection, "failed to send message")
	}
}

// Deliverer writes one queued message to the Message Store.
type Deliverer interface {
	Deliver(ctx context.Context, q model.QueuedMessage) (model.Message, error)
}

// OwnerDeliverer forwards only messages sent by owner. Items of any other sender
// are refused with ErrAuthentication before they reach the store, which the
// offline queue treats as a permanent failure.
type OwnerDeliverer struct {
	owner uuid.UUID
	next  Deliverer
}

// NewOwnerDeliverer restricts next to messages of owner.
func NewOwnerDeliverer(owner uuid.UUID, next Deliverer) *OwnerDeliverer {
	return &OwnerDeliverer{owner: owner, next: next}
}

func (d *OwnerDeliverer) Deliver(ctx context.Context, q model.QueuedMessage) (model.Message, error) {
	if d.owner == uuid.Nil || q.SenderID != d.owner {
		return model.Message{}, errs.New(errs.ErrAuthentication, "queued message belongs to another user")
	}
	return d.next.Deliver(ctx, q)
}

type MessageServiceImpl struct {
	convs    repository.ConversationRepository
	messages repository.MessageRepository
	keys     PublicKeys
	store    *StoreDeliverer
	outbox   Outbox
	conn     Connectivity
	cache    HistoryCache
	opts     MessageOptions
	log      *zap.Logger
}

// NewMessageService constructs MessageService. conn may be nil, meaning always online.
func NewMessageService(
	convs repository.ConversationRepository,
	messages repository.MessageRepository,
	keys PublicKeys,
	outbox Outbox,
	conn Connectivity,
	opts MessageOptions,
) *MessageServiceImpl {
	opts = opts.withDefaults()
	return &MessageServiceImpl{
		convs:    convs,
		messages: messages,
		keys:     keys,
		store:    NewDeliverer(messages),
		outbox:   outbox,
		conn:     conn,
		cache:    opts.Cache,
		opts:     opts,
		log:      opts.Logger,
	}
}

func (s *MessageServiceImpl) online() bool { return s.conn == nil || s.conn.Online() }

func (s *MessageServiceImpl) content(raw string) (string, error) {
	c := strings.TrimSpace(raw)
	if c == "" {
		return "", errs.Validation("content", "message cannot be empty")
	}
	if utf8.RuneCountInString(c) > s.opts.MaxLength {
		return "", errs.Validation("content", "message is too long (max %d characters)", s.opts.MaxLength)
	}
	return c, nil
}

func unlocked(sess *session.Session) (*crypto.KeyPair, error) {
	kp := sess.Keys()
	if kp == nil {
		return nil, errs.New(errs.ErrEncryptionLocked, "encryption keys are locked; sign in again to unlock them")
	}
	return kp, nil
}

func seal(kp *crypto.KeyPair, peer *ecdh.PublicKey, content string) (clientcrypto.Sealed, error) {
	secret, err := clientcrypto.DeriveSharedSecret(kp.Private(), peer)
	if err != nil {
		return clientcrypto.Sealed{}, err
	}
	defer secret.Wipe()
	pt := []byte(content)
	defer crypto.Wipe(pt)
	return clientcrypto.EncryptMessage(pt, secret)
}

// Send validates, encrypts and writes the message. When offline, when earlier
// messages of the conversation are still queued, or when the write fails, the
// encrypted message is handed to the outbox and the result is
// a queued placeholder with sequence number 0. The write and the enqueue do not
// observe cancellation of ctx.
func (s *MessageServiceImpl) Send(ctx context.Context, sess *session.Session, conversationID uuid.UUID, plaintext string) (model.SendResult, error) {
	uid, err := principal(sess, "send messages")
	if err != nil {
		return model.SendResult{}, err
	}
	content, err := s.content(plaintext)
	if err != nil {
		return model.SendResult{}, err
	}
	kp, err := unlocked(sess)
	if err != nil {
		return model.SendResult{}, err
	}

	online := s.online()
	conv, err := s.conversation(ctx, uid, conversationID, online)
	if err != nil {
		return model.SendResult{}, err
	}
	peer, _ := conv.Peer(uid)
	pub, err := s.peerKey(ctx, peer, online)
	if err != nil {
		return model.SendResult{}, err
	}
	if pub == nil {
		return model.SendResult{}, errs.Validation("conversation_id",
			"the other participant needs to sign in before you can message them")
	}

	sealed, err := seal(kp, pub, content)
	if err != nil {
		return model.SendResult{}, errs.Classify(err, errs.ErrEncryption, "failed to encrypt message")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.SendResult{}, errs.Wrap(errs.ErrEncryption, "failed to generate message id", err)
	}
	q := model.QueuedMessage{
		ID:               id,
		ConversationID:   conversationID,
		SenderID:         uid,
		EncryptedContent: sealed.Ciphertext,
		IV:               sealed.IV,
		CreatedAt:        s.opts.Now().UTC(),
	}

	wctx := context.WithoutCancel(ctx)
	if online && s.backlog(wctx, conversationID) {
		s.log.Debug("earlier messages still queued; message queued behind them",
			zap.Stringer("message_id", id), zap.Stringer("conversation_id", conversationID))
		online = false
	}
	if online {
		m, err := s.store.Deliver(wctx, q)
		if err == nil {
			s.remember(wctx, m)
			s.log.Debug("message delivered",
				zap.Stringer("message_id", m.ID), zap.Int64("sequence", m.SequenceNumber))
			return model.SendResult{Message: m, Status: model.StatusDelivered}, nil
		}
		s.log.Info("store write failed; message queued",
			zap.Stringer("message_id", id), zap.String("error_class", errClass(err)))
	}

	if err := s.outbox.Enqueue(wctx, q); err != nil {
		return model.SendResult{}, errs.Classify(err, errs.ErrConnection, "message could not be sent or queued")
	}
	return model.SendResult{Message: q.Placeholder(), Queued: true, Status: model.StatusQueued}, nil
}

// backlog reports whether the outbox still holds earlier messages of the
// conversation. A direct write would overtake them, so the answer is true when
// the outbox cannot be read.
func (s *MessageServiceImpl) backlog(ctx context.Context, conversationID uuid.UUID) bool {
	pending, err := s.outbox.Pending(ctx, conversationID)
	if err != nil {
		s.log.Warn("outbox lookup failed", zap.Stringer("conversation_id", conversationID), zap.Error(err))
		return true
	}
	return pending
}

// Deliver is the store write used for queued messages.
func (s *MessageServiceImpl) Deliver(ctx context.Context, q model.QueuedMessage) (model.Message, error) {
	return s.store.Deliver(ctx, q)
}

// Delivered reconciles a queued placeholder with the stored message. Wire it as
// the queue's OnDelivered callback.
func (s *MessageServiceImpl) Delivered(q model.QueuedMessage, m model.Message) {
	s.remember(context.Background(), m)
	s.log.Debug("queued message delivered",
		zap.Stringer("message_id", q.ID), zap.Int64("sequence", m.SequenceNumber))
}

// History loads up to limit messages before cursor. When the store cannot be
// reached the page comes from the local cache, with FromCache set and HasMore
// false. Messages that fail to decrypt are returned with placeholder content.
func (s *MessageServiceImpl) History(ctx context.Context, sess *session.Session, conversationID uuid.UUID, cursor int64, limit int) (model.MessageHistory, error) {
	uid, err := principal(sess, "read messages")
	if err != nil {
		return model.MessageHistory{}, err
	}
	kp, err := unlocked(sess)
	if err != nil {
		return model.MessageHistory{}, err
	}
	if cursor < 0 {
		return model.MessageHistory{}, errs.Validation("cursor", "cursor must not be negative")
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}

	online := s.online()
	conv, err := s.conversation(ctx, uid, conversationID, online)
	if err != nil {
		return model.MessageHistory{}, err
	}

	var (
		page      []model.Message
		fromCache = !online
	)
	if online {
		page, err = s.messages.Page(ctx, uid, conversationID, cursor, limit+1)
		if err != nil {
			s.log.Info("history fetch failed; using local cache",
				zap.Stringer("conversation_id", conversationID), zap.Error(err))
			fromCache = true
		} else {
			s.remember(ctx, page...)
			s.reconcile(ctx, conversationID, cursor, limit, page)
		}
	}
	if fromCache {
		if s.cache == nil {
			return model.MessageHistory{}, errs.Classify(err, errs.ErrConnection, "could not load messages")
		}
		page, err = s.cache.Messages(ctx, conversationID, cursor, limit)
		if err != nil {
			return model.MessageHistory{}, errs.Wrap(errs.ErrConnection, "could not load cached messages", err)
		}
	}

	hasMore := false
	if !fromCache && len(page) > limit {
		hasMore = true
		page = page[:limit]
	}

	peer, _ := conv.Peer(uid)
	pub, err := s.peerKey(ctx, peer, online && !fromCache)
	if err != nil {
		s.log.Warn("peer key unavailable; history not decryptable",
			zap.Stringer("conversation_id", conversationID), zap.String("error_class", errClass(err)))
		pub = nil
	}

	out := s.decrypt(kp, pub, uid, page)
	h := model.MessageHistory{Messages: out, HasMore: hasMore, FromCache: fromCache}
	if len(out) > 0 {
		h.Cursor = out[0].SequenceNumber
	}
	return h, nil
}

// reconcile drops cached messages the store no longer returns in the range a
// fresh page covers, so deletions reach devices that cached the message earlier.
func (s *MessageServiceImpl) reconcile(ctx context.Context, conversationID uuid.UUID, cursor int64, limit int, page []model.Message) {
	if s.cache == nil {
		return
	}
	var above int64
	if len(page) > limit {
		above = page[len(page)-1].SequenceNumber - 1
	}
	keep := make([]uuid.UUID, len(page))
	for i, m := range page {
		keep[i] = m.ID
	}
	n, err := s.cache.Reconcile(ctx, conversationID, above, cursor, keep)
	if err != nil {
		s.log.Debug("cache reconcile failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Debug("removed deleted messages from cache",
			zap.Stringer("conversation_id", conversationID), zap.Int64("messages", n))
	}
}

// decrypt renders a newest-first page in ascending order under one shared secret.
func (s *MessageServiceImpl) decrypt(kp *crypto.KeyPair, peer *ecdh.PublicKey, self uuid.UUID, page []model.Message) []model.DecryptedMessage {
	out := make([]model.DecryptedMessage, len(page))
	if len(page) == 0 {
		return out
	}

	var secret *clientcrypto.SharedSecret
	if peer != nil {
		sec, err := clientcrypto.DeriveSharedSecret(kp.Private(), peer)
		if err != nil {
			s.log.Warn("shared secret derivation failed",
				zap.String("algorithm", clientcrypto.Algorithm), zap.String("error_class", errClass(err)))
		} else {
			secret = sec
			defer secret.Wipe()
		}
	}

	var g errgroup.Group
	g.SetLimit(s.opts.DecryptWorkers)
	for i := range page {
		m := page[len(page)-1-i]
		g.Go(func() error {
			out[i] = s.render(m, self, secret)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *MessageServiceImpl) render(m model.Message, self uuid.UUID, secret *clientcrypto.SharedSecret) model.DecryptedMessage {
	dm := model.DecryptedMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SequenceNumber: m.SequenceNumber,
		Deleted:        m.Deleted,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
		IsOwn:          m.SenderID == self,
	}
	pt, err := clientcrypto.DecryptMessage(m.EncryptedContent, m.IV, secret)
	if err != nil {
		s.log.Warn("message could not be decrypted",
			zap.String("algorithm", clientcrypto.Algorithm),
			zap.String("error_class", errClass(err)),
			zap.Stringer("message_id", m.ID))
		dm.Content = UndecryptablePlaceholder
		dm.Undecryptable = true
		return dm
	}
	dm.Content = string(pt)
	crypto.Wipe(pt)
	return dm
}

// MarkAsRead marks received messages read. Only a missing principal is reported;
// store failures are logged.
func (s *MessageServiceImpl) MarkAsRead(ctx context.Context, sess *session.Session, messageIDs []uuid.UUID) error {
	uid, err := principal(sess, "mark messages as read")
	if err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}
	n, err := s.messages.MarkRead(ctx, uid, messageIDs, s.opts.Now().UTC())
	if err != nil {
		s.log.Warn("mark as read failed", zap.Int("messages", len(messageIDs)), zap.Error(err))
		return nil
	}
	s.log.Debug("messages marked read", zap.Int64("updated", n))
	return nil
}

// Edit replaces the content of the caller's own message with a fresh encryption.
func (s *MessageServiceImpl) Edit(ctx context.Context, sess *session.Session, messageID uuid.UUID, newContent string) (model.Message, error) {
	uid, err := principal(sess, "edit messages")
	if err != nil {
		return model.Message{}, err
	}
	content, err := s.content(newContent)
	if err != nil {
		return model.Message{}, err
	}
	kp, err := unlocked(sess)
	if err != nil {
		return model.Message{}, err
	}
	m, err := s.own(ctx, uid, messageID, "edit", "edited", s.opts.EditWindow)
	if err != nil {
		return model.Message{}, err
	}

	conv, err := s.conversation(ctx, uid, m.ConversationID, true)
	if err != nil {
		return model.Message{}, err
	}
	peer, _ := conv.Peer(uid)
	pub, err := s.keys.GetUserPublicKey(ctx, peer)
	if err != nil {
		return model.Message{}, errs.Classify(err, errs.ErrConnection, "could not load recipient key")
	}
	if pub == nil {
		return model.Message{}, errs.New(errs.ErrEncryption, "recipient has no encryption key")
	}
	sealed, err := seal(kp, pub, content)
	if err != nil {
		return model.Message{}, errs.Classify(err, errs.ErrEncryption, "failed to encrypt message")
	}

	now := s.opts.Now().UTC()
	err = s.messages.UpdateContent(ctx, uid, messageID, sealed.Ciphertext, sealed.IV, now, now.Add(-s.opts.EditWindow))
	if errors.Is(err, errs.ErrNotFound) {
		return model.Message{}, windowErr("edited", s.opts.EditWindow)
	}
	if err != nil {
		return model.Message{}, errs.Wrap(errs.ErrConnection, "failed to edit message", err)
	}

	m.EncryptedContent, m.IV = sealed.Ciphertext, sealed.IV
	m.Edited = true
	m.EditedAt = &now
	s.remember(ctx, m)
	return m, nil
}

// Delete soft-deletes the caller's own message. The ciphertext is retained.
func (s *MessageServiceImpl) Delete(ctx context.Context, sess *session.Session, messageID uuid.UUID) error {
	uid, err := principal(sess, "delete messages")
	if err != nil {
		return err
	}
	m, err := s.own(ctx, uid, messageID, "delete", "deleted", s.opts.DeleteWindow)
	if err != nil {
		return err
	}

	now := s.opts.Now().UTC()
	err = s.messages.SoftDelete(ctx, uid, messageID, now.Add(-s.opts.DeleteWindow))
	if errors.Is(err, errs.ErrNotFound) {
		return windowErr("deleted", s.opts.DeleteWindow)
	}
	if err != nil {
		return errs.Wrap(errs.ErrConnection, "failed to delete message", err)
	}
	m.Deleted = true
	s.remember(ctx, m)
	return nil
}

// own loads a message and checks sender, deletion and the time window.
func (s *MessageServiceImpl) own(ctx context.Context, uid, id uuid.UUID, verb, past string, window time.Duration) (model.Message, error) {
	m, err := s.messages.Get(ctx, uid, id)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Message{}, errs.Validation("message_id", "message not found")
	}
	if err != nil {
		return model.Message{}, errs.Wrap(errs.ErrConnection, "could not load message", err)
	}
	if m.SenderID != uid {
		return model.Message{}, errs.Validation("message_id", "you can only %s your own messages", verb)
	}
	if m.Deleted {
		return model.Message{}, errs.Validation("message_id", "message has been deleted")
	}
	if s.opts.Now().Sub(m.CreatedAt) > window {
		return model.Message{}, windowErr(past, window)
	}
	return m, nil
}

func windowErr(past string, window time.Duration) error {
	return errs.Validation("message_id", "messages can only be %s within %s", past, humanWindow(window))
}

func humanWindow(d time.Duration) string {
	if d%time.Minute != 0 {
		return d.String()
	}
	if n := int(d / time.Minute); n != 1 {
		return fmt.Sprintf("%d minutes", n)
	}
	return "1 minute"
}

// Archive sets the caller's archive flag.
func (s *MessageServiceImpl) Archive(ctx context.Context, sess *session.Session, conversationID uuid.UUID) error {
	return s.setArchived(ctx, sess, conversationID, true)
}

// Unarchive clears the caller's archive flag.
func (s *MessageServiceImpl) Unarchive(ctx context.Context, sess *session.Session, conversationID uuid.UUID) error {
	return s.setArchived(ctx, sess, conversationID, false)
}

func (s *MessageServiceImpl) setArchived(ctx context.Context, sess *session.Session, id uuid.UUID, archived bool) error {
	uid, err := principal(sess, "archive conversations")
	if err != nil {
		return err
	}
	err = s.convs.SetArchived(ctx, uid, id, archived)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Validation("conversation_id", "you are not a participant in this conversation")
	}
	if err != nil {
		return errs.Wrap(errs.ErrConnection, "failed to update conversation", err)
	}
	return nil
}

// conversation resolves a conversation the caller participates in, from the
// store when online and from the cache otherwise or on store failure.
func (s *MessageServiceImpl) conversation(ctx context.Context, uid, id uuid.UUID, online bool) (model.Conversation, error) {
	var storeErr error
	if online {
		conv, err := s.convs.Get(ctx, uid, id)
		if err == nil {
			if s.cache != nil {
				if err := s.cache.PutConversation(ctx, conv); err != nil {
					s.log.Debug("conversation cache write failed", zap.Error(err))
				}
			}
			return conv, nil
		}
		if errors.Is(err, errs.ErrNotFound) {
			return model.Conversation{}, errs.Validation("conversation_id", "you are not a participant in this conversation")
		}
		storeErr = err
	}
	if s.cache == nil {
		if storeErr == nil {
			storeErr = errors.New("offline")
		}
		return model.Conversation{}, errs.Wrap(errs.ErrConnection, "could not load conversation", storeErr)
	}

	conv, found, err := s.cache.Conversation(ctx, id)
	if err != nil {
		return model.Conversation{}, errs.Wrap(errs.ErrConnection, "could not load cached conversation", err)
	}
	if !found {
		return model.Conversation{}, errs.New(errs.ErrConnection, "conversation is not available offline")
	}
	if conv.Slot(uid) == model.SlotNone {
		return model.Conversation{}, errs.Validation("conversation_id", "you are not a participant in this conversation")
	}
	return conv, nil
}

// peerKey resolves the peer's public key with the same store-then-cache order.
func (s *MessageServiceImpl) peerKey(ctx context.Context, peer uuid.UUID, online bool) (*ecdh.PublicKey, error) {
	var storeErr error
	if online {
		pub, err := s.keys.GetUserPublicKey(ctx, peer)
		if err == nil {
			if pub != nil && s.cache != nil {
				if err := s.cache.PutPublicKey(ctx, peer, crypto.ExportPublicKey(pub)); err != nil {
					s.log.Debug("public key cache write failed", zap.Error(err))
				}
			}
			return pub, nil
		}
		storeErr = err
	}
	if s.cache == nil {
		if storeErr == nil {
			storeErr = errors.New("offline")
		}
		return nil, errs.Classify(storeErr, errs.ErrConnection, "could not load recipient key")
	}

	enc, found, err := s.cache.PublicKey(ctx, peer)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConnection, "could not load cached recipient key", err)
	}
	if !found {
		return nil, errs.New(errs.ErrConnection, "recipient key is not available offline")
	}
	return crypto.ImportPublicKey(enc)
}

func (s *MessageServiceImpl) remember(ctx context.Context, msgs ...model.Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	if err := s.cache.PutMessages(ctx, msgs); err != nil {
		s.log.Debug("message cache write failed", zap.Error(err))
	}
}

func errClass(err error) string {
	if k := errs.KindOf(err); k != nil {
		return k.Error()
	}
	return "unclassified"
}
