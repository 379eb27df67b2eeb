package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
)

var fastParams = crypto.Params{Time: 1, MemoryKiB: 64, Threads: 1}

/************ keys ************/

type fakeKeyRepo struct {
	mu   sync.Mutex
	recs []model.KeyRecord

	currentErr error
	insertErr  error
	listErr    error
	rotateErr  error
	revokeErr  error

	inserts int
	rotates int
}

var _ repository.KeyRepository = (*fakeKeyRepo)(nil)

func (f *fakeKeyRepo) Insert(_ context.Context, rec *model.KeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertErr != nil {
		return f.insertErr
	}
	f.add(rec)
	return nil
}

func (f *fakeKeyRepo) add(rec *model.KeyRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.Must(uuid.NewV4())
	}
	rec.CreatedAt = time.Now()
	f.recs = append(f.recs, *rec)
}

func (f *fakeKeyRepo) Current(_ context.Context, userID uuid.UUID) (model.KeyRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return model.KeyRecord{}, false, f.currentErr
	}
	for i := len(f.recs) - 1; i >= 0; i-- {
		if r := f.recs[i]; r.UserID == userID && !r.Revoked {
			return r, true, nil
		}
	}
	return model.KeyRecord{}, false, nil
}

func (f *fakeKeyRepo) ListActive(_ context.Context, userID uuid.UUID) ([]model.KeyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.KeyRecord
	for i := len(f.recs) - 1; i >= 0; i-- {
		if r := f.recs[i]; r.UserID == userID && !r.Revoked {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeKeyRepo) Rotate(_ context.Context, rec *model.KeyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotates++
	if f.rotateErr != nil {
		return f.rotateErr
	}
	f.revoke(rec.UserID)
	f.add(rec)
	return nil
}

func (f *fakeKeyRepo) RevokeAll(_ context.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return 0, f.revokeErr
	}
	return f.revoke(userID), nil
}

func (f *fakeKeyRepo) revoke(userID uuid.UUID) int64 {
	var n int64
	for i := range f.recs {
		if f.recs[i].UserID == userID && !f.recs[i].Revoked {
			f.recs[i].Revoked = true
			n++
		}
	}
	return n
}

type fakeLimiter struct {
	blocked   bool
	allowErr  error
	failures  int
	successes int
}

func (l *fakeLimiter) Allow(context.Context, uuid.UUID, []byte) (bool, time.Duration, error) {
	if l.allowErr != nil {
		return false, 0, l.allowErr
	}
	if l.blocked {
		return false, 5 * time.Minute, nil
	}
	return true, 0, nil
}

func (l *fakeLimiter) Success(context.Context, uuid.UUID, []byte) error {
	l.successes++
	return nil
}

func (l *fakeLimiter) Failure(context.Context, uuid.UUID, []byte) (bool, time.Duration, error) {
	l.failures++
	return false, 0, nil
}

type fakeLegacy struct {
	keys      map[uuid.UUID]string
	err       error
	forgotten []uuid.UUID
}

func (l *fakeLegacy) LegacyKey(_ context.Context, userID uuid.UUID) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	k, ok := l.keys[userID]
	return k, ok, nil
}

func (l *fakeLegacy) Forget(_ context.Context, userID uuid.UUID) error {
	delete(l.keys, userID)
	l.forgotten = append(l.forgotten, userID)
	return nil
}

/************ message store ************/

// world is an in-memory Message Store shared by the conversation and message fakes.
type world struct {
	mu    sync.Mutex
	now   func() time.Time
	convs map[uuid.UUID]model.Conversation
	msgs  map[uuid.UUID]model.Message
	seq   map[uuid.UUID]int64

	convErr   error
	insertErr error
	pageErr   error
	markErr   error
	inserts   int
}

func newWorld(now func() time.Time) *world {
	return &world{
		now:   now,
		convs: map[uuid.UUID]model.Conversation{},
		msgs:  map[uuid.UUID]model.Message{},
		seq:   map[uuid.UUID]int64{},
	}
}

func (w *world) addConversation(a, b uuid.UUID) model.Conversation {
	c := model.Conversation{ID: uuid.Must(uuid.NewV4()), Participant1: a, Participant2: b}
	w.mu.Lock()
	w.convs[c.ID] = c
	w.mu.Unlock()
	return c
}

func (w *world) member(principal, convID uuid.UUID) bool {
	c, ok := w.convs[convID]
	return ok && c.Slot(principal) != model.SlotNone
}

func (w *world) stored(id uuid.UUID) model.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.msgs[id]
}

type convRepo struct{ *world }

var _ repository.ConversationRepository = convRepo{}

func (r convRepo) Get(_ context.Context, principal, id uuid.UUID) (model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.convErr != nil {
		return model.Conversation{}, r.convErr
	}
	if !r.member(principal, id) {
		return model.Conversation{}, errs.ErrNotFound
	}
	return r.convs[id], nil
}

func (r convRepo) SetArchived(_ context.Context, principal, id uuid.UUID, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.convErr != nil {
		return r.convErr
	}
	c, ok := r.convs[id]
	if !ok {
		return errs.ErrNotFound
	}
	switch c.Slot(principal) {
	case model.SlotFirst:
		c.ArchivedBy1 = archived
	case model.SlotSecond:
		c.ArchivedBy2 = archived
	default:
		return errs.ErrNotFound
	}
	r.convs[id] = c
	return nil
}

type msgRepo struct{ *world }

var _ repository.MessageRepository = msgRepo{}

func (r msgRepo) Insert(_ context.Context, nm model.NewMessage) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.insertErr != nil {
		return model.Message{}, r.insertErr
	}
	if !r.member(nm.SenderID, nm.ConversationID) {
		return model.Message{}, errs.ErrNotFound
	}
	if m, ok := r.msgs[nm.ID]; ok {
		if m.SenderID != nm.SenderID {
			return model.Message{}, errs.ErrAlreadyExists
		}
		return m, nil
	}
	r.seq[nm.ConversationID]++
	at := r.now().UTC()
	m := model.Message{
		ID:               nm.ID,
		ConversationID:   nm.ConversationID,
		SenderID:         nm.SenderID,
		EncryptedContent: nm.EncryptedContent,
		IV:               nm.IV,
		SequenceNumber:   r.seq[nm.ConversationID],
		DeliveredAt:      &at,
		CreatedAt:        at,
	}
	r.msgs[m.ID] = m
	c := r.convs[nm.ConversationID]
	c.LastMessageAt = &at
	r.convs[nm.ConversationID] = c
	return m, nil
}

func (r msgRepo) Page(_ context.Context, principal, convID uuid.UUID, before int64, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pageErr != nil {
		return nil, r.pageErr
	}
	if !r.member(principal, convID) {
		return nil, nil
	}
	var out []model.Message
	for _, m := range r.msgs {
		if m.ConversationID == convID && !m.Deleted && (before == 0 || m.SequenceNumber < before) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber > out[j].SequenceNumber })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r msgRepo) Get(_ context.Context, principal, id uuid.UUID) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok || !r.member(principal, m.ConversationID) {
		return model.Message{}, errs.ErrNotFound
	}
	return m, nil
}

func (r msgRepo) UpdateContent(_ context.Context, principal, id uuid.UUID, ct, iv string, editedAt, notBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok || m.SenderID != principal || m.Deleted || m.CreatedAt.Before(notBefore) {
		return errs.ErrNotFound
	}
	m.EncryptedContent, m.IV = ct, iv
	m.Edited, m.EditedAt = true, &editedAt
	r.msgs[id] = m
	return nil
}

func (r msgRepo) SoftDelete(_ context.Context, principal, id uuid.UUID, notBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok || m.SenderID != principal || m.Deleted || m.CreatedAt.Before(notBefore) {
		return errs.ErrNotFound
	}
	m.Deleted = true
	r.msgs[id] = m
	return nil
}

func (r msgRepo) MarkRead(_ context.Context, principal uuid.UUID, ids []uuid.UUID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return 0, r.markErr
	}
	var n int64
	for _, id := range ids {
		m, ok := r.msgs[id]
		if !ok || m.ReadAt != nil || m.SenderID == principal || !r.member(principal, m.ConversationID) {
			continue
		}
		m.ReadAt = &at
		r.msgs[id] = m
		n++
	}
	return n, nil
}

/************ misc ************/

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingOutbox struct {
	items      []model.QueuedMessage
	err        error
	pendingErr error
}

func (o *recordingOutbox) Enqueue(_ context.Context, q model.QueuedMessage) error {
	if o.err != nil {
		return o.err
	}
	o.items = append(o.items, q)
	return nil
}

func (o *recordingOutbox) Pending(_ context.Context, conversationID uuid.UUID) (bool, error) {
	if o.pendingErr != nil {
		return false, o.pendingErr
	}
	for _, it := range o.items {
		if it.ConversationID == conversationID {
			return true, nil
		}
	}
	return false, nil
}
