// Package queue is the durable offline outbox: encrypted messages that could not
// reach the Message Store are persisted and delivered later with exponential
// backoff. Delivery order within a conversation is enqueue order; the store
// assigns sequence numbers on arrival.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

// Store persists queued items in enqueue order.
type Store interface {
	Add(ctx context.Context, q model.QueuedMessage) error
	List(ctx context.Context) ([]model.QueuedMessage, error)
	Update(ctx context.Context, q model.QueuedMessage) error
	Remove(ctx context.Context, id uuid.UUID) error
}

// Deliverer writes one queued item to the Message Store. It must be idempotent by item ID.
type Deliverer interface {
	Deliver(ctx context.Context, q model.QueuedMessage) (model.Message, error)
}

// Signal is the connectivity signal.
type Signal interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Options configure retry behaviour.
type Options struct {
	BaseDelay   time.Duration // first retry delay, doubled per attempt
	MaxDelay    time.Duration // upper bound of a single retry delay
	MaxAttempts int           // attempts before an item is marked failed
	Interval    time.Duration // timer drain period in Run
	Now         func() time.Time
	Logger      *zap.Logger

	// OnDelivered is called after the store acknowledged an item, with the stored
	// message carrying the assigned sequence number.
	OnDelivered func(queued model.QueuedMessage, stored model.Message)
	// OnFailed is called when an item becomes terminally failed.
	OnFailed func(q model.QueuedMessage)
}

// DefaultOptions returns 1s base delay capped at 1h, 5 attempts and a 1s drain timer.
func DefaultOptions() Options {
	return Options{BaseDelay: time.Second, MaxDelay: time.Hour, MaxAttempts: 5, Interval: time.Second}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Delivered int
	Retrying  int // failed this pass, scheduled again
	Failed    int // became terminally failed this pass
}

// Queue is the outbox. Enqueue and Drain are serialized.
type Queue struct {
	store   Store
	deliver Deliverer
	signal  Signal
	opts    Options
	log     *zap.Logger

	mu   sync.Mutex
	kick chan struct{}
}

// New constructs a queue.
func New(store Store, d Deliverer, signal Signal, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		store:   store,
		deliver: d,
		signal:  signal,
		opts:    opts,
		log:     opts.Logger,
		kick:    make(chan struct{}, 1),
	}
}

// Enqueue persists q as pending and due now. The ID, conversation, sender and
// ciphertext must already be set; the ID stays the same across every retry.
func (qu *Queue) Enqueue(ctx context.Context, q model.QueuedMessage) error {
	if q.ID == uuid.Nil || q.ConversationID == uuid.Nil || q.SenderID == uuid.Nil {
		return errs.New(errs.ErrValidation, "queued message requires id, conversation and sender")
	}
	now := qu.opts.Now()
	q.Status = model.QueuePending
	q.AttemptCount = 0
	q.NextRetryAt = now
	q.LastError = ""
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}

	qu.mu.Lock()
	err := qu.store.Add(ctx, q)
	qu.mu.Unlock()
	if err != nil {
		return err
	}
	qu.log.Debug("message queued", zap.Stringer("message_id", q.ID), zap.Stringer("conversation_id", q.ConversationID))
	qu.wake()
	return nil
}

func (qu *Queue) wake() {
	select {
	case qu.kick <- struct{}{}:
	default:
	}
}

// backoff returns the delay after a failure with attempts prior failures.
func (qu *Queue) backoff(attempts int) time.Duration {
	d := qu.opts.BaseDelay
	for i := 0; i < attempts && d < qu.opts.MaxDelay; i++ {
		d <<= 1
	}
	return min(d, qu.opts.MaxDelay)
}

// Drain makes one delivery pass over due items while online.
//
// Items are visited in enqueue order. Per conversation the pass stops at the
// first item that is not due yet or that fails, so a later message is never
// stored before an earlier one. Terminally failed items are skipped and do not
// block the rest of their conversation.
func (qu *Queue) Drain(ctx context.Context) (DrainResult, error) {
	qu.mu.Lock()
	defer qu.mu.Unlock()

	var res DrainResult
	if !qu.signal.Online() {
		return res, nil
	}
	items, err := qu.store.List(ctx)
	if err != nil {
		return res, err
	}

	blocked := make(map[uuid.UUID]bool)
	for _, it := range items {
		if it.Status == model.QueueFailed || blocked[it.ConversationID] {
			continue
		}
		now := qu.opts.Now()
		if it.NextRetryAt.After(now) {
			blocked[it.ConversationID] = true
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !qu.signal.Online() {
			break
		}

		it.Status = model.QueueSending
		if err := qu.store.Update(ctx, it); err != nil {
			return res, err
		}

		stored, derr := qu.deliver.Deliver(ctx, it)
		if derr == nil {
			if err := qu.store.Remove(ctx, it.ID); err != nil {
				return res, err
			}
			res.Delivered++
			qu.log.Info("queued message delivered",
				zap.Stringer("message_id", it.ID),
				zap.Int64("sequence_number", stored.SequenceNumber),
				zap.Int("attempts", it.AttemptCount+1))
			if qu.opts.OnDelivered != nil {
				qu.opts.OnDelivered(it, stored)
			}
			continue
		}

		if ctx.Err() != nil {
			// interrupted, not a delivery failure
			it.Status = model.QueuePending
			_ = qu.store.Update(context.WithoutCancel(ctx), it)
			return res, ctx.Err()
		}

		blocked[it.ConversationID] = true
		if err := qu.fail(ctx, &it, derr, now); err != nil {
			return res, err
		}
		if it.Status == model.QueueFailed {
			res.Failed++
		} else {
			res.Retrying++
		}
		if errors.Is(derr, errs.ErrConnection) {
			// the store is gone for everyone; leave other conversations their attempts
			break
		}
	}
	return res, nil
}

func (qu *Queue) fail(ctx context.Context, it *model.QueuedMessage, cause error, now time.Time) error {
	delay := qu.backoff(it.AttemptCount)
	it.AttemptCount++
	it.LastError = cause.Error()

	if errs.Permanent(cause) || it.AttemptCount >= qu.opts.MaxAttempts {
		it.Status = model.QueueFailed
		qu.log.Warn("queued message failed",
			zap.Stringer("message_id", it.ID),
			zap.Int("attempts", it.AttemptCount),
			zap.NamedError("error_class", errs.KindOf(cause)))
		if err := qu.store.Update(ctx, *it); err != nil {
			return err
		}
		if qu.opts.OnFailed != nil {
			qu.opts.OnFailed(*it)
		}
		return nil
	}

	it.Status = model.QueuePending
	it.NextRetryAt = now.Add(delay)
	qu.log.Debug("queued message retry scheduled",
		zap.Stringer("message_id", it.ID),
		zap.Int("attempts", it.AttemptCount),
		zap.Duration("delay", delay))
	return qu.store.Update(ctx, *it)
}

// Run recovers interrupted deliveries, then drains on connectivity transitions,
// on every enqueue and every Interval until ctx ends.
func (qu *Queue) Run(ctx context.Context) error {
	if err := qu.recover(ctx); err != nil {
		return err
	}
	online, cancel := qu.signal.Subscribe()
	defer cancel()

	t := time.NewTicker(qu.opts.Interval)
	defer t.Stop()

	drain := func() {
		if _, err := qu.Drain(ctx); err != nil && ctx.Err() == nil {
			qu.log.Warn("outbox drain failed", zap.Error(err))
		}
	}
	drain()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up := <-online:
			if up {
				drain()
			}
		case <-qu.kick:
			drain()
		case <-t.C:
			drain()
		}
	}
}

// recover resets items a previous process left in sending. Delivery is idempotent
// by ID, so a write that did reach the store is deduplicated on retry.
func (qu *Queue) recover(ctx context.Context) error {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	items, err := qu.store.List(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Status != model.QueueSending {
			continue
		}
		it.Status = model.QueuePending
		if err := qu.store.Update(ctx, it); err != nil {
			return err
		}
		qu.log.Info("recovered interrupted delivery", zap.Stringer("message_id", it.ID))
	}
	return nil
}

// Items returns every queued item in enqueue order.
func (qu *Queue) Items(ctx context.Context) ([]model.QueuedMessage, error) {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return qu.store.List(ctx)
}

// Len returns the number of queued items, failed ones included.
func (qu *Queue) Len(ctx context.Context) (int, error) {
	items, err := qu.Items(ctx)
	return len(items), err
}

// Pending reports whether conversationID still has items waiting for delivery
// (pending or sending). Failed items are not counted.
func (qu *Queue) Pending(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	items, err := qu.Items(ctx)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.ConversationID == conversationID && it.Status != model.QueueFailed {
			return true, nil
		}
	}
	return false, nil
}

// Failed returns the terminally failed items.
func (qu *Queue) Failed(ctx context.Context) ([]model.QueuedMessage, error) {
	items, err := qu.Items(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.QueuedMessage
	for _, it := range items {
		if it.Status == model.QueueFailed {
			out = append(out, it)
		}
	}
	return out, nil
}

// RetryFailed puts every failed item back to pending with a fresh attempt budget.
func (qu *Queue) RetryFailed(ctx context.Context) (int, error) {
	qu.mu.Lock()
	items, err := qu.store.List(ctx)
	if err != nil {
		qu.mu.Unlock()
		return 0, err
	}
	now := qu.opts.Now()
	n := 0
	for _, it := range items {
		if it.Status != model.QueueFailed {
			continue
		}
		it.Status = model.QueuePending
		it.AttemptCount = 0
		it.NextRetryAt = now
		it.LastError = ""
		if err := qu.store.Update(ctx, it); err != nil {
			qu.mu.Unlock()
			return n, err
		}
		n++
	}
	qu.mu.Unlock()

	if n > 0 {
		qu.wake()
	}
	return n, nil
}

// Discard drops an item the user gave up on.
func (qu *Queue) Discard(ctx context.Context, id uuid.UUID) error {
	qu.mu.Lock()
	defer qu.mu.Unlock()
	return qu.store.Remove(ctx, id)
}
