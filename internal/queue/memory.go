package queue

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

// MemoryStore is a volatile Store. Items are lost with the process.
type MemoryStore struct {
	mu    sync.Mutex
	items []model.QueuedMessage
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Add(_ context.Context, q model.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.ID == q.ID {
			return errs.ErrAlreadyExists
		}
	}
	m.items = append(m.items, q)
	return nil
}

func (m *MemoryStore) List(context.Context) ([]model.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.QueuedMessage, len(m.items))
	copy(out, m.items)
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, q model.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == q.ID {
			m.items[i].AttemptCount = q.AttemptCount
			m.items[i].NextRetryAt = q.NextRetryAt
			m.items[i].Status = q.Status
			m.items[i].LastError = q.LastError
			return nil
		}
	}
	return errs.ErrNotFound
}

func (m *MemoryStore) Remove(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return nil
}
