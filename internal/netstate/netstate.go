// Package netstate provides the observable connectivity signal.
package netstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor holds the current online flag and notifies subscribers on transitions.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor returns a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state and reports whether it changed.
// Subscribers only ever see the latest value; stale values are overwritten.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Subscribe returns a channel of transitions and a cancel func.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Pinger is implemented by the store pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe pings the store every interval and feeds the result into m until ctx ends.
func Probe(ctx context.Context, p Pinger, m *Monitor, interval, timeout time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if m.Set(err == nil) {
			if err != nil {
				log.Warn("store unreachable", zap.Error(err))
			} else {
				log.Info("store reachable")
			}
		}
	}

	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
