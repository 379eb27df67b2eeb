package netstate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitor_SetAndSubscribe(t *testing.T) {
	m := NewMonitor(false)
	ch, cancel := m.Subscribe()
	defer cancel()

	require.False(t, m.Set(false), "no transition")
	require.True(t, m.Set(true))
	require.True(t, m.Online())
	require.True(t, <-ch)

	// two transitions without a reader: only the latest is kept
	m.Set(false)
	m.Set(true)
	require.True(t, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected stale value %v", v)
	default:
	}

	cancel()
	cancel()
	m.Set(false)
	select {
	case <-ch:
		t.Fatalf("cancelled subscriber must not receive")
	default:
	}
}

type flakyPinger struct{ fail atomic.Bool }

func (p *flakyPinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("down")
	}
	return nil
}

func TestProbe_TracksStore(t *testing.T) {
	m := NewMonitor(false)
	p := &flakyPinger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Probe(ctx, p, m, 5*time.Millisecond, time.Second, nil)
		close(done)
	}()

	require.Eventually(t, m.Online, time.Second, time.Millisecond)
	p.fail.Store(true)
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("probe did not stop")
	}
}
