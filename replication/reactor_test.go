package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPusher struct {
	notified atomic.Int64
	routines atomic.Int64
	lastOff  atomic.Uint64
}

func (p *countingPusher) NotifyAppend(off uint64) {
	p.notified.Add(1)
	p.lastOff.Store(off)
}
func (p *countingPusher) Routine() { p.routines.Add(1) }

type countingReceiver struct {
	routines atomic.Int64
}

func (r *countingReceiver) Routine() { r.routines.Add(1) }

func newTestReactor(t *testing.T, pusher MasterPusher, receiver FollowerReceiver) (*Reactor, *Backlog) {
	t.Helper()
	b := openTestBacklog(t, t.TempDir(), true)
	if pusher == nil {
		pusher = NoOpPusher{}
	}
	if receiver == nil {
		receiver = NoOpReceiver{}
	}
	return NewReactor(b, pusher, receiver, nil), b
}

func TestReactor_ReadyClosesOnceRunStarts(t *testing.T) {
	r, _ := newTestReactor(t, nil, nil)

	select {
	case <-r.Ready():
		t.Fatal("Ready should not be closed before Run starts")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Run(ctx)
	}()

	select {
	case <-r.Ready():
	case <-time.After(time.Second):
		t.Fatal("Ready did not close after Run started")
	}
	cancel()
	wg.Wait()
}

func TestReactor_NotifyWriteLandsInBacklogAndNotifiesPusher(t *testing.T) {
	pusher := &countingPusher{}
	r, b := newTestReactor(t, pusher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()
	<-r.Ready()

	require.NoError(t, r.NotifyWrite("ns", []byte("cmd")))

	require.Eventually(t, func() bool {
		return pusher.notified.Load() == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, b.EndOffset(), pusher.lastOff.Load())
}

func TestReactor_AsyncIOReturnsErrQueueFullWhenSaturated(t *testing.T) {
	r, _ := newTestReactor(t, nil, nil)
	// Never start Run, so nothing drains the queue.
	for i := 0; i < defaultQueueSize; i++ {
		require.NoError(t, r.AsyncIO(func() {}))
	}
	assert.ErrorIs(t, r.AsyncIO(func() {}), ErrQueueFull)
}

func TestReactor_RunPumpsCollaboratorRoutinesOnTicker(t *testing.T) {
	// This test relies on the reactor's 1s ticker firing at least once, so
	// keep it generous but bounded.
	pusher := &countingPusher{}
	receiver := &countingReceiver{}
	r, _ := newTestReactor(t, pusher, receiver)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	<-r.Ready()
	defer cancel()

	require.Eventually(t, func() bool {
		return pusher.routines.Load() >= 1 && receiver.routines.Load() >= 1
	}, 2*time.Second, 50*time.Millisecond)
}

func TestReactor_RunReturnsNilOnContextCancel(t *testing.T) {
	r, _ := newTestReactor(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	<-r.Ready()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestReactor_NotifyWriteReusesPooledEnvelopes(t *testing.T) {
	r, _ := newTestReactor(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()
	<-r.Ready()

	for i := 0; i < 20; i++ {
		require.NoError(t, r.NotifyWrite("ns", []byte("cmd")))
	}

	require.Eventually(t, func() bool {
		r.pool.mu.Lock()
		defer r.pool.mu.Unlock()
		return len(r.pool.free) > 0
	}, time.Second, time.Millisecond)
}
