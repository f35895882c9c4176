package replication

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrQueueFull is returned by AsyncIO/NotifyWrite when the reactor's task
// queue has no room for another task.
var ErrQueueFull = errors.New("replication: reactor task queue full")

// defaultQueueSize bounds the reactor's async_io task queue. A producer
// that outruns the reactor gets ErrQueueFull back rather than blocking
// indefinitely on a single-threaded consumer.
const defaultQueueSize = 1024

// Reactor is the single-threaded I/O event loop that owns the backlog's
// writer end. All WAL appends happen on its goroutine, decoupling
// producers (who only ever hand off a task) from the backlog's disk I/O.
// It also drives the once-per-second routine that flushes syncs and pumps
// the master/follower collaborators.
type Reactor struct {
	backlog  *Backlog
	pool     *envelopePool
	pusher   MasterPusher
	receiver FollowerReceiver

	tasks chan func()
	ready chan struct{}

	logger *slog.Logger
}

// NewReactor constructs a Reactor bound to backlog. pusher and receiver may
// be NoOpPusher{}/NoOpReceiver{} for a standalone instance.
func NewReactor(backlog *Backlog, pusher MasterPusher, receiver FollowerReceiver, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		backlog:  backlog,
		pool:     newEnvelopePool(),
		pusher:   pusher,
		receiver: receiver,
		tasks:    make(chan func(), defaultQueueSize),
		ready:    make(chan struct{}),
		logger:   logger.With("component", "replication.Reactor"),
	}
}

// Ready closes once the reactor's timer is armed and it has started
// draining its task queue; Service.Init blocks on it instead of
// busy-waiting.
func (r *Reactor) Ready() <-chan struct{} {
	return r.ready
}

// AsyncIO enqueues task to run on the reactor goroutine. It never blocks:
// if the queue is full it returns ErrQueueFull immediately.
func (r *Reactor) AsyncIO(task func()) error {
	select {
	case r.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// NotifyWrite is the producer-facing entry point mirroring the source's
// WriteWAL(ns, cmd): it borrows an envelope from the pool, hands the
// append off to the reactor goroutine, and notifies the master pusher once
// it lands. Errors appending are logged on the reactor goroutine rather
// than surfaced here, since the caller has already moved on by the time
// the append actually runs.
func (r *Reactor) NotifyWrite(ns string, cmd []byte) error {
	env := r.pool.get()
	env.ns = ns
	env.buf = append(env.buf[:0], cmd...)

	return r.AsyncIO(func() {
		defer r.pool.put(env)
		if _, err := r.backlog.Write(env.ns, env.buf); err != nil {
			r.logger.Error("backlog write failed", "namespace", env.ns, "error", err)
			return
		}
		r.pusher.NotifyAppend(r.backlog.EndOffset())
	})
}

// Run is the event loop itself: it drains tasks as they arrive and, once
// per second, calls the backlog's and collaborators' Routine methods. It
// returns when ctx is canceled.
func (r *Reactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	close(r.ready)
	r.logger.Info("reactor started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reactor stopping")
			return nil
		case task := <-r.tasks:
			task()
		case <-ticker.C:
			r.pusher.Routine()
			r.receiver.Routine()
			r.backlog.Routine()
		}
	}
}
