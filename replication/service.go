package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardb/replbacklog/hooks"
)

// ServiceOptions configures Service.Init.
type ServiceOptions struct {
	Backlog BacklogOptions
	// Pusher/Receiver are the external push/receive-loop collaborators.
	// Nil defaults to NoOpPusher{}/NoOpReceiver{} (standalone instance).
	Pusher   MasterPusher
	Receiver FollowerReceiver

	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// Service is the process-wide replication façade: one Backlog, one
// Reactor driving it, and the collaborators the reactor pumps once a
// second. Init is idempotent, mirroring the source's
// ReplicationService::Init early-return when already inited.
type Service struct {
	mu          sync.Mutex
	initializing bool
	inited      bool

	backlog *Backlog
	reactor *Reactor
	cancel  context.CancelFunc
	group   *errgroup.Group

	// dormantReplKey is a process-lifetime random identity handed out by
	// ReplKey when replication is disabled (no Backlog exists to own one),
	// mirroring the source's GetReplKey returning a static tmpid when its
	// WAL pointer is NULL.
	dormantReplKey string

	hookManager hooks.HookManager
	logger      *slog.Logger
}

var (
	singletonMu sync.Mutex
	singleton   *Service
)

// Get returns the process-wide Service, creating it on first use.
func Get() *Service {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		singleton = &Service{}
	}
	return singleton
}

// Init starts the service: opens the backlog, starts the reactor under an
// errgroup (the reactor in turn calls the pusher's and receiver's Routine
// once a second), and waits for the reactor to signal readiness instead of
// busy-waiting. Calling Init again once inited is a
// no-op returning nil. If BacklogSize is 0 the source's "replication not
// enabled" case applies: Init succeeds but the service stays dormant and
// Backlog() returns nil.
func (s *Service) Init(ctx context.Context, opts ServiceOptions) error {
	s.mu.Lock()
	if s.inited {
		s.mu.Unlock()
		return nil
	}
	if s.initializing {
		s.mu.Unlock()
		return ErrAlreadyInited
	}
	s.initializing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.initializing = false
		s.mu.Unlock()
	}()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replication.Service")
	s.hookManager = opts.HookManager

	s.triggerLifecycle(ctx, hooks.EventPreStartService, opts.Backlog)

	backlog, err := InitBacklog(opts.Backlog)
	if errors.Is(err, ErrDisabled) {
		logger.Warn("replication backlog is not enabled, this instance can not serve as master and accept any follower")
		dormantKey, keyErr := randomHexString(ServerKeySize)
		if keyErr != nil {
			s.triggerLifecycleErr(ctx, hooks.EventPostStartService, opts.Backlog, keyErr)
			return fmt.Errorf("replication: generating dormant repl key: %w", keyErr)
		}
		s.mu.Lock()
		s.inited = true
		s.logger = logger
		s.dormantReplKey = dormantKey
		s.mu.Unlock()
		s.triggerLifecycle(ctx, hooks.EventPostStartService, opts.Backlog)
		return nil
	}
	if err != nil {
		s.triggerLifecycleErr(ctx, hooks.EventPostStartService, opts.Backlog, err)
		return err
	}

	pusher := opts.Pusher
	if pusher == nil {
		pusher = NoOpPusher{}
	}
	receiver := opts.Receiver
	if receiver == nil {
		receiver = NoOpReceiver{}
	}

	reactor := NewReactor(backlog, pusher, receiver, logger)
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return reactor.Run(groupCtx) })

	select {
	case <-reactor.Ready():
	case <-groupCtx.Done():
		cancel()
		waitErr := group.Wait()
		backlog.Close()
		s.triggerLifecycleErr(ctx, hooks.EventPostStartService, opts.Backlog, waitErr)
		return waitErr
	}

	s.mu.Lock()
	s.backlog = backlog
	s.reactor = reactor
	s.cancel = cancel
	s.group = group
	s.logger = logger
	s.inited = true
	s.mu.Unlock()

	logger.Info("replication service started", "mode", replicationModeOf(opts.Backlog))
	s.triggerLifecycle(ctx, hooks.EventPostStartService, opts.Backlog)
	return nil
}

func replicationModeOf(opts BacklogOptions) string {
	if opts.IsMaster {
		return "master"
	}
	return "follower"
}

func (s *Service) triggerLifecycle(ctx context.Context, t hooks.EventType, opts BacklogOptions) {
	s.triggerLifecycleErr(ctx, t, opts, nil)
}

func (s *Service) triggerLifecycleErr(ctx context.Context, t hooks.EventType, opts BacklogOptions, err error) {
	if s.hookManager == nil {
		return
	}
	s.hookManager.Trigger(ctx, hooks.BaseEvent{
		EventType: t,
		Data:      hooks.ServiceLifecyclePayload{Mode: replicationModeOf(opts), Err: err},
	})
}

// Stop cancels the reactor, waits for it to exit, and closes the backlog.
// It is a no-op if the service was never successfully inited.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.inited {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	group := s.group
	backlog := s.backlog
	logger := s.logger
	s.inited = false
	s.backlog = nil
	s.reactor = nil
	s.cancel = nil
	s.group = nil
	s.mu.Unlock()

	if s.hookManager != nil {
		s.hookManager.Trigger(context.Background(), hooks.BaseEvent{EventType: hooks.EventPreStopService})
	}

	var err error
	if cancel != nil {
		cancel()
	}
	if group != nil {
		err = group.Wait()
	}
	if backlog != nil {
		if closeErr := backlog.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if logger != nil {
		logger.Info("replication service stopped")
	}
	if s.hookManager != nil {
		s.hookManager.Trigger(context.Background(), hooks.BaseEvent{
			EventType: hooks.EventPostStopService,
			Data:      hooks.ServiceLifecyclePayload{Err: err},
		})
	}
	return err
}

// IsInited reports whether Init has completed successfully.
func (s *Service) IsInited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inited
}

// Backlog returns the active Backlog, or nil if replication is disabled or
// the service has not been initialized.
func (s *Service) Backlog() *Backlog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog
}

// ReplKey returns a stable identity for this instance's data stream for the
// life of the process, even when replication is disabled: a live Backlog's
// own ReplKey, or the dormant identity minted once in Init's ErrDisabled
// path when no Backlog exists to carry one (testable property: repl_key
// never goes empty, regardless of repl_backlog_size).
func (s *Service) ReplKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backlog != nil {
		return s.backlog.ReplKey()
	}
	return s.dormantReplKey
}

// NotifyWrite hands a command off to the reactor for appending, returning
// ErrNotReady if the service is dormant (replication disabled) or not yet
// initialized.
func (s *Service) NotifyWrite(ns string, cmd []byte) error {
	s.mu.Lock()
	reactor := s.reactor
	s.mu.Unlock()
	if reactor == nil {
		return ErrNotReady
	}
	return reactor.NotifyWrite(ns, cmd)
}
