package replication

import "errors"

var (
	// ErrDisabled is returned by InitBacklog when repl_backlog_size is
	// configured as 0 (replication turned off for this instance).
	ErrDisabled = errors.New("replication: backlog disabled")
	// ErrNotReady is returned by Service.NotifyWrite when no reactor is
	// running: before Init has completed, after Stop, or while the
	// service is dormant because replication is disabled.
	ErrNotReady = errors.New("replication: service not ready")
	// ErrAlreadyInited is returned by a second, concurrent call to
	// Service.Init while the first is still running; Init itself is
	// idempotent and does not return this once it has completed.
	ErrAlreadyInited = errors.New("replication: already initializing")
	// ErrWindowNotRetained names the case where a follower's claimed
	// (offset, cksm) pair can no longer be validated against the
	// backlog's retained window, meaning a full resync is required. No
	// function in this package returns it: Backlog.IsValidOffsetCksm
	// reports that case as false.
	ErrWindowNotRetained = errors.New("replication: requested offset no longer retained")
	// ErrFollowerCannotSelect names the rule that a follower mirrors the
	// master's stream verbatim and never generates a SELECT itself. No
	// function in this package returns it: WriteDirect has no code path
	// that synthesizes a SELECT.
	ErrFollowerCannotSelect = errors.New("replication: follower must not synthesize SELECT")
)
