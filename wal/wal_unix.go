//go:build !windows

package wal

import (
	"path/filepath"
	"time"

	"github.com/ardb/replbacklog/sys"
)

// acquireDirLock enforces the single-writer invariant at the OS level using
// flock(2) on a dedicated lock file inside dir.
func acquireDirLock(dir string) (func() error, error) {
	lockPath := filepath.Join(dir, ".writer.lock")
	release, err := sys.AcquireOSFileLock(lockPath, 0)
	if err != nil {
		return nil, ErrAlreadyLocked
	}
	return release, nil
}

// staleLockTTL bounds how long a crashed writer's lock file is honored
// before a new process is allowed to break it. Only exercised by the
// portable fallback path on platforms without flock.
var staleLockTTL = 30 * time.Second
