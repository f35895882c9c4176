//go:build windows

package wal

import (
	"path/filepath"
	"time"

	"github.com/ardb/replbacklog/sys"
)

// staleLockTTL bounds how long a crashed writer's lock file is honored
// before a new process is allowed to break it.
var staleLockTTL = 30 * time.Second

// acquireDirLock falls back to the portable create-and-retry lock file
// scheme on platforms without advisory flock semantics.
func acquireDirLock(dir string) (func() error, error) {
	lockPath := filepath.Join(dir, ".writer.lock")
	release, err := sys.AcquireFileLock(lockPath, 3, 50*time.Millisecond, staleLockTTL)
	if err != nil {
		return nil, ErrAlreadyLocked
	}
	return release, nil
}
