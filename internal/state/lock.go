package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	apperrors "github.com/alexjbarnes/s3sync/internal/errors"
)

// LockFileName is the reserved file placed in the sync root. The watcher
// and the local inventory never treat it as syncable.
const LockFileName = ".s3sync.lock"

// DirLock holds an exclusive lock on a sync directory so two clients
// never mirror the same tree.
type DirLock struct {
	flock *flock.Flock
}

// LockDir takes the lock for dir. It returns ErrDirectoryLocked when
// another process already holds it.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sync dir: %w", err)
	}

	fl := flock.New(filepath.Join(dir, LockFileName))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking sync dir: %w", err)
	}

	if !locked {
		return nil, apperrors.ErrDirectoryLocked
	}

	return &DirLock{flock: fl}, nil
}

// Unlock releases the lock and removes the lock file.
func (l *DirLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlocking sync dir: %w", err)
	}

	return os.Remove(l.flock.Path())
}
