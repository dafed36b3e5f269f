// Package lifecycle enforces the single-writer invariant: an advisory OS
// file lock over the data directory, acquired once at process start, so a
// second process opening the same directory for writing fails fast instead
// of corrupting the mmap'd vector file. The lock is an OS flock rather than
// a PID file: a stale PID can't reliably be told apart from a live one,
// while the kernel releases the lock when the holder dies.
package lifecycle

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/voxai/voxcore/internal/verrors"
)

const lockFileName = ".lock"

// WriterLock is an acquired, exclusive advisory lock over a data directory.
type WriterLock struct {
	fl *flock.Flock
}

// Acquire takes the writer lock for dataDir. It returns a fatal,
// ERR_103_WRITER_LOCKED error if another process already holds it.
func Acquire(dataDir string) (*WriterLock, error) {
	path := filepath.Join(dataDir, lockFileName)
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, verrors.IOError(fmt.Sprintf("acquiring writer lock at %s", path), err)
	}
	if !ok {
		return nil, verrors.New(verrors.ErrCodeWriterLocked,
			fmt.Sprintf("data directory %s is already locked by another process", dataDir), nil).
			WithSuggestion("stop the other voxcore process using this data directory, or point -data at a different one")
	}

	return &WriterLock{fl: fl}, nil
}

// Release unlocks the writer lock. Safe to call once; the caller owns
// calling it exactly once, typically via defer at startup.
func (w *WriterLock) Release() error {
	if err := w.fl.Unlock(); err != nil {
		return verrors.IOError("releasing writer lock", err)
	}
	return nil
}
