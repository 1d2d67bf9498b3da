// Package lockfile serializes orchestrator invocations on a host with an
// advisory flock. The mirror store and the target clone are shared
// between invocations, so the lock spans the whole fetch, sync, and
// rebuild sequence.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when another invocation holds the lock for the
// whole acquisition window.
var ErrBusy = errors.New("another rebuild invocation holds the lock")

// retryInterval is the poll interval while the lock is held elsewhere.
const retryInterval = 250 * time.Millisecond

// Lock is a held advisory lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive flock on path, retrying until the wait
// window or the context expires. The lock file is created group-writable
// because different operators on the same host share it.
func Acquire(ctx context.Context, path string, wait time.Duration) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0664)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file %s: %w", path, err)
	}

	deadline := time.Now().Add(wait)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{path: path, file: file}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			file.Close()
			return nil, fmt.Errorf("cannot lock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			file.Close()
			return nil, fmt.Errorf("%w (%s)", ErrBusy, path)
		}
		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release drops the lock. The file is left in place; flock state dies
// with the descriptor, and removing the file would race a concurrent
// Acquire on the same path.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}
