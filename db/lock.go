package db

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	defaultLockPoll = time.Millisecond
	maxLockPoll     = 50 * time.Millisecond
)

// Lock is an exclusive advisory lock on one lock file.  It
// serializes goroutines as well as processes, since each Lock opens
// its own file description.
type Lock struct {
	path string
	fh   *os.File
}

// LockFile takes an exclusive flock on the file at abs, creating it
// if needed.  It polls with LOCK_NB so that waiting gives up when ctx
// is done instead of blocking in the kernel.
func LockFile(ctx context.Context, abs string, poll time.Duration) (lock *Lock, err error) {
	if poll <= 0 {
		poll = defaultLockPoll
	}
	err = os.MkdirAll(filepath.Dir(abs), 0755)
	if err != nil {
		return
	}
	fh, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, WRITE)
	if err != nil {
		return
	}
	for {
		err = unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{path: abs, fh: fh}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			fh.Close()
			return nil, errors.Wrapf(err, "flock %s", abs)
		}
		select {
		case <-ctx.Done():
			fh.Close()
			return nil, errors.Wrapf(ctx.Err(), "waiting for lock %s", abs)
		case <-time.After(poll):
		}
		if poll < maxLockPoll {
			poll *= 2
		}
	}
}

// Unlock releases the lock.  The lock file itself stays in place;
// removing it would let a waiter lock a dangling inode.
func (lock *Lock) Unlock() {
	if lock == nil || lock.fh == nil {
		return
	}
	err := unix.Flock(int(lock.fh.Fd()), unix.LOCK_UN)
	if err != nil {
		log.Warnf("unlock %s: %v", lock.path, err)
	}
	lock.fh.Close()
	lock.fh = nil
}

func (db *Db) lock(ctx context.Context, path *Path) (*Lock, error) {
	return LockFile(ctx, path.LockPath(), db.LockPoll)
}
