package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestLockExclusive(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "lock", "obj")
	ctx := context.Background()
	lock, err := LockFile(ctx, abs, 0)
	tassert(t, err == nil, "%v", err)

	// a second taker waits, then gives up with the context
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = LockFile(tctx, abs, 0)
	tassert(t, errors.Is(err, context.DeadlineExceeded), "expected deadline, got %v", err)

	// released locks can be retaken
	lock.Unlock()
	lock2, err := LockFile(ctx, abs, 0)
	tassert(t, err == nil, "%v", err)
	lock2.Unlock()

	// double unlock is harmless
	lock2.Unlock()
}

func TestLockHandoff(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "obj")
	ctx := context.Background()
	lock, err := LockFile(ctx, abs, 0)
	tassert(t, err == nil, "%v", err)

	got := make(chan error)
	go func() {
		l, err := LockFile(ctx, abs, time.Millisecond)
		if err == nil {
			l.Unlock()
		}
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	lock.Unlock()
	select {
	case err := <-got:
		tassert(t, err == nil, "%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never got the lock")
	}
}
