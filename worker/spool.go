package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// spool subdirectories
const (
	spoolReady  = "ready"
	spoolWork   = "work"
	spoolReview = "review"
)

// SpoolExistsError is returned by CreateSpool for a non-empty
// directory.
type SpoolExistsError struct {
	Dir string
}

func (e *SpoolExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

// SpoolQueue keeps one file per job under a directory, for hosts
// without Redis.  A job file is named <due>-<id>.json where due is
// the earliest start time in unix nanoseconds, zero padded, so a
// sorted listing of ready/ is also the run order.  Claiming a job is
// a rename from ready/ into work/, which only one consumer can win.
type SpoolQueue struct {
	Dir  string
	Poll time.Duration

	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}
}

// CreateSpool makes the spool layout under dir and opens it.
func CreateSpool(dir string) (q *SpoolQueue, err error) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) > 0 {
		return nil, &SpoolExistsError{Dir: dir}
	}
	for _, sub := range []string{spoolReady, spoolWork, spoolReview} {
		err = os.MkdirAll(filepath.Join(dir, sub), 0755)
		if err != nil {
			return
		}
	}
	return OpenSpool(dir)
}

// OpenSpool opens an existing spool and starts watching ready/.
func OpenSpool(dir string) (q *SpoolQueue, err error) {
	q = &SpoolQueue{
		Dir:  dir,
		Poll: DefaultPoll,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, sub := range []string{spoolReady, spoolWork, spoolReview} {
		_, err = os.Stat(filepath.Join(dir, sub))
		if err != nil {
			return nil, errors.Wrapf(err, "not a spool: %s", dir)
		}
	}
	q.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watch spool")
	}
	err = q.watcher.Add(q.sub(spoolReady))
	if err != nil {
		q.watcher.Close()
		return nil, errors.Wrap(err, "watch spool")
	}
	go q.watch()
	return
}

func (q *SpoolQueue) watch() {
	for {
		select {
		case <-q.done:
			return
		case event, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) > 0 {
				q.signal()
			}
		case err, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("spool watcher: %v", err)
		}
	}
}

func (q *SpoolQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops watching.  Jobs on disk are kept.
func (q *SpoolQueue) Close() error {
	close(q.done)
	return q.watcher.Close()
}

func (q *SpoolQueue) sub(name string) string {
	return filepath.Join(q.Dir, name)
}

func spoolName(job *Job) string {
	return fmt.Sprintf("%020d-%s.json", job.NotBefore.UnixNano(), job.ID)
}

// spoolDue returns the due time encoded in a job file name.
func spoolDue(name string) (due time.Time, ok bool) {
	i := strings.IndexByte(name, '-')
	if i < 0 || !strings.HasSuffix(name, ".json") {
		return
	}
	ns, err := strconv.ParseInt(name[:i], 10, 64)
	if err != nil {
		return
	}
	return time.Unix(0, ns), true
}

func (q *SpoolQueue) write(dir string, job *Job) (err error) {
	raw, err := job.encode()
	if err != nil {
		return
	}
	fn := filepath.Join(dir, spoolName(job))
	err = renameio.WriteFile(fn, []byte(raw), 0644)
	if err != nil {
		return errors.Wrapf(err, "write %s", fn)
	}
	log.Debugf("spool write %s", fn)
	return
}

func (q *SpoolQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.NotBefore.IsZero() {
		job.NotBefore = time.Now()
	}
	return q.write(q.sub(spoolReady), job)
}

// claim takes the first due job in ready/.  It returns the wait until
// the next job falls due when nothing is due yet, or zero when ready/
// is empty.
func (q *SpoolQueue) claim() (job *Job, wait time.Duration, err error) {
	entries, err := os.ReadDir(q.sub(spoolReady))
	if err != nil {
		return
	}
	var names []string
	for _, ent := range entries {
		// renameio temp files start with a dot
		if strings.HasPrefix(ent.Name(), ".") || ent.IsDir() {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	now := time.Now()
	for _, name := range names {
		due, ok := spoolDue(name)
		if !ok {
			log.Warnf("ignoring stray spool file %s", name)
			continue
		}
		if due.After(now) {
			return nil, due.Sub(now), nil
		}
		src := filepath.Join(q.sub(spoolReady), name)
		dst := filepath.Join(q.sub(spoolWork), name)
		err = os.Rename(src, dst)
		if os.IsNotExist(err) {
			// another consumer won it
			continue
		}
		if err != nil {
			return
		}
		var buf []byte
		buf, err = os.ReadFile(dst)
		if err != nil {
			return
		}
		job, err = decodeJob(string(buf))
		if err != nil {
			log.Errorf("moving unreadable %s to review: %v", name, err)
			err = os.Rename(dst, filepath.Join(q.sub(spoolReview), name))
			if err != nil {
				return
			}
			continue
		}
		job.ref = dst
		return job, 0, nil
	}
	return nil, 0, nil
}

func (q *SpoolQueue) Dequeue(ctx context.Context) (job *Job, err error) {
	poll := q.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var wait time.Duration
		job, wait, err = q.claim()
		if err != nil {
			return nil, errors.Wrap(err, "dequeue")
		}
		if job != nil {
			// someone else may find more
			q.signal()
			return
		}
		if wait <= 0 || wait > poll {
			wait = poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *SpoolQueue) Ack(ctx context.Context, job *Job) error {
	return os.Remove(job.ref)
}

func (q *SpoolQueue) Retry(ctx context.Context, job *Job, delay time.Duration) (err error) {
	job.NotBefore = time.Now().Add(delay)
	err = q.write(q.sub(spoolReady), job)
	if err != nil {
		return
	}
	return os.Remove(job.ref)
}

func (q *SpoolQueue) Review(ctx context.Context, job *Job) (err error) {
	err = q.write(q.sub(spoolReview), job)
	if err != nil {
		return
	}
	return os.Remove(job.ref)
}

// Recover moves jobs left in work/ by a dead worker back to ready/.
// Run it before starting a pool, never while one is running.
func (q *SpoolQueue) Recover(ctx context.Context) (n int, err error) {
	entries, err := os.ReadDir(q.sub(spoolWork))
	if err != nil {
		return
	}
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		src := filepath.Join(q.sub(spoolWork), ent.Name())
		err = os.Rename(src, filepath.Join(q.sub(spoolReady), ent.Name()))
		if err != nil {
			return
		}
		n++
	}
	return
}

// Pending counts jobs that are ready, delayed or being worked on.
func (q *SpoolQueue) Pending(ctx context.Context) (n int64, err error) {
	for _, sub := range []string{spoolReady, spoolWork} {
		var entries []os.DirEntry
		entries, err = os.ReadDir(q.sub(sub))
		if err != nil {
			return
		}
		for _, ent := range entries {
			if !strings.HasPrefix(ent.Name(), ".") {
				n++
			}
		}
	}
	return
}

// Reviewed lists the parked jobs in file name order.
func (q *SpoolQueue) Reviewed(ctx context.Context) (jobs []*Job, err error) {
	entries, err := os.ReadDir(q.sub(spoolReview))
	if err != nil {
		return
	}
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), ".") {
			continue
		}
		buf, rerr := os.ReadFile(filepath.Join(q.sub(spoolReview), ent.Name()))
		if rerr != nil {
			return nil, rerr
		}
		job, derr := decodeJob(string(buf))
		if derr != nil {
			log.Warnf("unreadable review entry %s: %v", ent.Name(), derr)
			continue
		}
		jobs = append(jobs, job)
	}
	return
}
