package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/stevegt/goadapt"
)

func setupSpool(t *testing.T) *SpoolQueue {
	q, err := CreateSpool(t.TempDir())
	Ck(err)
	q.Poll = 50 * time.Millisecond
	t.Cleanup(func() { q.Close() })
	return q
}

func spoolCount(t *testing.T, q *SpoolQueue, sub string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(q.Dir, sub))
	tassert(t, err == nil, "%v", err)
	return len(entries)
}

func TestCreateSpool(t *testing.T) {
	q := setupSpool(t)
	_, err := CreateSpool(q.Dir)
	_, ok := err.(*SpoolExistsError)
	tassert(t, ok, "expected SpoolExistsError, got %v", err)

	_, err = OpenSpool(t.TempDir())
	tassert(t, err != nil, "opened an empty directory")
}

func TestSpoolQueue(t *testing.T) {
	ctx := context.Background()
	q := setupSpool(t)

	err := q.Enqueue(ctx, NewJob(testSale("a")))
	tassert(t, err == nil, "%v", err)
	tassert(t, spoolCount(t, q, spoolReady) == 1, "ready %d", spoolCount(t, q, spoolReady))

	job, err := q.Dequeue(ctx)
	tassert(t, err == nil && job.Sale.SaleID == "a", "job %v err %v", job, err)
	tassert(t, spoolCount(t, q, spoolWork) == 1, "work %d", spoolCount(t, q, spoolWork))

	job.Attempt++
	err = q.Retry(ctx, job, 100*time.Millisecond)
	tassert(t, err == nil, "%v", err)
	tassert(t, spoolCount(t, q, spoolWork) == 0, "work %d", spoolCount(t, q, spoolWork))

	job, wait, err := q.claim()
	tassert(t, err == nil && job == nil && wait > 0, "claimed early: %v %v %v", job, wait, err)

	job, err = q.Dequeue(ctx)
	tassert(t, err == nil && job.Attempt == 1, "job %v err %v", job, err)
	tassert(t, !time.Now().Before(job.NotBefore), "job came back early")

	job.LastError = "terminal"
	err = q.Review(ctx, job)
	tassert(t, err == nil, "%v", err)
	parked, err := q.Reviewed(ctx)
	tassert(t, err == nil && len(parked) == 1 && parked[0].LastError == "terminal", "parked %v err %v", parked, err)
	tassert(t, spoolCount(t, q, spoolWork) == 0, "work %d", spoolCount(t, q, spoolWork))
	tassert(t, spoolCount(t, q, spoolReady) == 0, "ready %d", spoolCount(t, q, spoolReady))
}

func TestSpoolWakeup(t *testing.T) {
	q := setupSpool(t)
	// long poll so only the watcher can wake us in time
	q.Poll = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan *Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		Ck(err)
		got <- job
	}()
	time.Sleep(50 * time.Millisecond)

	// a second process writing into the same spool
	other, err := OpenSpool(q.Dir)
	tassert(t, err == nil, "%v", err)
	defer other.Close()
	err = other.Enqueue(ctx, NewJob(testSale("late")))
	tassert(t, err == nil, "%v", err)

	select {
	case job := <-got:
		tassert(t, job.Sale.SaleID == "late", "job %#v", job)
	case <-ctx.Done():
		t.Fatal("watcher never woke the consumer")
	}
}

func TestSpoolClaimRace(t *testing.T) {
	ctx := context.Background()
	q := setupSpool(t)
	const n = 20
	for i := 0; i < n; i++ {
		err := q.Enqueue(ctx, NewJob(testSale(string(rune('a'+i)))))
		tassert(t, err == nil, "%v", err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, _, err := q.claim()
				Ck(err)
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.Sale.SaleID]++
				mu.Unlock()
				Ck(q.Ack(ctx, job))
			}
		}()
	}
	wg.Wait()
	tassert(t, len(seen) == n, "saw %d jobs", len(seen))
	for id, count := range seen {
		tassert(t, count == 1, "%s claimed %d times", id, count)
	}
}

func TestSpoolRecover(t *testing.T) {
	ctx := context.Background()
	q := setupSpool(t)
	err := q.Enqueue(ctx, NewJob(testSale("a")))
	tassert(t, err == nil, "%v", err)
	_, err = q.Dequeue(ctx)
	tassert(t, err == nil, "%v", err)

	n, err := q.Recover(ctx)
	tassert(t, err == nil && n == 1, "recovered %d err %v", n, err)
	job, err := q.Dequeue(ctx)
	tassert(t, err == nil && job.Sale.SaleID == "a", "job %v err %v", job, err)
}
