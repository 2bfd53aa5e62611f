package worker

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue, used by tests and by the CLI to
// run a batch of sales through the pool.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []*Job
	review   []*Job
	delayed  int
	inflight int
	wake     chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{wake: make(chan struct{}, 1)}
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	q.ready = append(q.ready, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight++
			more := len(q.ready) > 0
			q.mu.Unlock()
			if more {
				// let another waiter see the rest
				q.signal()
			}
			return job, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) done() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
}

func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error {
	q.done()
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	q.delayed++
	q.inflight--
	q.mu.Unlock()
	job.NotBefore = time.Now().Add(delay)
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.delayed--
		q.ready = append(q.ready, job)
		q.mu.Unlock()
		q.signal()
	})
	return nil
}

func (q *MemoryQueue) Review(ctx context.Context, job *Job) error {
	q.mu.Lock()
	q.review = append(q.review, job)
	q.inflight--
	q.mu.Unlock()
	return nil
}

// Idle reports whether no job is ready, delayed or being worked on.
func (q *MemoryQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) == 0 && q.delayed == 0 && q.inflight == 0
}

// Pending counts jobs that are ready, delayed or being worked on.
func (q *MemoryQueue) Pending(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + q.delayed + q.inflight), nil
}

// Reviewed returns the parked jobs.
func (q *MemoryQueue) Reviewed() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Job(nil), q.review...)
}
