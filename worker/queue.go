// Package worker feeds sale events from a queue into the payout
// engine.
//
// A sale that fails with a retryable error goes back to the queue
// with its attempt count raised and a delay of Base * 2^attempt,
// capped at Max.  A sale that fails for any other reason, or that runs
// out of attempts, is parked on the review queue together with the
// error text.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/t7a/monoline/payout"
)

// ErrClosed is returned by Dequeue on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is one queued sale.
type Job struct {
	ID        string           `json:"id"`
	Sale      payout.SaleEvent `json:"sale"`
	Attempt   int              `json:"attempt"`
	NotBefore time.Time        `json:"notBefore,omitempty"`
	LastError string           `json:"lastError,omitempty"`

	// transport handle, e.g. the raw payload or the claimed file
	ref string
}

// NewJob wraps a sale event for queueing.
func NewJob(sale payout.SaleEvent) *Job {
	return &Job{ID: uuid.NewString(), Sale: sale}
}

func (job *Job) encode() (string, error) {
	buf, err := json.Marshal(job)
	return string(buf), err
}

func decodeJob(raw string) (job *Job, err error) {
	job = &Job{}
	err = json.Unmarshal([]byte(raw), job)
	if err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	job.ref = raw
	return
}

// Queue is the transport the pool consumes.  Dequeue blocks until a
// job is ready or ctx is done.  Every dequeued job must be finished
// with exactly one of Ack, Retry or Review.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Retry schedules job again after delay.  The caller has
	// already raised job.Attempt.
	Retry(ctx context.Context, job *Job, delay time.Duration) error
	// Review parks job for a human.  job.LastError says why.
	Review(ctx context.Context, job *Job) error
}

// Backoff computes retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff starts at one second and tops out at ten minutes.
var DefaultBackoff = Backoff{Base: time.Second, Max: 10 * time.Minute}

// Delay returns the wait before attempt number attempt, counting from
// zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
