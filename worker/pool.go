package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/payout"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultMaxAttempts is how often a sale is tried before it is parked.
const DefaultMaxAttempts = 10

// Distributor is the engine the pool drives.  *payout.Engine
// implements it.
type Distributor interface {
	Distribute(ctx context.Context, ev payout.SaleEvent) (*payout.Result, error)
}

// Stats counts how jobs were finished.
type Stats struct {
	Done     int64
	Retried  int64
	Reviewed int64
}

// Pool runs Workers goroutines that take jobs from Queue and hand them
// to Engine.  A non-nil Limiter paces the jobs taken across all
// workers.
type Pool struct {
	Queue       Queue
	Engine      Distributor
	Workers     int
	Limiter     *rate.Limiter
	Backoff     Backoff
	MaxAttempts int

	done     atomic.Int64
	retried  atomic.Int64
	reviewed atomic.Int64
}

// Stats returns the counters so far.
func (p *Pool) Stats() Stats {
	return Stats{Done: p.done.Load(), Retried: p.retried.Load(), Reviewed: p.reviewed.Load()}
}

// Run works until ctx is done or the queue fails.  Cancelling ctx is
// a clean stop and returns nil.
func (p *Pool) Run(ctx context.Context) error {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return p.work(gctx)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context) error {
	for {
		job, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "dequeue")
		}
		if p.Limiter != nil {
			err = p.Limiter.Wait(ctx)
			if err != nil {
				// put it back for whoever runs next
				rerr := p.Queue.Retry(context.Background(), job, 0)
				if rerr != nil {
					log.Warnf("requeue %s on shutdown: %v", job.ID, rerr)
				}
				return nil
			}
		}
		err = p.Handle(ctx, job)
		if err != nil {
			return err
		}
	}
}

// Handle runs one job and finishes it on the queue.  The returned
// error is a queue failure; sale failures are routed to Retry or
// Review.
func (p *Pool) Handle(ctx context.Context, job *Job) (err error) {
	logger := log.WithFields(log.Fields{"job": job.ID, "sale": job.Sale.SaleID, "attempt": job.Attempt})
	res, derr := p.Engine.Distribute(ctx, job.Sale)
	if derr == nil {
		logger.WithField("status", res.Status).Debug("job done")
		p.done.Add(1)
		return p.Queue.Ack(context.WithoutCancel(ctx), job)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	job.LastError = derr.Error()
	if payout.IsRetryable(derr) && job.Attempt+1 < maxAttempts {
		delay := p.Backoff.Delay(job.Attempt)
		job.Attempt++
		logger.Warnf("retrying in %v: %v", delay, derr)
		p.retried.Add(1)
		// the queue must record the retry even while shutting down
		return p.Queue.Retry(context.WithoutCancel(ctx), job, delay)
	}
	logger.Errorf("parked for review: %v", derr)
	p.reviewed.Add(1)
	return p.Queue.Review(context.WithoutCancel(ctx), job)
}

// Counter is a Queue that can count its unfinished jobs.
type Counter interface {
	Pending(ctx context.Context) (int64, error)
}

// Drain runs the pool until q has no unfinished jobs left, checking
// every poll.
func (p *Pool) Drain(ctx context.Context, q Counter, poll time.Duration) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case err = <-errc:
			return
		case <-ticker.C:
			n, perr := q.Pending(ctx)
			if perr != nil {
				cancel()
				<-errc
				return perr
			}
			if n == 0 {
				cancel()
				return <-errc
			}
		}
	}
}
