package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/ledger"
	"github.com/t7a/monoline/payout"
	"golang.org/x/time/rate"
)

// scripted fails each sale with the listed errors, in order, before
// letting it through.
type scripted struct {
	mu    sync.Mutex
	fails map[string][]error
	calls map[string]int
}

func (s *scripted) Distribute(ctx context.Context, ev payout.SaleEvent) (*payout.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	n := s.calls[ev.SaleID]
	s.calls[ev.SaleID]++
	if n < len(s.fails[ev.SaleID]) {
		return nil, s.fails[ev.SaleID][n]
	}
	return &payout.Result{Status: payout.StatusDone, SaleID: ev.SaleID}, nil
}

func (s *scripted) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// drain runs p until q has nothing left to do.
func drain(t *testing.T, p *Pool, q *MemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.Drain(ctx, q, 5*time.Millisecond)
	tassert(t, err == nil, "%v", err)
	tassert(t, q.Idle(), "queue never drained")
}

func enqueue(t *testing.T, q Queue, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := q.Enqueue(context.Background(), NewJob(testSale(id)))
		tassert(t, err == nil, "%v", err)
	}
}

func TestPoolRetries(t *testing.T) {
	retryable := &payout.RetryableError{SaleID: "flaky", State: payout.StateDistributing, Level: 2, Err: payout.ErrContention}
	eng := &scripted{fails: map[string][]error{
		"flaky":  {retryable, retryable},
		"broken": {errors.Wrap(payout.ErrCycleDetected, "b")},
		"stuck":  {retryable, retryable, retryable, retryable},
	}}
	q := NewMemoryQueue()
	p := &Pool{Queue: q, Engine: eng, Workers: 3, Backoff: Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}, MaxAttempts: 3}
	enqueue(t, q, "ok", "flaky", "broken", "stuck")
	drain(t, p, q)

	tassert(t, eng.count("ok") == 1, "ok ran %d times", eng.count("ok"))
	tassert(t, eng.count("flaky") == 3, "flaky ran %d times", eng.count("flaky"))
	tassert(t, eng.count("broken") == 1, "terminal error was retried %d times", eng.count("broken"))
	tassert(t, eng.count("stuck") == 3, "stuck ran %d times", eng.count("stuck"))

	parked := map[string]*Job{}
	for _, job := range q.Reviewed() {
		parked[job.Sale.SaleID] = job
	}
	tassert(t, len(parked) == 2, "parked %v", parked)
	tassert(t, parked["broken"] != nil && parked["broken"].Attempt == 0, "broken %#v", parked["broken"])
	tassert(t, parked["stuck"] != nil && parked["stuck"].Attempt == 2, "stuck %#v", parked["stuck"])
	tassert(t, parked["stuck"].LastError != "", "no error text kept")

	stats := p.Stats()
	tassert(t, stats == Stats{Done: 2, Retried: 4, Reviewed: 2}, "stats %#v", stats)
}

func TestPoolRateLimit(t *testing.T) {
	eng := &scripted{}
	q := NewMemoryQueue()
	// one token up front, then one every 20ms
	p := &Pool{Queue: q, Engine: eng, Workers: 4, Limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 1)}
	enqueue(t, q, "a", "b", "c", "d", "e")
	start := time.Now()
	drain(t, p, q)
	tassert(t, time.Since(start) >= 70*time.Millisecond, "limiter ignored: %v", time.Since(start))
	tassert(t, p.Stats().Done == 5, "stats %#v", p.Stats())
}

// TestPoolEngine runs real sales through the engine, each sale
// queued twice.
func TestPoolEngine(t *testing.T) {
	store, err := db.Db{Dir: t.TempDir(), Buckets: 16}.Create()
	Ck(err)
	l, err := ledger.Open(store, 1)
	Ck(err)
	ctx := context.Background()
	for _, m := range []*db.Member{
		{ID: "s2", Active: true},
		{ID: "s1", SponsorID: "s2", Active: true},
		{ID: "b", SponsorID: "s1", Active: true},
	} {
		err = store.PutWithVersion(ctx, m.ID, m, 0)
		Ck(err)
	}
	eng := &payout.Engine{Members: store, Ledger: l}

	q := NewMemoryQueue()
	p := &Pool{Queue: q, Engine: eng, Workers: 4}
	enqueue(t, q, "x1", "x2", "x3", "x1", "x2", "x3")
	drain(t, p, q)

	tassert(t, len(q.Reviewed()) == 0, "parked %v", q.Reviewed())
	m, err := store.Get(ctx, "s1")
	tassert(t, err == nil, "%v", err)
	tassert(t, m.Wallet.Balance.Equal(decimal.RequireFromString("30")), "s1 balance %s", m.Wallet.Balance)
	m, err = store.Get(ctx, "s2")
	tassert(t, err == nil, "%v", err)
	tassert(t, m.Wallet.Balance.Equal(decimal.RequireFromString("15")), "s2 balance %s", m.Wallet.Balance)
	fund, err := store.GetFund(ctx)
	tassert(t, err == nil, "%v", err)
	tassert(t, fund.TotalAmount.Equal(decimal.RequireFromString("255")), "fund %s", fund.TotalAmount)
}

func TestPoolSpool(t *testing.T) {
	q := setupSpool(t)
	eng := &scripted{fails: map[string][]error{"bad": {payout.ErrInvalidEvent}}}
	p := &Pool{Queue: q, Engine: eng, Workers: 2}
	enqueue(t, q, "a", "bad")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.Drain(ctx, q, 5*time.Millisecond)
	tassert(t, err == nil, "%v", err)
	tassert(t, p.Stats().Done == 1, "stats %#v", p.Stats())

	parked, err := q.Reviewed(context.Background())
	tassert(t, err == nil && len(parked) == 1 && parked[0].Sale.SaleID == "bad", "parked %v err %v", parked, err)
}

func TestPoolRedis(t *testing.T) {
	_, q := setupRedis(t)
	retryable := &payout.RetryableError{SaleID: "flaky", Err: errors.New("disk unavailable")}
	eng := &scripted{fails: map[string][]error{"flaky": {retryable}}}
	p := &Pool{Queue: q, Engine: eng, Workers: 2, Backoff: Backoff{Base: 10 * time.Millisecond, Max: time.Second}}
	enqueue(t, q, "a", "flaky")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := p.Drain(ctx, q, 10*time.Millisecond)
	tassert(t, err == nil, "%v", err)
	tassert(t, p.Stats() == Stats{Done: 2, Retried: 1}, "stats %#v", p.Stats())
	n, err := q.Pending(context.Background())
	tassert(t, err == nil && n == 0, "pending %d err %v", n, err)
}
