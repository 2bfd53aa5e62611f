package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/monoline/config"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/ledger"
	"github.com/t7a/monoline/payout"
	"github.com/t7a/monoline/worker"
	"golang.org/x/time/rate"
)

const usage = `mlmd

Usage:
  mlmd serve [options] [--drain]
  mlmd enqueue [options] <saleid> <buyer> <amount>
  mlmd review [options]
  mlmd spool init [options]

Options:
  -h --help          Show this screen.
  --version          Show version.
  --store=<dir>      Store directory, overrides STORE_DIR.
  --redis=<addr>     Redis address, overrides REDIS_ADDR.
  --spool=<dir>      Spool directory, overrides SPOOL_DIR.
  --workers=<n>      Worker goroutines, overrides WORKERS.
`

type Opts struct {
	Serve   bool
	Enqueue bool
	Review  bool
	Spool   bool
	Init    bool

	Drain    bool   `docopt:"--drain"`
	Store    string `docopt:"--store"`
	Redis    string `docopt:"--redis"`
	SpoolDir string `docopt:"--spool"`
	Workers  string `docopt:"--workers"`
	SaleID   string `docopt:"<saleid>"`
	Buyer    string `docopt:"<buyer>"`
	Amount   string `docopt:"<amount>"`
}

// drainPoll is how often serve --drain looks for leftover jobs.
const drainPoll = 50 * time.Millisecond

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() int {
	rc, msg := Run()
	if len(msg) > 0 {
		fmt.Fprintln(os.Stderr, msg)
	}
	return rc
}

// queue is what serve needs from a transport.
type queue interface {
	worker.Queue
	worker.Counter
	Recover(ctx context.Context) (int, error)
	Reviewed(ctx context.Context) ([]*worker.Job, error)
}

func Run() (rc int, msg string) {
	defer Halt(&rc, &msg)
	config.SetupLogging(log.InfoLevel)

	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	Ck(err)
	log.Debug(opts)

	cfg, err := config.LoadConfig()
	if err != nil {
		return 22, fmt.Sprintf("mlmd: %v", err)
	}
	if opts.Store != "" {
		cfg.StoreDir = opts.Store
	}
	if opts.Redis != "" {
		cfg.RedisAddr = opts.Redis
	}
	if opts.SpoolDir != "" {
		cfg.SpoolDir = opts.SpoolDir
	}
	if opts.Workers != "" {
		cfg.Workers, err = strconv.Atoi(opts.Workers)
		if err != nil {
			return 22, fmt.Sprintf("mlmd: workers: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch true {
	case opts.Spool && opts.Init:
		err = spoolInit(cfg)
	case opts.Enqueue:
		err = enqueue(ctx, cfg, opts)
	case opts.Review:
		err = review(ctx, cfg)
	case opts.Serve:
		// stop taking jobs on SIGINT or SIGTERM
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		go func() {
			select {
			case s := <-sig:
				log.Infof("%v: shutting down", s)
				cancel()
			case <-ctx.Done():
			}
		}()
		err = serve(ctx, cfg, opts.Drain)
	}
	if err != nil {
		return 1, fmt.Sprintf("mlmd: %v", err)
	}
	return
}

func spoolInit(cfg *config.Config) (err error) {
	if cfg.SpoolDir == "" {
		return errors.New("no spool directory given")
	}
	q, err := worker.CreateSpool(cfg.SpoolDir)
	if err != nil {
		return
	}
	defer q.Close()
	fmt.Printf("Initialized spool in %s\n", q.Dir)
	return
}

// openQueue picks Redis when an address is configured and the spool
// otherwise.
func openQueue(ctx context.Context, cfg *config.Config) (q queue, closer func(), err error) {
	switch {
	case cfg.RedisAddr != "":
		rdb, err := worker.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return worker.NewRedisQueue(rdb, cfg.QueuePrefix), func() { rdb.Close() }, nil
	case cfg.SpoolDir != "":
		sq, err := worker.OpenSpool(cfg.SpoolDir)
		if err != nil {
			return nil, nil, err
		}
		return sq, func() { sq.Close() }, nil
	}
	return nil, nil, errors.New("no queue configured: set REDIS_ADDR or SPOOL_DIR")
}

func enqueue(ctx context.Context, cfg *config.Config, opts Opts) (err error) {
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return errors.Wrapf(payout.ErrInvalidEvent, "amount %q", opts.Amount)
	}
	ev := payout.SaleEvent{SaleID: opts.SaleID, BuyerID: opts.Buyer, Amount: amount}
	err = ev.Validate()
	if err != nil {
		return
	}
	q, closer, err := openQueue(ctx, cfg)
	if err != nil {
		return
	}
	defer closer()
	err = q.Enqueue(ctx, worker.NewJob(ev))
	if err != nil {
		return
	}
	fmt.Printf("queued %s\n", ev.SaleID)
	return
}

func review(ctx context.Context, cfg *config.Config) (err error) {
	q, closer, err := openQueue(ctx, cfg)
	if err != nil {
		return
	}
	defer closer()
	jobs, err := q.Reviewed(ctx)
	if err != nil {
		return
	}
	for _, job := range jobs {
		fmt.Printf("%s %s %s attempt %d: %s\n", job.Sale.SaleID, job.Sale.BuyerID, job.Sale.Amount, job.Attempt, job.LastError)
	}
	return
}

func serve(ctx context.Context, cfg *config.Config, drain bool) (err error) {
	store, err := db.Open(cfg.StoreDir)
	if err != nil {
		return
	}
	l, err := ledger.Open(store, cfg.NodeID)
	if err != nil {
		return
	}
	q, closer, err := openQueue(ctx, cfg)
	if err != nil {
		return
	}
	defer closer()

	n, err := q.Recover(ctx)
	if err != nil {
		return
	}
	if n > 0 {
		log.Infof("requeued %d unfinished jobs", n)
	}

	pool := &worker.Pool{
		Queue: q,
		Engine: &payout.Engine{
			Members:     store,
			Ledger:      l,
			Schedule:    cfg.Schedule,
			LevelCap:    cfg.LevelCap,
			MaxAttempts: cfg.MaxAttempts,
			OpTimeout:   cfg.OpTimeout,
		},
		Workers: cfg.Workers,
		Backoff: worker.DefaultBackoff,
	}
	if cfg.RateLimit > 0 {
		pool.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	log.WithFields(log.Fields{"workers": cfg.Workers, "store": store.Dir}).Info("serving")

	if drain {
		err = pool.Drain(ctx, q, drainPoll)
	} else {
		err = pool.Run(ctx)
	}
	if err != nil {
		return
	}
	stats := pool.Stats()
	fmt.Printf("done %d retried %d reviewed %d\n", stats.Done, stats.Retried, stats.Reviewed)
	return
}
