package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/monoline/config"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/export"
	"github.com/t7a/monoline/index"
	"github.com/t7a/monoline/ledger"
	"github.com/t7a/monoline/payout"
	"github.com/t7a/monoline/registry"
	"github.com/t7a/monoline/report"
)

const usage = `mlm

Usage:
  mlm init [options] [--buckets=<n>]
  mlm register [options] --email=<email> --phone=<phone> [--id=<id>] [--sponsor=<id>] [--code=<code>] [--referral=<code>] [--member-id=<mid>]
  mlm deactivate [options] <id>
  mlm show [options] <id>
  mlm lookup [options] <namespace> <key>
  mlm distribute [options] <saleid> <buyer> <amount>
  mlm fund [options]
  mlm ledger [options] [--sale=<saleid> | --wallet=<id>]
  mlm reconcile [options] [--prune]
  mlm export [options] [-o <filename>]
  mlm import [options] <filename>
  mlm report sync [options]
  mlm report earnings [options] <id> [--from=<date>] [--to=<date>]
  mlm report top [options] [--limit=<n>]

Options:
  -h --help        Show this screen.
  --version        Show version.
  --store=<dir>    Store directory, overrides STORE_DIR.
  --dsn=<dsn>      Reporting database, overrides REPORT_DSN.
`

type Opts struct {
	Init       bool
	Register   bool
	Deactivate bool
	Show       bool
	Lookup     bool
	Distribute bool
	Fund       bool
	Ledger     bool
	Reconcile  bool
	Export     bool
	Import     bool
	Report     bool
	Sync       bool
	Earnings   bool
	Top        bool

	Store    string `docopt:"--store"`
	Dsn      string `docopt:"--dsn"`
	Buckets  string `docopt:"--buckets"`
	Email    string `docopt:"--email"`
	Phone    string `docopt:"--phone"`
	ID       string `docopt:"<id>"`
	IDOpt    string `docopt:"--id"`
	Sponsor  string `docopt:"--sponsor"`
	Code     string `docopt:"--code"`
	Referral string `docopt:"--referral"`
	MemberID string `docopt:"--member-id"`
	Ns       string `docopt:"<namespace>"`
	Key      string `docopt:"<key>"`
	SaleID   string `docopt:"<saleid>"`
	Buyer    string `docopt:"<buyer>"`
	Amount   string `docopt:"<amount>"`
	Sale     string `docopt:"--sale"`
	Wallet   string `docopt:"--wallet"`
	Prune    bool   `docopt:"--prune"`
	Out      bool   `docopt:"-o"`
	Filename string `docopt:"<filename>"`
	From     string `docopt:"--from"`
	To       string `docopt:"--to"`
	Limit    string `docopt:"--limit"`
}

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

// env is what every subcommand works against.
type env struct {
	cfg    *config.Config
	opts   Opts
	store  *db.Db
	ledger *ledger.Ledger
	index  *index.Manager
	out    io.Writer
}

func Run() (rc int, msg string) {
	defer Halt(&rc, &msg)
	config.SetupLogging(log.WarnLevel)

	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.0")
	var opts Opts
	err := o.Bind(&opts)
	Ck(err)
	log.Debug(opts)

	cfg, err := config.LoadConfig()
	if err != nil {
		return 22, fmt.Sprintf("mlm: %v", err)
	}
	if opts.Store != "" {
		cfg.StoreDir = opts.Store
	}
	if opts.Dsn != "" {
		cfg.ReportDSN = opts.Dsn
	}
	e := &env{cfg: cfg, opts: opts, out: os.Stdout}

	if opts.Init {
		err = e.create()
	} else {
		err = e.open()
		if err == nil {
			err = e.dispatch(context.Background())
		}
	}
	if err != nil {
		return 1, fmt.Sprintf("mlm: %v", err)
	}
	return
}

func (e *env) create() (err error) {
	buckets := db.DefaultBuckets
	if e.opts.Buckets != "" {
		buckets, err = strconv.Atoi(e.opts.Buckets)
		if err != nil {
			return
		}
	}
	store, err := db.Db{Dir: e.cfg.StoreDir, Buckets: buckets}.Create()
	if err != nil {
		return
	}
	fmt.Fprintf(e.out, "Initialized empty store in %s\n", store.Dir)
	return
}

func (e *env) open() (err error) {
	e.store, err = db.Open(e.cfg.StoreDir)
	if err != nil {
		return
	}
	e.ledger, err = ledger.Open(e.store, e.cfg.NodeID)
	if err != nil {
		return
	}
	e.index = index.New(e.store)
	return
}

func (e *env) dispatch(ctx context.Context) (err error) {
	opts := e.opts
	switch true {
	case opts.Register:
		return e.register(ctx)
	case opts.Deactivate:
		return e.deactivate(ctx)
	case opts.Show:
		return e.show(ctx)
	case opts.Lookup:
		return e.lookup(ctx)
	case opts.Distribute:
		return e.distribute(ctx)
	case opts.Fund:
		return e.fund(ctx)
	case opts.Ledger:
		return e.ledgerCmd(ctx)
	case opts.Reconcile:
		return e.reconcile(ctx)
	case opts.Export:
		return e.export(ctx)
	case opts.Import:
		return e.importCmd(ctx)
	case opts.Report:
		return e.report(ctx)
	}
	Assert(false, "unhandled command")
	return
}

func (e *env) registry() *registry.Registry {
	return registry.New(e.store, e.index, e.ledger)
}

func (e *env) register(ctx context.Context) (err error) {
	m, err := e.registry().Register(ctx, registry.Registration{
		ID:           e.opts.IDOpt,
		Email:        e.opts.Email,
		Phone:        e.opts.Phone,
		SponsorID:    e.opts.Sponsor,
		SponsorCode:  e.opts.Code,
		ReferralCode: e.opts.Referral,
		MemberID:     e.opts.MemberID,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(e.out, "registered %s referral %s member %s\n", m.ID, m.ReferralCode, m.MemberID)
	return
}

func (e *env) deactivate(ctx context.Context) (err error) {
	m, err := e.registry().Deactivate(ctx, e.opts.ID)
	if err != nil {
		return
	}
	fmt.Fprintf(e.out, "%s active %v\n", m.ID, m.Active)
	return
}

func (e *env) show(ctx context.Context) (err error) {
	m, err := e.store.Get(ctx, e.opts.ID)
	if err != nil {
		return
	}
	w := e.out
	fmt.Fprintf(w, "id: %s\n", m.ID)
	sponsor := m.SponsorID
	if sponsor == "" {
		sponsor = "(none)"
	}
	fmt.Fprintf(w, "sponsor: %s\n", sponsor)
	fmt.Fprintf(w, "email: %s\n", m.Email)
	fmt.Fprintf(w, "phone: %s\n", m.Phone)
	fmt.Fprintf(w, "referralCode: %s\n", m.ReferralCode)
	fmt.Fprintf(w, "memberId: %s\n", m.MemberID)
	fmt.Fprintf(w, "active: %v\n", m.Active)
	fmt.Fprintf(w, "balance: %s\n", m.Wallet.Balance.StringFixed(2))
	fmt.Fprintf(w, "totalEarnings: %s\n", m.Wallet.TotalEarnings.StringFixed(2))
	fmt.Fprintf(w, "pending: %d\n", len(m.Wallet.Pending))
	return
}

func (e *env) lookup(ctx context.Context) (err error) {
	ns := index.Namespace(e.opts.Ns)
	id, found, err := e.index.Lookup(ctx, ns, e.opts.Key)
	if err != nil {
		return
	}
	if !found {
		return errors.Wrapf(db.ErrNotFound, "%s %q", ns, e.opts.Key)
	}
	fmt.Fprintln(e.out, id)
	return
}

func (e *env) engine() *payout.Engine {
	return &payout.Engine{
		Members:     e.store,
		Ledger:      e.ledger,
		Schedule:    e.cfg.Schedule,
		LevelCap:    e.cfg.LevelCap,
		MaxAttempts: e.cfg.MaxAttempts,
		OpTimeout:   e.cfg.OpTimeout,
	}
}

func (e *env) distribute(ctx context.Context) (err error) {
	amount, err := decimal.NewFromString(e.opts.Amount)
	if err != nil {
		return errors.Wrapf(payout.ErrInvalidEvent, "amount %q", e.opts.Amount)
	}
	res, err := e.engine().Distribute(ctx, payout.SaleEvent{
		SaleID:  e.opts.SaleID,
		BuyerID: e.opts.Buyer,
		Amount:  amount,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(e.out, "sale %s %s: distributed %s company %s levels %d\n",
		res.SaleID, res.Status, res.DistributedTotal.StringFixed(2), res.CompanyShare.StringFixed(2), res.LevelsWritten)
	for _, p := range res.Payouts {
		fmt.Fprintf(e.out, "  level %d %s %s\n", p.Level, p.RecipientID, p.Amount.StringFixed(2))
	}
	return
}

func (e *env) fund(ctx context.Context) (err error) {
	f, err := e.store.GetFund(ctx)
	if err != nil {
		return
	}
	fmt.Fprintf(e.out, "total %s\n", f.TotalAmount.StringFixed(2))
	for _, tx := range f.Transactions {
		fmt.Fprintf(e.out, "  %s %s\n", tx.SaleID, tx.Amount.StringFixed(2))
	}
	return
}

func (e *env) ledgerCmd(ctx context.Context) (err error) {
	switch {
	case e.opts.Sale != "":
		var recs []*ledger.CommissionRecord
		recs, err = e.ledger.Commissions(ctx, e.opts.Sale)
		if err != nil {
			return
		}
		for _, rec := range recs {
			fmt.Fprintf(e.out, "level %d %s %s\n", rec.Level, rec.RecipientID, rec.Amount.StringFixed(2))
		}
	case e.opts.Wallet != "":
		var txs []*ledger.WalletTransaction
		txs, err = e.ledger.WalletTxs(ctx, e.opts.Wallet)
		if err != nil {
			return
		}
		for _, tx := range txs {
			fmt.Fprintf(e.out, "%s %s %s\n", tx.Type, tx.Amount.StringFixed(2), tx.Description)
		}
	default:
		err = e.ledger.Scan(ctx, func(ent *ledger.Entry) error {
			switch ent.Kind {
			case ledger.KindCommission:
				c := ent.Commission
				fmt.Fprintf(e.out, "%s %s level %d %s %s\n", ent.Kind, c.SaleID, c.Level, c.RecipientID, c.Amount.StringFixed(2))
			case ledger.KindWallet:
				tx := ent.Wallet
				fmt.Fprintf(e.out, "%s %s level %d %s %s\n", ent.Kind, tx.SaleID, tx.Level, tx.UserID, tx.Amount.StringFixed(2))
			case ledger.KindFund:
				tx := ent.Fund
				fmt.Fprintf(e.out, "%s %s %s\n", ent.Kind, tx.SaleID, tx.Amount.StringFixed(2))
			case ledger.KindSale:
				s := ent.Sale
				fmt.Fprintf(e.out, "%s %s buyer %s distributed %s company %s\n", ent.Kind, s.SaleID, s.BuyerID,
					s.DistributedTotal.StringFixed(2), s.CompanyShare.StringFixed(2))
			}
			return nil
		})
	}
	return
}

func (e *env) reconcile(ctx context.Context) (err error) {
	rep, err := e.registry().Reconcile(ctx, registry.ReconcileOptions{Prune: e.opts.Prune})
	if err != nil {
		return
	}
	fmt.Fprintf(e.out, "members %d rebuilt %d pruned %d pending settled %d open %d\n",
		rep.Members, rep.Rebuilt, rep.Pruned, rep.PendingSettled, rep.PendingOpen)
	for _, c := range rep.Conflicts {
		fmt.Fprintf(e.out, "conflict %s %q: %s is bound to %s\n", c.Namespace, c.Key, c.MemberID, c.BoundTo)
	}
	for _, d := range rep.Dangling {
		fmt.Fprintf(e.out, "dangling %s %q -> %s\n", d.Namespace, d.Key, d.MemberID)
	}
	for _, d := range rep.WalletDrift {
		fmt.Fprintf(e.out, "drift %s balance %s ledger %s\n", d.MemberID, d.Balance.StringFixed(2), d.Ledger.StringFixed(2))
	}
	if rep.Clean() {
		fmt.Fprintln(e.out, "clean")
	}
	return
}

func (e *env) export(ctx context.Context) (err error) {
	defer Return(&err)
	w := e.out
	if e.opts.Out {
		fh, err := os.Create(e.opts.Filename)
		Ck(err)
		defer fh.Close()
		w = fh
	}
	err = export.Write(ctx, w, e.store, e.ledger)
	Ck(err)
	return
}

func (e *env) importCmd(ctx context.Context) (err error) {
	fh, err := os.Open(e.opts.Filename)
	if err != nil {
		return
	}
	defer fh.Close()
	snap, err := export.Read(fh)
	if err != nil {
		return
	}
	rep, err := export.Import(ctx, snap, e.store, e.index, e.ledger)
	if err != nil {
		return
	}
	fmt.Fprintf(e.out, "members %d dropped %d\n", rep.Members, rep.MembersDropped)
	fmt.Fprintf(e.out, "commissions %d dropped %d\n", rep.Commissions, rep.CommissionsDropped)
	fmt.Fprintf(e.out, "walletTransactions %d dropped %d\n", rep.WalletTxs, rep.WalletTxsDropped)
	fmt.Fprintf(e.out, "fundTransactions %d\n", rep.FundTxs)
	return
}

// parseDate accepts a date or an RFC 3339 time.  Empty is the zero
// time.
func parseDate(s string) (t time.Time, err error) {
	if s == "" {
		return
	}
	if strings.Contains(s, "T") {
		return time.Parse(time.RFC3339, s)
	}
	return time.Parse("2006-01-02", s)
}

func (e *env) report(ctx context.Context) (err error) {
	r, err := report.Open(e.cfg.ReportDSN)
	if err != nil {
		return
	}
	defer r.Close()

	switch {
	case e.opts.Sync:
		var added int64
		added, err = r.Sync(ctx, e.ledger)
		if err != nil {
			return
		}
		fmt.Fprintf(e.out, "synced %d rows\n", added)
	case e.opts.Earnings:
		var from, to time.Time
		from, err = parseDate(e.opts.From)
		if err != nil {
			return
		}
		to, err = parseDate(e.opts.To)
		if err != nil {
			return
		}
		var total decimal.Decimal
		var rows []report.CommissionRow
		total, rows, err = r.Earnings(ctx, e.opts.ID, from, to)
		if err != nil {
			return
		}
		for _, row := range rows {
			fmt.Fprintf(e.out, "%s level %d %s\n", row.SaleID, row.Level, row.Amount.StringFixed(2))
		}
		fmt.Fprintf(e.out, "total %s\n", total.StringFixed(2))
	case e.opts.Top:
		limit := 10
		if e.opts.Limit != "" {
			limit, err = strconv.Atoi(e.opts.Limit)
			if err != nil {
				return
			}
		}
		var earners []report.Earner
		earners, err = r.TopEarners(ctx, limit)
		if err != nil {
			return
		}
		for _, earner := range earners {
			fmt.Fprintf(e.out, "%s %s\n", earner.RecipientID, earner.Total.StringFixed(2))
		}
	}
	return
}
