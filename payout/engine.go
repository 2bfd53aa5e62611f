// Package payout turns a sale event into commission payouts up the
// buyer's sponsor chain.
//
// A sale moves through New, Resolving, Distributing (one level at a
// time, in increasing order), Residual and Done.  Every wallet credit
// is committed with optimistic concurrency and remembered in the
// member's pending set until its ledger records exist, so a sale that
// fails part way can be run again and resumes at the first level that
// has no commission record, without paying any level twice.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/ledger"
)

// State is a step of a sale's distribution.
type State string

const (
	StateNew                State = "new"
	StateResolving          State = "resolving"
	StateDistributing       State = "distributing"
	StateResidual           State = "residual"
	StateDone               State = "done"
	StateFailedRetryable    State = "failed-retryable"
	StateCycleDetected      State = "cycle-detected"
	StateInvariantViolation State = "invariant-violation"
)

// Status is the outcome reported in a Result.
type Status string

const (
	StatusDone             Status = "done"
	StatusAlreadyProcessed Status = "already-processed"
)

// defaults
const (
	DefaultLevelCap    = 10
	DefaultMaxAttempts = 8
	DefaultOpTimeout   = 5 * time.Second
)

// MemberStore is the member and fund storage the engine writes
// through.  *db.Db implements it.
type MemberStore interface {
	Get(ctx context.Context, id string) (*db.Member, error)
	PutWithVersion(ctx context.Context, id string, m *db.Member, expected uint64) error
	GetFund(ctx context.Context) (*db.Fund, error)
	PutFundWithVersion(ctx context.Context, f *db.Fund, expected uint64) error
}

// Ledger is the record store the engine appends to.  *ledger.Ledger
// implements it.
type Ledger interface {
	ExistsForSaleLevel(ctx context.Context, saleID string, level int) (bool, error)
	Commission(ctx context.Context, saleID string, level int) (*ledger.CommissionRecord, bool, error)
	AppendCommission(ctx context.Context, rec *ledger.CommissionRecord) error
	AppendWalletTx(ctx context.Context, tx *ledger.WalletTransaction) error
	AppendFundTx(ctx context.Context, tx *ledger.FundTransaction) error
	FundTx(ctx context.Context, saleID string) (*ledger.FundTransaction, bool, error)
	Done(ctx context.Context, saleID string) (*ledger.SaleMarker, bool, error)
	MarkDone(ctx context.Context, marker *ledger.SaleMarker) error
}

// SaleEvent asks for one sale to be distributed.  SaleID is the
// idempotency key.
type SaleEvent struct {
	SaleID  string          `json:"saleId" validate:"required,max=200"`
	BuyerID string          `json:"buyerId" validate:"required,max=200"`
	Amount  decimal.Decimal `json:"amount"`
}

var validate = validator.New()

// Validate checks that both ids are set and the amount is positive.
func (ev SaleEvent) Validate() error {
	err := validate.Struct(ev)
	if err != nil {
		return errors.Wrapf(ErrInvalidEvent, "%v", err)
	}
	if !ev.Amount.IsPositive() {
		return errors.Wrapf(ErrInvalidEvent, "amount must be positive: %s", ev.Amount)
	}
	return nil
}

// Payout is the outcome of one level.
type Payout struct {
	Level       int             `json:"level"`
	RecipientID string          `json:"recipientId"`
	Amount      decimal.Decimal `json:"amount"`
	// Written is true if this call appended the level's commission
	// record, false if an earlier call had.
	Written bool `json:"written"`
}

// Result summarizes a distribution.
type Result struct {
	Status           Status          `json:"status"`
	SaleID           string          `json:"saleId"`
	DistributedTotal decimal.Decimal `json:"distributedTotal"`
	CompanyShare     decimal.Decimal `json:"companyShare"`
	LevelsWritten    int             `json:"levelsWritten"`
	Payouts          []Payout        `json:"payouts,omitempty"`
}

// Engine distributes sales.  The zero values of LevelCap, MaxAttempts,
// OpTimeout and Clock select the defaults; a nil Schedule selects
// DefaultSchedule.
type Engine struct {
	Members  MemberStore
	Ledger   Ledger
	Schedule Schedule
	// LevelCap bounds the sponsor chain walk.
	LevelCap int
	// MaxAttempts bounds the optimistic retries of one wallet or fund
	// update.
	MaxAttempts int
	// OpTimeout bounds each storage call.
	OpTimeout time.Duration
	// SkipInactive leaves the share of a deactivated recipient with
	// the company.  By default every resolved level is paid.
	SkipInactive bool
	Clock        func() time.Time
}

func (e *Engine) schedule() Schedule {
	if e.Schedule == nil {
		return DefaultSchedule
	}
	return e.Schedule
}

func (e *Engine) levelCap() int {
	if e.LevelCap <= 0 {
		return DefaultLevelCap
	}
	return e.LevelCap
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return e.MaxAttempts
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock()
}

// op runs one storage call under its own timeout.
func (e *Engine) op(ctx context.Context, fn func(ctx context.Context) error) error {
	timeout := e.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// sale carries the working state of one Distribute call.
type sale struct {
	ev     SaleEvent
	state  State
	level  int
	logger *log.Entry
}

func (s *sale) enter(state State, level int) {
	s.state = state
	s.level = level
	s.logger.WithFields(log.Fields{"state": state, "lvl": level}).Debug("sale state")
}

func (s *sale) retryable(err error) error {
	s.logger.WithFields(log.Fields{"state": StateFailedRetryable, "lvl": s.level}).Warnf("sale failed in %s: %v", s.state, err)
	return &RetryableError{SaleID: s.ev.SaleID, State: s.state, Level: s.level, Err: err}
}

func (s *sale) terminal(state State, err error) error {
	s.logger.WithFields(log.Fields{"state": state, "lvl": s.level}).Error(err)
	s.state = state
	return err
}

// Distribute pays out one sale.  Calling it again with the same sale
// id returns the stored result with status AlreadyProcessed once the
// first call has finished, and otherwise resumes where the earlier
// call stopped.
func (e *Engine) Distribute(ctx context.Context, ev SaleEvent) (res *Result, err error) {
	err = ev.Validate()
	if err != nil {
		return
	}
	sched := e.schedule()
	s := &sale{
		ev:     ev,
		logger: log.WithFields(log.Fields{"sale": ev.SaleID, "buyer": ev.BuyerID}),
	}
	s.enter(StateNew, 0)
	err = sched.Validate()
	if err != nil {
		return nil, s.terminal(StateInvariantViolation, err)
	}

	// idempotency short-circuit
	res, err = e.alreadyDone(ctx, s)
	if err != nil || res != nil {
		return
	}

	s.enter(StateResolving, 0)
	chain, err := e.resolve(ctx, s)
	if err != nil {
		return
	}

	res = &Result{
		Status:           StatusDone,
		SaleID:           ev.SaleID,
		DistributedTotal: decimal.Zero,
	}
	levels := len(chain)
	if levels > len(sched) {
		levels = len(sched)
	}

	// payouts are rounded per level, so check the whole plan before
	// the first write
	planned := decimal.Zero
	for level := 1; level <= levels; level++ {
		planned = planned.Add(sched.Payout(ev.Amount, level))
	}
	if planned.GreaterThan(ev.Amount) {
		err = errors.Wrapf(ErrInvariantViolation, "sale %s: planned payouts %s exceed amount %s", ev.SaleID, planned, ev.Amount)
		return nil, s.terminal(StateInvariantViolation, err)
	}

	for level := 1; level <= levels; level++ {
		s.enter(StateDistributing, level)
		amount := sched.Payout(ev.Amount, level)
		if amount.IsZero() {
			continue
		}
		var p *Payout
		p, err = e.applyLevel(ctx, s, chain[level-1], level, amount)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		res.Payouts = append(res.Payouts, *p)
		res.DistributedTotal = res.DistributedTotal.Add(p.Amount)
		if p.Written {
			res.LevelsWritten++
		}
	}

	s.enter(StateResidual, levels)
	res.CompanyShare = ev.Amount.Sub(res.DistributedTotal)
	if res.CompanyShare.IsNegative() {
		err = errors.Wrapf(ErrInvariantViolation, "sale %s: payouts %s exceed amount %s", ev.SaleID, res.DistributedTotal, ev.Amount)
		return nil, s.terminal(StateInvariantViolation, err)
	}
	if res.CompanyShare.IsPositive() {
		err = e.creditFund(ctx, s, res.CompanyShare)
		if err != nil {
			return nil, err
		}
	}

	marker := &ledger.SaleMarker{
		SaleID:           ev.SaleID,
		BuyerID:          ev.BuyerID,
		Amount:           ev.Amount,
		DistributedTotal: res.DistributedTotal,
		CompanyShare:     res.CompanyShare,
		LevelsPaid:       len(res.Payouts),
		CreatedAt:        e.now(),
	}
	err = e.op(ctx, func(ctx context.Context) error {
		return e.Ledger.MarkDone(ctx, marker)
	})
	if err != nil && !errors.Is(err, ledger.ErrExists) {
		return nil, s.retryable(err)
	}
	s.enter(StateDone, levels)
	s.logger.WithFields(log.Fields{
		"distributed": res.DistributedTotal.StringFixed(2),
		"company":     res.CompanyShare.StringFixed(2),
		"written":     res.LevelsWritten,
	}).Info("sale distributed")
	return res, nil
}

func (e *Engine) alreadyDone(ctx context.Context, s *sale) (res *Result, err error) {
	var marker *ledger.SaleMarker
	var ok bool
	err = e.op(ctx, func(ctx context.Context) (err error) {
		marker, ok, err = e.Ledger.Done(ctx, s.ev.SaleID)
		return
	})
	if err != nil {
		return nil, s.retryable(err)
	}
	if !ok {
		return nil, nil
	}
	if marker.BuyerID != s.ev.BuyerID || !marker.Amount.Equal(s.ev.Amount) {
		err = errors.Wrapf(ErrIdempotencyConflict, "sale %s was buyer %s amount %s", s.ev.SaleID, marker.BuyerID, marker.Amount)
		return nil, s.terminal(StateInvariantViolation, err)
	}
	s.logger.Debug("sale already processed")
	return &Result{
		Status:           StatusAlreadyProcessed,
		SaleID:           s.ev.SaleID,
		DistributedTotal: marker.DistributedTotal,
		CompanyShare:     marker.CompanyShare,
	}, nil
}

// resolve returns the buyer's ancestors, nearest first, at most
// LevelCap of them.  A missing member ends the chain.
func (e *Engine) resolve(ctx context.Context, s *sale) (chain []*db.Member, err error) {
	seen := map[string]bool{}
	cur := s.ev.BuyerID
	first := true
	for len(chain) < e.levelCap() {
		if seen[cur] {
			err = errors.Wrapf(ErrCycleDetected, "sale %s: %s reappears after %d ancestors", s.ev.SaleID, cur, len(chain))
			return nil, s.terminal(StateCycleDetected, err)
		}
		seen[cur] = true
		var m *db.Member
		err = e.op(ctx, func(ctx context.Context) (err error) {
			m, err = e.Members.Get(ctx, cur)
			return
		})
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Warnf("sponsor chain truncated at missing member %s", cur)
			return chain, nil
		}
		if err != nil {
			return nil, s.retryable(err)
		}
		if !first {
			chain = append(chain, m)
		}
		first = false
		if m.SponsorID == "" {
			break
		}
		cur = m.SponsorID
	}
	return chain, nil
}

// applyLevel pays one level unless it has been paid already.  With
// SkipInactive set it returns a nil Payout for an inactive recipient,
// whose share stays with the company.
func (e *Engine) applyLevel(ctx context.Context, s *sale, recipient *db.Member, level int, amount decimal.Decimal) (p *Payout, err error) {
	saleID := s.ev.SaleID
	recipientID := recipient.ID
	key := db.PendingKey(saleID, level)

	p, err = e.paidLevel(ctx, s, level)
	if err != nil || p != nil {
		return
	}
	if e.SkipInactive && !recipient.Active {
		s.logger.WithField("lvl", level).Debugf("recipient %s inactive, share kept by company", recipientID)
		return nil, nil
	}

	amount, paid, err := e.credit(ctx, s, recipientID, level, amount)
	if err != nil {
		return
	}
	if paid {
		p, err = e.paidLevel(ctx, s, level)
		if err == nil && p == nil {
			err = s.retryable(errors.Errorf("commission record for level %d vanished", level))
		}
		return
	}

	now := e.now()
	tx := &ledger.WalletTransaction{
		UserID:      recipientID,
		Amount:      amount,
		Type:        ledger.TypeCommission,
		Description: fmt.Sprintf("level %d commission for sale %s", level, saleID),
		Status:      ledger.StatusCompleted,
		CreatedAt:   now,
		SaleID:      saleID,
		Level:       level,
	}
	err = e.op(ctx, func(ctx context.Context) error {
		return e.Ledger.AppendWalletTx(ctx, tx)
	})
	if err != nil && !errors.Is(err, ledger.ErrExists) {
		return nil, s.retryable(err)
	}

	rec := &ledger.CommissionRecord{
		RecipientID: recipientID,
		SourceID:    s.ev.BuyerID,
		SaleID:      saleID,
		Level:       level,
		Amount:      amount,
		Status:      ledger.StatusCompleted,
		CreatedAt:   now,
	}
	written := true
	err = e.op(ctx, func(ctx context.Context) error {
		return e.Ledger.AppendCommission(ctx, rec)
	})
	if errors.Is(err, ledger.ErrExists) {
		written = false
		err = nil
	}
	if err != nil {
		return nil, s.retryable(err)
	}

	e.settle(ctx, s, recipientID, key)
	return &Payout{Level: level, RecipientID: recipientID, Amount: amount, Written: written}, nil
}

// paidLevel returns the payout of a level an earlier run finished,
// settling any pending key it left behind, or nil if the level has no
// commission record.
func (e *Engine) paidLevel(ctx context.Context, s *sale, level int) (p *Payout, err error) {
	saleID := s.ev.SaleID
	var rec *ledger.CommissionRecord
	var paid bool
	err = e.op(ctx, func(ctx context.Context) (err error) {
		rec, paid, err = e.Ledger.Commission(ctx, saleID, level)
		return
	})
	if err != nil {
		return nil, s.retryable(err)
	}
	if !paid {
		return nil, nil
	}
	if rec.SourceID != s.ev.BuyerID {
		err = errors.Wrapf(ErrIdempotencyConflict, "sale %s level %d was sourced from %s", saleID, level, rec.SourceID)
		return nil, s.terminal(StateInvariantViolation, err)
	}
	e.settle(ctx, s, rec.RecipientID, db.PendingKey(saleID, level))
	return &Payout{Level: level, RecipientID: rec.RecipientID, Amount: rec.Amount}, nil
}

// credit adds amount to the recipient's wallet under the pending key
// and returns the amount held under that key.  If the key is already
// pending from an earlier run, nothing is added again.  paid is true
// if another run finished the level while this one was reading the
// wallet; the level's commission record is then authoritative.
//
// The commission check comes after the wallet read: any run that
// credits or settles the same key after that read bumps the wallet
// version, so the CAS below fails and the loop looks again.
func (e *Engine) credit(ctx context.Context, s *sale, id string, level int, amount decimal.Decimal) (credited decimal.Decimal, paid bool, err error) {
	key := db.PendingKey(s.ev.SaleID, level)
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		var m *db.Member
		err = e.op(ctx, func(ctx context.Context) (err error) {
			m, err = e.Members.Get(ctx, id)
			return
		})
		if err != nil {
			return credited, false, s.retryable(err)
		}
		if pending, ok := m.Wallet.Pending[key]; ok {
			return pending, false, nil
		}
		err = e.op(ctx, func(ctx context.Context) (err error) {
			paid, err = e.Ledger.ExistsForSaleLevel(ctx, s.ev.SaleID, level)
			return
		})
		if err != nil {
			return credited, false, s.retryable(err)
		}
		if paid {
			return credited, true, nil
		}
		m.Wallet.Credit(key, amount)
		err = e.op(ctx, func(ctx context.Context) error {
			return e.Members.PutWithVersion(ctx, id, m, m.Version)
		})
		if err == nil {
			return amount, false, nil
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			return credited, false, s.retryable(err)
		}
		s.logger.WithField("lvl", level).Debugf("stale wallet %s, attempt %d", id, attempt)
	}
	err = errors.Wrapf(ErrContention, "wallet %s after %d attempts", id, e.maxAttempts())
	return credited, false, s.retryable(err)
}

// settle drops a pending key once the level's records exist.  A
// failure here leaves the key for the next run or for reconciliation
// and does not fail the sale.
func (e *Engine) settle(ctx context.Context, s *sale, id, key string) {
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		var m *db.Member
		err := e.op(ctx, func(ctx context.Context) (err error) {
			m, err = e.Members.Get(ctx, id)
			return
		})
		if err != nil {
			s.logger.Warnf("settle %s on %s: %v", key, id, err)
			return
		}
		if !m.Wallet.Settle(key) {
			return
		}
		err = e.op(ctx, func(ctx context.Context) error {
			return e.Members.PutWithVersion(ctx, id, m, m.Version)
		})
		if err == nil {
			return
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			s.logger.Warnf("settle %s on %s: %v", key, id, err)
			return
		}
	}
	s.logger.Warnf("settle %s on %s: gave up after %d attempts", key, id, e.maxAttempts())
}

// creditFund adds the residual to the company fund once per sale and
// records the fund transaction.  The ledger record is written after
// the fund, so its presence settles the sale without reading the fund.
func (e *Engine) creditFund(ctx context.Context, s *sale, share decimal.Decimal) (err error) {
	saleID := s.ev.SaleID
	var recorded bool
	err = e.op(ctx, func(ctx context.Context) (err error) {
		_, recorded, err = e.Ledger.FundTx(ctx, saleID)
		return
	})
	if err != nil {
		return s.retryable(err)
	}
	if recorded {
		return nil
	}

	now := e.now()
	credited := false
	for attempt := 1; attempt <= e.maxAttempts(); attempt++ {
		var f *db.Fund
		err = e.op(ctx, func(ctx context.Context) (err error) {
			f, err = e.Members.GetFund(ctx)
			return
		})
		if err != nil {
			return s.retryable(err)
		}
		if f.Has(saleID) {
			credited = true
			break
		}
		f.Add(saleID, share, now)
		err = e.op(ctx, func(ctx context.Context) error {
			return e.Members.PutFundWithVersion(ctx, f, f.Version)
		})
		if err == nil {
			credited = true
			break
		}
		if !errors.Is(err, db.ErrStaleVersion) {
			return s.retryable(err)
		}
	}
	if !credited {
		return s.retryable(errors.Wrapf(ErrContention, "company fund after %d attempts", e.maxAttempts()))
	}

	tx := &ledger.FundTransaction{SaleID: saleID, Amount: share, CreatedAt: now}
	err = e.op(ctx, func(ctx context.Context) error {
		return e.Ledger.AppendFundTx(ctx, tx)
	})
	if err != nil && !errors.Is(err, ledger.ErrExists) {
		return s.retryable(err)
	}
	return nil
}
