package db

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrStaleVersion = errors.New("stale version")
)

// Wallet holds a member's running totals.  Pending maps payout keys
// (see PendingKey) to credits that are already included in the
// totals but whose ledger records are not yet confirmed.
type Wallet struct {
	Balance       decimal.Decimal            `msgpack:"balance" json:"balance"`
	TotalEarnings decimal.Decimal            `msgpack:"totalEarnings" json:"totalEarnings"`
	SponsorBonus  decimal.Decimal            `msgpack:"sponsorBonus" json:"sponsorBonus"`
	Pending       map[string]decimal.Decimal `msgpack:"pending,omitempty" json:"pending,omitempty"`
}

// Member is one participant.  SponsorID is empty for the top of a
// chain.  Members are never deleted, only deactivated.
type Member struct {
	ID           string    `msgpack:"id" json:"id"`
	SponsorID    string    `msgpack:"sponsorId,omitempty" json:"sponsorId,omitempty"`
	Email        string    `msgpack:"email" json:"email"`
	Phone        string    `msgpack:"phone" json:"phone"`
	ReferralCode string    `msgpack:"referralCode" json:"referralCode"`
	MemberID     string    `msgpack:"memberId" json:"memberId"`
	Wallet       Wallet    `msgpack:"wallet" json:"wallet"`
	Active       bool      `msgpack:"active" json:"active"`
	CreatedAt    time.Time `msgpack:"createdAt" json:"createdAt"`
	Version      uint64    `msgpack:"version" json:"version"`
}

// PendingKey names one payout of one sale.
func PendingKey(saleID string, level int) string {
	return saleID + "#" + strconv.Itoa(level)
}

// Credit adds amount to every wallet total and records it as pending
// under key.  It returns false without changing anything if key is
// already pending.
func (w *Wallet) Credit(key string, amount decimal.Decimal) bool {
	if _, ok := w.Pending[key]; ok {
		return false
	}
	if w.Pending == nil {
		w.Pending = make(map[string]decimal.Decimal)
	}
	w.Balance = w.Balance.Add(amount)
	w.TotalEarnings = w.TotalEarnings.Add(amount)
	w.SponsorBonus = w.SponsorBonus.Add(amount)
	w.Pending[key] = amount
	return true
}

// Settle forgets a pending key once its ledger records exist.  It
// returns false if key was not pending.
func (w *Wallet) Settle(key string) bool {
	if _, ok := w.Pending[key]; !ok {
		return false
	}
	delete(w.Pending, key)
	if len(w.Pending) == 0 {
		w.Pending = nil
	}
	return true
}

func (db *Db) memberPath(id string) (*Path, error) {
	return Path{}.New(db, classUsers, id)
}

// Get reads the member stored under id.  A missing or unparsable
// record is reported as ErrNotFound.
func (db *Db) Get(ctx context.Context, id string) (m *Member, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	path, err := db.memberPath(id)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "%s: %v", id, err)
	}
	return db.readMember(path)
}

func (db *Db) readMember(path *Path) (m *Member, err error) {
	buf, ok, err := ReadIf(path.Abs)
	if err != nil {
		return
	}
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "member %s", path.Key)
	}
	m = &Member{}
	err = Decode(buf, m)
	if err != nil {
		log.Warnf("unparsable member record %s: %v", path.Abs, err)
		return nil, errors.Wrapf(ErrNotFound, "member %s", path.Key)
	}
	return
}

// Put stores m under id unconditionally, bumping the stored version.
// Callers that race with other writers should use PutWithVersion.
func (db *Db) Put(ctx context.Context, id string, m *Member) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	path, err := db.memberPath(id)
	if err != nil {
		return
	}
	lock, err := db.lock(ctx, path)
	if err != nil {
		return
	}
	defer lock.Unlock()

	var stored uint64
	old, err := db.readMember(path)
	if err == nil {
		stored = old.Version
	}
	return db.writeMember(path, m, stored+1)
}

// PutWithVersion stores m under id only if the stored version equals
// expected.  An expected version of 0 means the member must not exist
// yet.  On success m.Version holds the new version.
func (db *Db) PutWithVersion(ctx context.Context, id string, m *Member, expected uint64) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	path, err := db.memberPath(id)
	if err != nil {
		return
	}
	lock, err := db.lock(ctx, path)
	if err != nil {
		return
	}
	defer lock.Unlock()

	var stored uint64
	old, err := db.readMember(path)
	switch {
	case err == nil:
		stored = old.Version
	case errors.Is(err, ErrNotFound):
		// an unparsable record counts as absent
	default:
		return
	}
	if stored != expected {
		return errors.Wrapf(ErrStaleVersion, "member %s: stored %d, expected %d", id, stored, expected)
	}
	return db.writeMember(path, m, expected+1)
}

func (db *Db) writeMember(path *Path, m *Member, version uint64) (err error) {
	m.ID = path.Key
	m.Version = version
	buf, err := Encode(m)
	if err != nil {
		return
	}
	return WriteAtomic(path.Abs, buf)
}

// Walk calls fn for every parsable member, bucket by bucket.
// Unparsable records are logged and skipped.
func (db *Db) Walk(ctx context.Context, fn func(m *Member) error) (err error) {
	root := filepath.Join(db.Dir, classUsers)
	return WalkFiles(ctx, root, func(abs string, buf []byte) error {
		m := &Member{}
		err := Decode(buf, m)
		if err != nil {
			log.Warnf("skipping unparsable member record %s: %v", abs, err)
			return nil
		}
		return fn(m)
	})
}
