package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const companyFund = "company"

// FundEntry is one residual credit to the company fund.
type FundEntry struct {
	SaleID    string          `msgpack:"saleId" json:"saleId"`
	Amount    decimal.Decimal `msgpack:"amount" json:"amount"`
	CreatedAt time.Time       `msgpack:"createdAt" json:"createdAt"`
}

// Fund is the singleton company fund.  Transactions only grow.
type Fund struct {
	TotalAmount  decimal.Decimal `msgpack:"totalAmount" json:"totalAmount"`
	Transactions []FundEntry     `msgpack:"transactions" json:"transactions"`
	Version      uint64          `msgpack:"version" json:"version"`
}

// Has reports whether the fund already holds a credit for saleID.
// Recent credits are checked first.
func (f *Fund) Has(saleID string) bool {
	for i := len(f.Transactions) - 1; i >= 0; i-- {
		if f.Transactions[i].SaleID == saleID {
			return true
		}
	}
	return false
}

// Add appends a credit and raises the total.
func (f *Fund) Add(saleID string, amount decimal.Decimal, now time.Time) {
	f.TotalAmount = f.TotalAmount.Add(amount)
	f.Transactions = append(f.Transactions, FundEntry{SaleID: saleID, Amount: amount, CreatedAt: now})
}

func (db *Db) fundPath() *Path {
	path, err := Path{}.New(db, classFund, companyFund)
	if err != nil {
		panic(err)
	}
	return path
}

// GetFund reads the company fund.  A fund that was never written is
// returned empty at version 0.
func (db *Db) GetFund(ctx context.Context) (f *Fund, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	return db.readFund(db.fundPath())
}

func (db *Db) readFund(path *Path) (f *Fund, err error) {
	f = &Fund{}
	buf, ok, err := ReadIf(path.Abs)
	if err != nil || !ok {
		return
	}
	err = Decode(buf, f)
	if err != nil {
		return nil, errors.Wrapf(err, "fund %s", path.Abs)
	}
	return
}

// PutFundWithVersion stores f only if the stored version equals
// expected.  On success f.Version holds the new version.
func (db *Db) PutFundWithVersion(ctx context.Context, f *Fund, expected uint64) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	path := db.fundPath()
	lock, err := db.lock(ctx, path)
	if err != nil {
		return
	}
	defer lock.Unlock()

	old, err := db.readFund(path)
	if err != nil {
		return
	}
	if old.Version != expected {
		return errors.Wrapf(ErrStaleVersion, "fund: stored %d, expected %d", old.Version, expected)
	}
	f.Version = expected + 1
	buf, err := Encode(f)
	if err != nil {
		return
	}
	return WriteAtomic(path.Abs, buf)
}
