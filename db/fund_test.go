package db

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

func TestFund(t *testing.T) {
	db := setup(t, nil)
	ctx := context.Background()

	f, err := db.GetFund(ctx)
	tassert(t, err == nil, "%v", err)
	tassert(t, f.Version == 0 && f.TotalAmount.IsZero(), "fund %#v", f)

	now := time.Now().UTC()
	f.Add("s1", decimal.RequireFromString("82.00"), now)
	err = db.PutFundWithVersion(ctx, f, 0)
	tassert(t, err == nil, "%v", err)

	stale := &Fund{}
	stale.Add("s2", decimal.RequireFromString("1"), now)
	err = db.PutFundWithVersion(ctx, stale, 0)
	tassert(t, errors.Is(err, ErrStaleVersion), "expected ErrStaleVersion, got %v", err)

	got, err := db.GetFund(ctx)
	tassert(t, err == nil, "%v", err)
	tassert(t, got.Version == 1, "version %d", got.Version)
	tassert(t, got.Has("s1") && !got.Has("s2"), "txs %#v", got.Transactions)
	tassert(t, got.TotalAmount.Equal(decimal.NewFromInt(82)), "total %s", got.TotalAmount)
}
