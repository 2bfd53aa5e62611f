package db

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

func mkmember(id, sponsor string) *Member {
	return &Member{
		ID:           id,
		SponsorID:    sponsor,
		Email:        id + "@example.com",
		Phone:        "+1555000" + id,
		ReferralCode: "MLM-" + id,
		MemberID:     "M-" + id,
		Active:       true,
		CreatedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestGetMissing(t *testing.T) {
	db := setup(t, nil)
	_, err := db.Get(context.Background(), "nobody")
	tassert(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

	// invalid keys are simply not found
	_, err = db.Get(context.Background(), "../etc")
	tassert(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestPutGet(t *testing.T) {
	db := setup(t, nil)
	ctx := context.Background()
	m := mkmember("alice", "")
	m.Wallet.Credit("s1#1", decimal.RequireFromString("10.50"))
	err := db.Put(ctx, "alice", m)
	tassert(t, err == nil, "%v", err)
	tassert(t, m.Version == 1, "version %d", m.Version)

	got, err := db.Get(ctx, "alice")
	tassert(t, err == nil, "%v", err)
	tassert(t, got.Email == m.Email, "email %s", got.Email)
	tassert(t, got.CreatedAt.Equal(m.CreatedAt), "created %v", got.CreatedAt)
	tassert(t, got.Wallet.Balance.Equal(decimal.RequireFromString("10.5")), "balance %s", got.Wallet.Balance)
	tassert(t, got.Wallet.Pending["s1#1"].Equal(decimal.RequireFromString("10.5")), "pending %v", got.Wallet.Pending)
	tassert(t, got.Version == 1, "version %d", got.Version)

	err = db.Put(ctx, "alice", got)
	tassert(t, err == nil, "%v", err)
	tassert(t, got.Version == 2, "version %d", got.Version)
}

func TestGetUnparsable(t *testing.T) {
	db := setup(t, nil)
	ctx := context.Background()
	err := db.Put(ctx, "bob", mkmember("bob", ""))
	tassert(t, err == nil, "%v", err)
	path, err := db.memberPath("bob")
	tassert(t, err == nil, "%v", err)
	err = os.WriteFile(path.Abs, []byte{0xc1, 0xff, 0x00}, 0644)
	tassert(t, err == nil, "%v", err)

	_, err = db.Get(ctx, "bob")
	tassert(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

	// an unparsable record counts as absent for CAS
	err = db.PutWithVersion(ctx, "bob", mkmember("bob", ""), 0)
	tassert(t, err == nil, "%v", err)
}

func TestPutWithVersion(t *testing.T) {
	db := setup(t, nil)
	ctx := context.Background()

	err := db.PutWithVersion(ctx, "carol", mkmember("carol", ""), 0)
	tassert(t, err == nil, "%v", err)

	// create twice fails
	err = db.PutWithVersion(ctx, "carol", mkmember("carol", ""), 0)
	tassert(t, errors.Is(err, ErrStaleVersion), "expected ErrStaleVersion, got %v", err)

	m, err := db.Get(ctx, "carol")
	tassert(t, err == nil, "%v", err)
	m.Active = false
	err = db.PutWithVersion(ctx, "carol", m, m.Version)
	tassert(t, err == nil, "%v", err)
	tassert(t, m.Version == 2, "version %d", m.Version)

	// a writer holding the old version loses
	err = db.PutWithVersion(ctx, "carol", m, 1)
	tassert(t, errors.Is(err, ErrStaleVersion), "expected ErrStaleVersion, got %v", err)

	got, err := db.Get(ctx, "carol")
	tassert(t, err == nil, "%v", err)
	tassert(t, !got.Active && got.Version == 2, "got %#v", got)
}

func TestPutWithVersionConverges(t *testing.T) {
	db := setup(t, nil)
	ctx := context.Background()
	err := db.PutWithVersion(ctx, "dave", mkmember("dave", ""), 0)
	tassert(t, err == nil, "%v", err)

	const workers = 8
	const credits = 10
	one := decimal.RequireFromString("1.25")
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < credits; i++ {
				key := PendingKey("sale"+string(rune('a'+w)), i)
				for {
					m, err := db.Get(ctx, "dave")
					if err != nil {
						t.Error(err)
						return
					}
					m.Wallet.Credit(key, one)
					err = db.PutWithVersion(ctx, "dave", m, m.Version)
					if err == nil {
						break
					}
					if !errors.Is(err, ErrStaleVersion) {
						t.Error(err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := db.Get(ctx, "dave")
	tassert(t, err == nil, "%v", err)
	expect := one.Mul(decimal.NewFromInt(workers * credits))
	tassert(t, got.Wallet.Balance.Equal(expect), "balance %s expected %s", got.Wallet.Balance, expect)
	tassert(t, len(got.Wallet.Pending) == workers*credits, "pending %d", len(got.Wallet.Pending))
	tassert(t, got.Version == workers*credits+1, "version %d", got.Version)
}

func TestPutWithVersionCanceled(t *testing.T) {
	db := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := db.PutWithVersion(ctx, "erin", mkmember("erin", ""), 0)
	tassert(t, errors.Is(err, context.Canceled), "expected Canceled, got %v", err)
}

func TestWalk(t *testing.T) {
	db := setup(t, &Db{Buckets: 4})
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		err := db.Put(ctx, id, mkmember(id, ""))
		tassert(t, err == nil, "%v", err)
	}
	seen := map[string]bool{}
	err := db.Walk(ctx, func(m *Member) error {
		seen[m.ID] = true
		return nil
	})
	tassert(t, err == nil, "%v", err)
	tassert(t, len(seen) == len(ids), "seen %v", seen)

	stop := errors.New("stop")
	n := 0
	err = db.Walk(ctx, func(m *Member) error {
		n++
		return stop
	})
	tassert(t, errors.Is(err, stop) && n == 1, "err %v n %d", err, n)
}

func TestWalletCreditSettle(t *testing.T) {
	w := &Wallet{}
	p := decimal.RequireFromString("3.00")
	tassert(t, w.Credit("s#1", p), "first credit refused")
	tassert(t, !w.Credit("s#1", p), "second credit accepted")
	tassert(t, w.Balance.Equal(p) && w.TotalEarnings.Equal(p) && w.SponsorBonus.Equal(p), "wallet %#v", w)
	tassert(t, w.Settle("s#1"), "settle refused")
	tassert(t, !w.Settle("s#1"), "double settle accepted")
	tassert(t, w.Pending == nil, "pending %v", w.Pending)
	tassert(t, w.Balance.Equal(p), "settle changed balance")
	tassert(t, PendingKey("s", 3) == "s#3", "key %s", PendingKey("s", 3))
}
