// Package export writes the consolidated JSON view of a store and
// loads such a file into a new store.
//
// The export is derived from the member tree and the ledger and is
// never read back by the payout path.  Import is one-time migration
// tooling: when the same member, commission or transaction occurs more
// than once in a file, the last occurrence wins.
package export

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/ledger"
)

var ErrNotEmpty = errors.New("store already holds members")

// Snapshot is the consolidated file layout.
type Snapshot struct {
	Members            []*db.Member                `json:"members"`
	Commissions        []*ledger.CommissionRecord  `json:"commissions"`
	WalletTransactions []*ledger.WalletTransaction `json:"walletTransactions"`
	CompanyFund        *db.Fund                    `json:"companyFund"`
}

// Collect builds the snapshot of store and l.  Members are ordered by
// id and ledger records by record id, so the same store always yields
// the same snapshot.
func Collect(ctx context.Context, store *db.Db, l *ledger.Ledger) (snap *Snapshot, err error) {
	snap = &Snapshot{
		Members:            []*db.Member{},
		Commissions:        []*ledger.CommissionRecord{},
		WalletTransactions: []*ledger.WalletTransaction{},
	}
	err = store.Walk(ctx, func(m *db.Member) error {
		snap.Members = append(snap.Members, m)
		return nil
	})
	if err != nil {
		return
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].ID < snap.Members[j].ID })

	err = l.Scan(ctx, func(e *ledger.Entry) error {
		switch e.Kind {
		case ledger.KindCommission:
			snap.Commissions = append(snap.Commissions, e.Commission)
		case ledger.KindWallet:
			snap.WalletTransactions = append(snap.WalletTransactions, e.Wallet)
		}
		return nil
	})
	if err != nil {
		return
	}

	snap.CompanyFund, err = store.GetFund(ctx)
	if err != nil {
		return
	}
	if snap.CompanyFund.Transactions == nil {
		snap.CompanyFund.Transactions = []db.FundEntry{}
	}
	return
}

// Write writes the snapshot of store and l to w as indented JSON.
func Write(ctx context.Context, w io.Writer, store *db.Db, l *ledger.Ledger) (err error) {
	snap, err := Collect(ctx, store, l)
	if err != nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Read parses a consolidated file.
func Read(r io.Reader) (snap *Snapshot, err error) {
	snap = &Snapshot{}
	err = json.NewDecoder(r).Decode(snap)
	if err != nil {
		return nil, errors.Wrap(err, "parse export")
	}
	return
}
