package ledger

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/t7a/monoline/db"
)

// Kind tells which record an Entry holds.
type Kind string

const (
	KindCommission Kind = "commission"
	KindWallet     Kind = "wallet"
	KindFund       Kind = "fund"
	KindSale       Kind = "sale"
)

// Entry is one ledger record of any kind.  Exactly one of the record
// pointers is set.
type Entry struct {
	Kind       Kind
	ID         int64
	Commission *CommissionRecord
	Wallet     *WalletTransaction
	Fund       *FundTransaction
	Sale       *SaleMarker
}

// Commissions returns the paid levels of saleID in level order.
func (l *Ledger) Commissions(ctx context.Context, saleID string) (recs []*CommissionRecord, err error) {
	err = db.WalkFiles(ctx, l.saleDir("commission", saleID), func(abs string, buf []byte) error {
		rec := &CommissionRecord{}
		err := db.Decode(buf, rec)
		if err != nil {
			return errors.Wrapf(err, "ledger record %s", abs)
		}
		recs = append(recs, rec)
		return nil
	})
	sort.Slice(recs, func(i, j int) bool { return recs[i].Level < recs[j].Level })
	return
}

// WalletTxs returns every wallet transaction of userID in id order.
func (l *Ledger) WalletTxs(ctx context.Context, userID string) (txs []*WalletTransaction, err error) {
	dir, err := l.walletDir(userID)
	if err != nil {
		return
	}
	err = db.WalkFiles(ctx, dir, func(abs string, buf []byte) error {
		tx := &WalletTransaction{}
		err := db.Decode(buf, tx)
		if err != nil {
			return errors.Wrapf(err, "ledger record %s", abs)
		}
		txs = append(txs, tx)
		return nil
	})
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
	return
}

// Scan calls fn for every record in the ledger in id order.
func (l *Ledger) Scan(ctx context.Context, fn func(e *Entry) error) (err error) {
	var entries []*Entry
	for _, kind := range []Kind{KindCommission, KindWallet, KindFund, KindSale} {
		err = db.WalkFiles(ctx, filepath.Join(l.root, string(kind)), func(abs string, buf []byte) error {
			e, err := decodeEntry(kind, buf)
			if err != nil {
				return errors.Wrapf(err, "ledger record %s", abs)
			}
			entries = append(entries, e)
			return nil
		})
		if err != nil {
			return
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	for _, e := range entries {
		err = fn(e)
		if err != nil {
			return
		}
	}
	return
}

func decodeEntry(kind Kind, buf []byte) (e *Entry, err error) {
	e = &Entry{Kind: kind}
	switch kind {
	case KindCommission:
		e.Commission = &CommissionRecord{}
		err = db.Decode(buf, e.Commission)
		e.ID = e.Commission.ID
	case KindWallet:
		e.Wallet = &WalletTransaction{}
		err = db.Decode(buf, e.Wallet)
		e.ID = e.Wallet.ID
	case KindFund:
		e.Fund = &FundTransaction{}
		err = db.Decode(buf, e.Fund)
		e.ID = e.Fund.ID
	case KindSale:
		e.Sale = &SaleMarker{}
		err = db.Decode(buf, e.Sale)
		e.ID = e.Sale.ID
	default:
		err = errors.Errorf("unknown record kind %q", kind)
	}
	return
}

// ByRecipient returns the commissions earned by recipientID with
// CreatedAt in [from, to).  A zero bound is open.  This reads the
// whole commission tree; the report package keeps an indexed copy.
func (l *Ledger) ByRecipient(ctx context.Context, recipientID string, from, to time.Time) (recs []*CommissionRecord, err error) {
	err = l.Scan(ctx, func(e *Entry) error {
		rec := e.Commission
		if rec == nil || rec.RecipientID != recipientID {
			return nil
		}
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			return nil
		}
		if !to.IsZero() && !rec.CreatedAt.Before(to) {
			return nil
		}
		recs = append(recs, rec)
		return nil
	})
	return
}
