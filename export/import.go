package export

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/index"
	"github.com/t7a/monoline/ledger"
)

// ImportReport counts what Import loaded and what it dropped as
// superseded by a later occurrence.
type ImportReport struct {
	Members            int `json:"members"`
	MembersDropped     int `json:"membersDropped"`
	Commissions        int `json:"commissions"`
	CommissionsDropped int `json:"commissionsDropped"`
	WalletTxs          int `json:"walletTransactions"`
	WalletTxsDropped   int `json:"walletTransactionsDropped"`
	FundTxs            int `json:"fundTransactions"`
}

// uniqueKeys lists the identities that make two member entries the
// same member.
func uniqueKeys(m *db.Member) []string {
	keys := []string{"id:" + m.ID}
	for ns, key := range map[index.Namespace]string{
		index.Email:        m.Email,
		index.Phone:        m.Phone,
		index.ReferralCode: m.ReferralCode,
		index.MemberID:     m.MemberID,
	} {
		if key != "" {
			keys = append(keys, string(ns)+":"+index.Normalize(ns, key))
		}
	}
	return keys
}

// lastMembers keeps, for every id and unique attribute, only the last
// member entry that carries it.  Order of the survivors is preserved.
func lastMembers(in []*db.Member) (out []*db.Member) {
	seen := make(map[string]bool)
	for i := len(in) - 1; i >= 0; i-- {
		m := in[i]
		keys := uniqueKeys(m)
		dup := false
		for _, k := range keys {
			if seen[k] {
				dup = true
			}
		}
		if dup {
			continue
		}
		for _, k := range keys {
			seen[k] = true
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return
}

func lastBy[T any](in []T, key func(T) string) (out []T) {
	pos := make(map[string]int)
	for i, v := range in {
		pos[key(v)] = i
	}
	for i, v := range in {
		if pos[key(v)] == i {
			out = append(out, v)
		}
	}
	return
}

// Import loads snap into an empty store: members with their index
// entries, commission and wallet records, and the company fund with
// one fund record per fund entry.  Record ids present in the file are
// kept.
func Import(ctx context.Context, snap *Snapshot, store *db.Db, idx *index.Manager, l *ledger.Ledger) (rep *ImportReport, err error) {
	err = store.Walk(ctx, func(m *db.Member) error {
		return ErrNotEmpty
	})
	if err != nil {
		return
	}
	rep = &ImportReport{}

	members := lastMembers(snap.Members)
	rep.MembersDropped = len(snap.Members) - len(members)
	for _, m := range members {
		err = importMember(ctx, m, store, idx)
		if err != nil {
			return
		}
		rep.Members++
	}

	commissions := lastBy(snap.Commissions, func(rec *ledger.CommissionRecord) string {
		return rec.SaleID + "#" + strconv.Itoa(rec.Level)
	})
	rep.CommissionsDropped = len(snap.Commissions) - len(commissions)
	for _, rec := range commissions {
		err = l.AppendCommission(ctx, rec)
		if err != nil {
			return nil, errors.Wrapf(err, "commission %s level %d", rec.SaleID, rec.Level)
		}
		rep.Commissions++
	}

	for i, tx := range snap.WalletTransactions {
		if tx.SaleID == "" {
			// not tied to a sale; keep every such entry
			tx.SaleID = "import:" + strconv.Itoa(i)
		}
	}
	txs := lastBy(snap.WalletTransactions, func(tx *ledger.WalletTransaction) string {
		return tx.UserID + "/" + db.PendingKey(tx.SaleID, tx.Level)
	})
	rep.WalletTxsDropped = len(snap.WalletTransactions) - len(txs)
	for _, tx := range txs {
		err = l.AppendWalletTx(ctx, tx)
		if err != nil {
			return nil, errors.Wrapf(err, "wallet transaction %d", tx.ID)
		}
		rep.WalletTxs++
	}

	if snap.CompanyFund != nil {
		fund := &db.Fund{TotalAmount: snap.CompanyFund.TotalAmount}
		fund.Transactions = lastBy(snap.CompanyFund.Transactions, func(e db.FundEntry) string { return e.SaleID })
		err = store.PutFundWithVersion(ctx, fund, 0)
		if err != nil {
			return
		}
		for _, e := range fund.Transactions {
			tx := &ledger.FundTransaction{SaleID: e.SaleID, Amount: e.Amount, CreatedAt: e.CreatedAt}
			err = l.AppendFundTx(ctx, tx)
			if err != nil {
				return nil, errors.Wrapf(err, "fund transaction %s", e.SaleID)
			}
			rep.FundTxs++
		}
	}
	log.WithFields(log.Fields{
		"members":     rep.Members,
		"commissions": rep.Commissions,
		"walletTxs":   rep.WalletTxs,
		"fundTxs":     rep.FundTxs,
	}).Info("import finished")
	return rep, nil
}

func importMember(ctx context.Context, m *db.Member, store *db.Db, idx *index.Manager) (err error) {
	for ns, key := range map[index.Namespace]string{
		index.Email:        m.Email,
		index.Phone:        m.Phone,
		index.ReferralCode: m.ReferralCode,
		index.MemberID:     m.MemberID,
	} {
		if key == "" {
			continue
		}
		err = idx.InsertUnique(ctx, ns, key, m.ID)
		if err != nil {
			return errors.Wrapf(err, "member %s", m.ID)
		}
	}
	m.Version = 0
	err = store.PutWithVersion(ctx, m.ID, m, 0)
	if err != nil {
		return errors.Wrapf(err, "member %s", m.ID)
	}
	return
}
