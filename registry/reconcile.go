package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/db"
	"github.com/t7a/monoline/index"
)

// ReconcileOptions selects the repairs Reconcile may make.  Missing
// index entries and settled pending credits are always repaired;
// dangling index entries are only removed with Prune.
type ReconcileOptions struct {
	Prune bool
}

// Conflict is a member attribute that is indexed to another member.
type Conflict struct {
	Namespace index.Namespace `json:"namespace"`
	Key       string          `json:"key"`
	MemberID  string          `json:"memberId"`
	BoundTo   string          `json:"boundTo"`
}

// Dangling is an index entry whose member is missing or no longer
// carries the key.
type Dangling struct {
	Namespace index.Namespace `json:"namespace"`
	Key       string          `json:"key"`
	MemberID  string          `json:"memberId"`
}

// Drift is a wallet whose balance disagrees with its ledger.
type Drift struct {
	MemberID string          `json:"memberId"`
	Balance  decimal.Decimal `json:"balance"`
	Ledger   decimal.Decimal `json:"ledger"`
}

// Report is what a reconciliation pass found and fixed.
type Report struct {
	Members        int        `json:"members"`
	Rebuilt        int        `json:"rebuilt"`
	Conflicts      []Conflict `json:"conflicts,omitempty"`
	Dangling       []Dangling `json:"dangling,omitempty"`
	Pruned         int        `json:"pruned"`
	PendingSettled int        `json:"pendingSettled"`
	PendingOpen    int        `json:"pendingOpen"`
	WalletDrift    []Drift    `json:"walletDrift,omitempty"`
}

// Clean reports whether the pass found nothing to fix or flag.
func (rep *Report) Clean() bool {
	return rep.Rebuilt == 0 && len(rep.Conflicts) == 0 && len(rep.Dangling) == 0 &&
		rep.PendingSettled == 0 && rep.PendingOpen == 0 && len(rep.WalletDrift) == 0
}

func attributes(m *db.Member) map[index.Namespace]string {
	return map[index.Namespace]string{
		index.Email:        m.Email,
		index.Phone:        m.Phone,
		index.ReferralCode: m.ReferralCode,
		index.MemberID:     m.MemberID,
	}
}

// SplitPendingKey reverses db.PendingKey.
func SplitPendingKey(key string) (saleID string, level int, err error) {
	i := strings.LastIndex(key, "#")
	if i < 0 {
		return "", 0, errors.Errorf("malformed pending key %q", key)
	}
	level, err = strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, errors.Wrapf(err, "pending key %q", key)
	}
	return key[:i], level, nil
}

// Reconcile scans every member, restores index entries that are
// missing, settles pending credits whose ledger records exist and
// audits each wallet against its ledger.  Running it again on a
// consistent store changes nothing.
func (r *Registry) Reconcile(ctx context.Context, opts ReconcileOptions) (rep *Report, err error) {
	rep = &Report{}
	members := make(map[string]*db.Member)
	err = r.Db.Walk(ctx, func(m *db.Member) error {
		members[m.ID] = m
		return nil
	})
	if err != nil {
		return
	}
	rep.Members = len(members)

	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		err = r.rebuild(ctx, members[id], rep)
		if err != nil {
			return
		}
		err = r.settle(ctx, id, rep)
		if err != nil {
			return
		}
		err = r.audit(ctx, id, rep)
		if err != nil {
			return
		}
	}

	err = r.dangling(ctx, members, opts, rep)
	if err != nil {
		return
	}
	log.WithFields(log.Fields{
		"members":  rep.Members,
		"rebuilt":  rep.Rebuilt,
		"pruned":   rep.Pruned,
		"settled":  rep.PendingSettled,
		"open":     rep.PendingOpen,
		"drift":    len(rep.WalletDrift),
		"conflict": len(rep.Conflicts),
	}).Info("reconcile finished")
	return
}

func (r *Registry) rebuild(ctx context.Context, m *db.Member, rep *Report) (err error) {
	for _, ns := range index.Namespaces {
		key := attributes(m)[ns]
		if key == "" {
			continue
		}
		bound, found, err := r.Index.Lookup(ctx, ns, key)
		if err != nil {
			return err
		}
		if found && bound == m.ID {
			continue
		}
		if found {
			rep.Conflicts = append(rep.Conflicts, Conflict{Namespace: ns, Key: index.Normalize(ns, key), MemberID: m.ID, BoundTo: bound})
			continue
		}
		err = r.Index.InsertUnique(ctx, ns, key, m.ID)
		if errors.Is(err, index.ErrConflict) {
			// lost a race with a registration
			rep.Conflicts = append(rep.Conflicts, Conflict{Namespace: ns, Key: index.Normalize(ns, key), MemberID: m.ID})
			continue
		}
		if err != nil {
			return err
		}
		log.Infof("reconcile: restored %s %q -> %s", ns, key, m.ID)
		rep.Rebuilt++
	}
	return nil
}

// settle drops pending keys whose commission record exists.  Keys
// without a record belong to a sale that has not finished; running
// that sale again completes them.
func (r *Registry) settle(ctx context.Context, id string, rep *Report) (err error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		var m *db.Member
		m, err = r.Db.Get(ctx, id)
		if err != nil {
			return
		}
		settled, open := 0, 0
		for key := range m.Wallet.Pending {
			saleID, level, perr := SplitPendingKey(key)
			if perr != nil {
				log.Warnf("member %s: %v", id, perr)
				open++
				continue
			}
			ok, err := r.Ledger.ExistsForSaleLevel(ctx, saleID, level)
			if err != nil {
				return err
			}
			if ok {
				m.Wallet.Settle(key)
				settled++
			} else {
				open++
			}
		}
		if settled == 0 {
			rep.PendingOpen += open
			return nil
		}
		err = r.Db.PutWithVersion(ctx, id, m, m.Version)
		if errors.Is(err, db.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return
		}
		rep.PendingSettled += settled
		rep.PendingOpen += open
		return nil
	}
	return err
}

// audit compares a wallet with the sum of its wallet transactions
// plus any credits still pending without a transaction.
func (r *Registry) audit(ctx context.Context, id string, rep *Report) (err error) {
	m, err := r.Db.Get(ctx, id)
	if err != nil {
		return
	}
	txs, err := r.Ledger.WalletTxs(ctx, id)
	if err != nil {
		return
	}
	sum := decimal.Zero
	recorded := make(map[string]bool)
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
		recorded[db.PendingKey(tx.SaleID, tx.Level)] = true
	}
	for key, amount := range m.Wallet.Pending {
		if !recorded[key] {
			sum = sum.Add(amount)
		}
	}
	if !sum.Equal(m.Wallet.Balance) {
		log.Warnf("reconcile: wallet %s balance %s, ledger %s", id, m.Wallet.Balance, sum)
		rep.WalletDrift = append(rep.WalletDrift, Drift{MemberID: id, Balance: m.Wallet.Balance, Ledger: sum})
	}
	return nil
}

func (r *Registry) dangling(ctx context.Context, members map[string]*db.Member, opts ReconcileOptions, rep *Report) (err error) {
	for _, ns := range index.Namespaces {
		snap, err := r.Index.Snapshot(ctx, ns)
		if err != nil {
			return err
		}
		for _, key := range index.Keys(snap) {
			id := snap[key]
			m, ok := members[id]
			if ok && index.Normalize(ns, attributes(m)[ns]) == key {
				continue
			}
			if !ok {
				// registered after the walk started
				_, err = r.Db.Get(ctx, id)
				if err == nil {
					continue
				}
				if !errors.Is(err, db.ErrNotFound) {
					return err
				}
			}
			rep.Dangling = append(rep.Dangling, Dangling{Namespace: ns, Key: key, MemberID: id})
			if !opts.Prune {
				continue
			}
			err = r.Index.RemoveIf(ctx, ns, key, id)
			if err != nil {
				return err
			}
			log.Infof("reconcile: pruned %s %q -> %s", ns, key, id)
			rep.Pruned++
		}
	}
	return nil
}
