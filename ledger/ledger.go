// Package ledger is the append-only record of money movement:
// commission records, wallet transactions, company fund credits and
// per-sale completion markers.
//
// Every record is a write-once file under <store>/ledger.  Files are
// placed by a hash of the sale id so that a record's location follows
// from the sale id and level alone:
//
//	ledger/commission/<h[0:3]>/<h[3:6]>/<h>/<level>
//	ledger/wallet/<bucket>/<user>/<h>-<level>
//	ledger/fund/<h[0:3]>/<h>
//	ledger/sale/<h[0:3]>/<h[3:6]>/<h>/done
//
// A record that already exists is never replaced; appending it again
// returns ErrExists.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/db"
)

// ErrExists is returned when a record is appended twice.
var ErrExists = db.ErrExists

// record status and type values
const (
	StatusCompleted = "completed"
	TypeCommission  = "commission"
)

// CommissionRecord is the immutable fact that Recipient earned Amount
// at Level of SaleID, bought by SourceID.
type CommissionRecord struct {
	ID          int64           `msgpack:"id" json:"id,string"`
	RecipientID string          `msgpack:"recipientId" json:"recipientId"`
	SourceID    string          `msgpack:"sourceId" json:"sourceId"`
	SaleID      string          `msgpack:"saleId" json:"saleId"`
	Level       int             `msgpack:"level" json:"level"`
	Amount      decimal.Decimal `msgpack:"amount" json:"amount"`
	Status      string          `msgpack:"status" json:"status"`
	CreatedAt   time.Time       `msgpack:"createdAt" json:"createdAt"`
}

// WalletTransaction records one credit applied to a wallet.
type WalletTransaction struct {
	ID          int64           `msgpack:"id" json:"id,string"`
	UserID      string          `msgpack:"userId" json:"userId"`
	Amount      decimal.Decimal `msgpack:"amount" json:"amount"`
	Type        string          `msgpack:"type" json:"type"`
	Description string          `msgpack:"description" json:"description"`
	Status      string          `msgpack:"status" json:"status"`
	CreatedAt   time.Time       `msgpack:"createdAt" json:"createdAt"`
	SaleID      string          `msgpack:"saleId" json:"saleId"`
	Level       int             `msgpack:"level" json:"level"`
}

// FundTransaction records the residual of one sale going to the
// company fund.
type FundTransaction struct {
	ID        int64           `msgpack:"id" json:"id,string"`
	SaleID    string          `msgpack:"saleId" json:"saleId"`
	Amount    decimal.Decimal `msgpack:"amount" json:"amount"`
	CreatedAt time.Time       `msgpack:"createdAt" json:"createdAt"`
}

// SaleMarker is written once a sale has been fully distributed.
type SaleMarker struct {
	ID               int64           `msgpack:"id" json:"id,string"`
	SaleID           string          `msgpack:"saleId" json:"saleId"`
	BuyerID          string          `msgpack:"buyerId" json:"buyerId"`
	Amount           decimal.Decimal `msgpack:"amount" json:"amount"`
	DistributedTotal decimal.Decimal `msgpack:"distributedTotal" json:"distributedTotal"`
	CompanyShare     decimal.Decimal `msgpack:"companyShare" json:"companyShare"`
	LevelsPaid       int             `msgpack:"levelsPaid" json:"levelsPaid"`
	CreatedAt        time.Time       `msgpack:"createdAt" json:"createdAt"`
}

// Ledger appends and reads records under one store directory.
type Ledger struct {
	Db   *db.Db
	root string

	mu   sync.Mutex
	node *snowflake.Node
	last int64
}

// Open returns the ledger of store, issuing ids from snowflake node
// nodeID.  Processes sharing a store must use distinct node ids.
func Open(store *db.Db, nodeID int64) (l *Ledger, err error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, errors.Wrapf(err, "ledger node %d", nodeID)
	}
	l = &Ledger{
		Db:   store,
		root: filepath.Join(store.Dir, "ledger"),
		node: node,
	}
	return
}

// NextID issues a new record id.  Ids are unique across nodes and
// strictly increase within this ledger.
func (l *Ledger) NextID() (id int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id = l.node.Generate().Int64()
	if id <= l.last {
		return 0, errors.Errorf("ledger id went backwards: %d after %d", id, l.last)
	}
	l.last = id
	return
}

func (l *Ledger) assign(id *int64) (err error) {
	if *id != 0 {
		return
	}
	*id, err = l.NextID()
	return
}

// SaleHash is the hex sha256 of a sale id.  Sale ids come from
// outside, so they are hashed before being used in paths.
func SaleHash(saleID string) string {
	sum := sha256.Sum256([]byte(saleID))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) saleDir(class, saleID string) string {
	h := SaleHash(saleID)
	return filepath.Join(l.root, class, h[0:3], h[3:6], h)
}

func (l *Ledger) commissionPath(saleID string, level int) string {
	return filepath.Join(l.saleDir("commission", saleID), strconv.Itoa(level))
}

func (l *Ledger) donePath(saleID string) string {
	return filepath.Join(l.saleDir("sale", saleID), "done")
}

func (l *Ledger) fundPath(saleID string) string {
	h := SaleHash(saleID)
	return filepath.Join(l.root, "fund", h[0:3], h)
}

func (l *Ledger) walletDir(userID string) (dir string, err error) {
	err = db.ValidKey(userID)
	if err != nil {
		return
	}
	bucket := l.Db.BucketOf(userID)
	return filepath.Join(l.root, "wallet", fmt.Sprintf("%04d", bucket), userID), nil
}

func (l *Ledger) walletPath(userID, saleID string, level int) (string, error) {
	dir, err := l.walletDir(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SaleHash(saleID)+"-"+strconv.Itoa(level)), nil
}

func (l *Ledger) append(ctx context.Context, abs string, rec interface{}) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	buf, err := db.Encode(rec)
	if err != nil {
		return
	}
	err = db.WriteOnce(abs, buf)
	if err != nil {
		return
	}
	log.Debugf("ledger append %s", abs)
	return
}

func (l *Ledger) read(ctx context.Context, abs string, rec interface{}) (ok bool, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	buf, ok, err := db.ReadIf(abs)
	if err != nil || !ok {
		return
	}
	err = db.Decode(buf, rec)
	if err != nil {
		return false, errors.Wrapf(err, "ledger record %s", abs)
	}
	return
}

// AppendCommission writes rec, assigning an id unless it carries one.
func (l *Ledger) AppendCommission(ctx context.Context, rec *CommissionRecord) (err error) {
	if l.exists(l.commissionPath(rec.SaleID, rec.Level)) {
		return ErrExists
	}
	err = l.assign(&rec.ID)
	if err != nil {
		return
	}
	return l.append(ctx, l.commissionPath(rec.SaleID, rec.Level), rec)
}

// AppendWalletTx writes tx, assigning an id unless it carries one.
func (l *Ledger) AppendWalletTx(ctx context.Context, tx *WalletTransaction) (err error) {
	abs, err := l.walletPath(tx.UserID, tx.SaleID, tx.Level)
	if err != nil {
		return
	}
	if l.exists(abs) {
		return ErrExists
	}
	err = l.assign(&tx.ID)
	if err != nil {
		return
	}
	return l.append(ctx, abs, tx)
}

// AppendFundTx writes tx, assigning an id unless it carries one.
func (l *Ledger) AppendFundTx(ctx context.Context, tx *FundTransaction) (err error) {
	abs := l.fundPath(tx.SaleID)
	if l.exists(abs) {
		return ErrExists
	}
	err = l.assign(&tx.ID)
	if err != nil {
		return
	}
	return l.append(ctx, abs, tx)
}

// MarkDone writes the completion marker of a sale.
func (l *Ledger) MarkDone(ctx context.Context, marker *SaleMarker) (err error) {
	abs := l.donePath(marker.SaleID)
	if l.exists(abs) {
		return ErrExists
	}
	err = l.assign(&marker.ID)
	if err != nil {
		return
	}
	return l.append(ctx, abs, marker)
}

func (l *Ledger) exists(abs string) bool {
	_, ok, err := db.ReadIf(abs)
	return err == nil && ok
}

// ExistsForSaleLevel reports whether level of saleID has been paid.
func (l *Ledger) ExistsForSaleLevel(ctx context.Context, saleID string, level int) (ok bool, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	return l.exists(l.commissionPath(saleID, level)), nil
}

// Commission reads the record for level of saleID.  ok is false if
// the level has not been paid.
func (l *Ledger) Commission(ctx context.Context, saleID string, level int) (rec *CommissionRecord, ok bool, err error) {
	rec = &CommissionRecord{}
	ok, err = l.read(ctx, l.commissionPath(saleID, level), rec)
	if !ok {
		rec = nil
	}
	return
}

// Done reads the completion marker of saleID.
func (l *Ledger) Done(ctx context.Context, saleID string) (marker *SaleMarker, ok bool, err error) {
	marker = &SaleMarker{}
	ok, err = l.read(ctx, l.donePath(saleID), marker)
	if !ok {
		marker = nil
	}
	return
}

// FundTx reads the fund transaction of saleID.
func (l *Ledger) FundTx(ctx context.Context, saleID string) (tx *FundTransaction, ok bool, err error) {
	tx = &FundTransaction{}
	ok, err = l.read(ctx, l.fundPath(saleID), tx)
	if !ok {
		tx = nil
	}
	return
}
