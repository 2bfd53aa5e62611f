// Package report keeps a SQL copy of the ledger for queries by
// recipient and time range.  The copy is derived: Sync can rebuild
// it from the ledger at any time, and nothing in the payout path reads
// it.
package report

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/monoline/ledger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// CommissionRow mirrors ledger.CommissionRecord.
type CommissionRow struct {
	ID          int64           `gorm:"primaryKey;autoIncrement:false"`
	RecipientID string          `gorm:"type:varchar(200);index:idx_recipient_time,priority:1;not null"`
	SourceID    string          `gorm:"type:varchar(200);not null"`
	SaleID      string          `gorm:"type:varchar(200);uniqueIndex:idx_sale_level,priority:1;not null"`
	Level       int             `gorm:"uniqueIndex:idx_sale_level,priority:2;not null"`
	Amount      decimal.Decimal `gorm:"type:varchar(40);not null"`
	Status      string          `gorm:"type:varchar(20)"`
	CreatedAt   time.Time       `gorm:"index:idx_recipient_time,priority:2"`
}

func (CommissionRow) TableName() string { return "commissions" }

// WalletTxRow mirrors ledger.WalletTransaction.
type WalletTxRow struct {
	ID          int64           `gorm:"primaryKey;autoIncrement:false"`
	UserID      string          `gorm:"type:varchar(200);index;not null"`
	Amount      decimal.Decimal `gorm:"type:varchar(40);not null"`
	Type        string          `gorm:"type:varchar(20)"`
	Description string
	Status      string `gorm:"type:varchar(20)"`
	SaleID      string `gorm:"type:varchar(200)"`
	Level       int
	CreatedAt   time.Time
}

func (WalletTxRow) TableName() string { return "wallet_transactions" }

// Report is an open reporting database.
type Report struct {
	DB *gorm.DB
}

// Open connects to dsn.  A dsn of the form sqlite:<path> selects
// sqlite; anything else is handed to the postgres driver.
func Open(dsn string) (r *Report, err error) {
	if dsn == "" {
		return nil, errors.New("report dsn is required")
	}
	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open report db")
	}
	err = db.AutoMigrate(&CommissionRow{}, &WalletTxRow{})
	if err != nil {
		return nil, errors.Wrap(err, "migrate report db")
	}
	return &Report{DB: db}, nil
}

// Close releases the connection pool.
func (r *Report) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

const syncBatch = 500

// Sync copies every ledger record that is not in the database yet.
// Times are stored in UTC so that range filters compare correctly on
// sqlite, which keeps them as text.
// It returns the number of rows added.
func (r *Report) Sync(ctx context.Context, l *ledger.Ledger) (added int64, err error) {
	var commissions []CommissionRow
	var txs []WalletTxRow
	err = l.Scan(ctx, func(e *ledger.Entry) error {
		switch e.Kind {
		case ledger.KindCommission:
			c := e.Commission
			commissions = append(commissions, CommissionRow{
				ID: c.ID, RecipientID: c.RecipientID, SourceID: c.SourceID, SaleID: c.SaleID,
				Level: c.Level, Amount: c.Amount, Status: c.Status, CreatedAt: c.CreatedAt.UTC(),
			})
		case ledger.KindWallet:
			w := e.Wallet
			txs = append(txs, WalletTxRow{
				ID: w.ID, UserID: w.UserID, Amount: w.Amount, Type: w.Type, Description: w.Description,
				Status: w.Status, SaleID: w.SaleID, Level: w.Level, CreatedAt: w.CreatedAt.UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return
	}

	db := r.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true})
	if len(commissions) > 0 {
		res := db.CreateInBatches(commissions, syncBatch)
		if res.Error != nil {
			return added, errors.Wrap(res.Error, "sync commissions")
		}
		added += res.RowsAffected
	}
	if len(txs) > 0 {
		res := db.CreateInBatches(txs, syncBatch)
		if res.Error != nil {
			return added, errors.Wrap(res.Error, "sync wallet transactions")
		}
		added += res.RowsAffected
	}
	log.Debugf("report sync: %d commissions, %d wallet txs scanned, %d rows added", len(commissions), len(txs), added)
	return
}

// Earnings returns the commissions of recipientID with CreatedAt in
// [from, to) and their total.  A zero bound is open.
func (r *Report) Earnings(ctx context.Context, recipientID string, from, to time.Time) (total decimal.Decimal, rows []CommissionRow, err error) {
	q := r.DB.WithContext(ctx).Where("recipient_id = ?", recipientID)
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to.UTC())
	}
	err = q.Order("created_at, id").Find(&rows).Error
	if err != nil {
		return
	}
	total = decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Amount)
	}
	return
}

// Earner is one line of TopEarners.
type Earner struct {
	RecipientID string          `json:"recipientId"`
	Total       decimal.Decimal `json:"total"`
	Count       int             `json:"count"`
}

// TopEarners ranks recipients by commission total.  Amounts are kept
// as exact decimal strings, so the sum is taken here rather than in
// SQL.
func (r *Report) TopEarners(ctx context.Context, limit int) (earners []Earner, err error) {
	var rows []CommissionRow
	err = r.DB.WithContext(ctx).Select("recipient_id", "amount").Find(&rows).Error
	if err != nil {
		return
	}
	byID := make(map[string]*Earner)
	for _, row := range rows {
		e, ok := byID[row.RecipientID]
		if !ok {
			e = &Earner{RecipientID: row.RecipientID, Total: decimal.Zero}
			byID[row.RecipientID] = e
		}
		e.Total = e.Total.Add(row.Amount)
		e.Count++
	}
	for _, e := range byID {
		earners = append(earners, *e)
	}
	sort.Slice(earners, func(i, j int) bool {
		if !earners[i].Total.Equal(earners[j].Total) {
			return earners[i].Total.GreaterThan(earners[j].Total)
		}
		return earners[i].RecipientID < earners[j].RecipientID
	})
	if limit > 0 && len(earners) > limit {
		earners = earners[:limit]
	}
	return
}
