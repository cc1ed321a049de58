package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Ledger persists completed trades and per-day aggregates.
type Ledger struct {
	db *gorm.DB
}

// Models

type ClosedTrade struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Symbol     string `gorm:"index"`
	Side       string // "CALL" or "PUT"
	Qty        int
	EntryPrice decimal.Decimal `gorm:"type:decimal(12,2)"`
	ExitPrice  decimal.Decimal `gorm:"type:decimal(12,2)"`
	GrossPnL   decimal.Decimal `gorm:"type:decimal(20,2)"`
	Costs      decimal.Decimal `gorm:"type:decimal(20,2)"`
	NetPnL     decimal.Decimal `gorm:"type:decimal(20,2)"`
	Reason     string
	OpenedAt   time.Time
	ClosedAt   time.Time `gorm:"index"`
	CreatedAt  time.Time
}

type DailyStat struct {
	Day         string `gorm:"primaryKey"` // 2006-01-02
	Trades      int
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,2)"`
	UpdatedAt   time.Time
}

// New opens the ledger. A postgres:// DSN connects to PostgreSQL,
// anything else is treated as a SQLite file path.
func New(dbPath string) (*Ledger, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Ledger connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Ledger initialized (SQLite)")
	}

	if err := db.AutoMigrate(&ClosedTrade{}, &DailyStat{}); err != nil {
		return nil, err
	}

	return &Ledger{db: db}, nil
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// IncrementTrades bumps the entry counter for the day. Called when an
// order is confirmed filled, so cancelled entries do not count against
// the daily limit.
func (l *Ledger) IncrementTrades(day time.Time) error {
	key := dayKey(day)
	var stat DailyStat
	if err := l.db.FirstOrCreate(&stat, DailyStat{Day: key}).Error; err != nil {
		return err
	}
	stat.Trades++
	stat.UpdatedAt = time.Now()
	return l.db.Save(&stat).Error
}

// RecordClose persists a finished trade and folds its PnL into the
// daily aggregate.
func (l *Ledger) RecordClose(trade *ClosedTrade) error {
	if err := l.db.Create(trade).Error; err != nil {
		return err
	}

	key := dayKey(trade.ClosedAt)
	var stat DailyStat
	if err := l.db.FirstOrCreate(&stat, DailyStat{Day: key}).Error; err != nil {
		return err
	}
	stat.RealizedPnL = stat.RealizedPnL.Add(trade.NetPnL)
	stat.UpdatedAt = time.Now()
	return l.db.Save(&stat).Error
}

// TradesToday returns the number of confirmed entries for the day.
func (l *Ledger) TradesToday(day time.Time) (int, error) {
	var stat DailyStat
	err := l.db.First(&stat, "day = ?", dayKey(day)).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return stat.Trades, nil
}

// RealizedPnLToday returns the net realized PnL for the day.
func (l *Ledger) RealizedPnLToday(day time.Time) (float64, error) {
	var stat DailyStat
	err := l.db.First(&stat, "day = ?", dayKey(day)).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return stat.RealizedPnL.InexactFloat64(), nil
}

// RecentTrades returns the latest closed trades, newest first.
func (l *Ledger) RecentTrades(limit int) ([]ClosedTrade, error) {
	var trades []ClosedTrade
	err := l.db.Order("closed_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// TotalNetPnL sums net PnL across all closed trades.
func (l *Ledger) TotalNetPnL() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := l.db.Model(&ClosedTrade{}).Select("COALESCE(SUM(net_pn_l), 0) as total").Scan(&result).Error
	return result.Total, err
}
