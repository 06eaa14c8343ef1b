package storage

import (
	"time"

	"gorm.io/gorm"
)

// Table names are part of the output contract: downstream query tools read
// them directly, so they must not change.
const (
	TableMarketSnapshots     = "market_snapshots"
	TableOutcomeSnapshots    = "outcome_snapshots"
	TableTradeSnapshots      = "trade_snapshots"
	TablePriceChangeEvents   = "price_change_events"
	TableOrderbookSnapshots  = "orderbook_snapshots"
	TableResolutionSnapshots = "resolution_snapshots"
)

// MarketSnapshot is one binary market read at one point in time
type MarketSnapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"not null;index:idx_market_snap_time"`
	MarketID  string    `gorm:"size:128;not null;index:idx_market_snap_id"`
	Title     string    `gorm:"size:512"`
	Category  string    `gorm:"size:128"`
	YesPrice  *float64
	NoPrice   *float64
	ParityGap *float64 `gorm:"index:idx_market_snap_gap"`
	BestBid   *float64
	BestAsk   *float64
	Spread    *float64
	Volume24h *float64 `gorm:"column:volume_24h"`
	Liquidity *float64
	EndTime   string `gorm:"size:64"`
	Active    *bool
}

func (MarketSnapshot) TableName() string {
	return TableMarketSnapshots
}

// OutcomeSnapshot is one outcome of a multi-outcome market
type OutcomeSnapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"not null;index:idx_outcome_snap_time"`
	MarketID  string    `gorm:"size:128;not null;index"`
	Outcome   string    `gorm:"size:255"`
	Price     *float64
	TokenID   string `gorm:"size:128"`
}

func (OutcomeSnapshot) TableName() string {
	return TableOutcomeSnapshots
}

// TradeSnapshot is one executed trade from the market stream
type TradeSnapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"not null;index:idx_trade_snap_time"`
	MarketID  string    `gorm:"size:128;not null"`
	TokenID   string    `gorm:"size:128;not null"`
	Price     float64
	Size      float64
	Side      string `gorm:"size:10"` // buy, sell
}

func (TradeSnapshot) TableName() string {
	return TableTradeSnapshots
}

// PriceChangeEvent is an order placement or cancellation on one token
type PriceChangeEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"not null;index:idx_price_change_time"`
	MarketID  string    `gorm:"size:128;not null"`
	TokenID   string    `gorm:"size:128;not null;index:idx_price_change_token"`
	Price     float64
	Size      float64
	Side      string `gorm:"size:10"` // buy, sell
	BestBid   *float64
	BestAsk   *float64
}

func (PriceChangeEvent) TableName() string {
	return TablePriceChangeEvents
}

// OrderbookSnapshot is one depth level of one side of a token's book
type OrderbookSnapshot struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"not null;index:idx_book_snap_time"`
	MarketID  string    `gorm:"size:128;not null"`
	TokenID   string    `gorm:"size:128;not null"`
	Side      string    `gorm:"size:4"` // bid, ask
	Level     int       // 0 = best
	Price     float64
	Size      float64
}

func (OrderbookSnapshot) TableName() string {
	return TableOrderbookSnapshots
}

// ResolutionSnapshot records a market's resolution status
type ResolutionSnapshot struct {
	ID                int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp         time.Time `gorm:"not null;index"`
	MarketID          string    `gorm:"size:128;not null;index"`
	Resolved          bool
	ResolutionOutcome string `gorm:"size:255"`
	ResolutionSource  string `gorm:"size:512"`
}

func (ResolutionSnapshot) TableName() string {
	return TableResolutionSnapshots
}

// BeforeCreate hooks stamp rows that reach the store without a timestamp
func (s *MarketSnapshot) BeforeCreate(tx *gorm.DB) error {
	stampIfZero(&s.Timestamp)
	return nil
}

func (s *OutcomeSnapshot) BeforeCreate(tx *gorm.DB) error {
	stampIfZero(&s.Timestamp)
	return nil
}

func (s *TradeSnapshot) BeforeCreate(tx *gorm.DB) error {
	stampIfZero(&s.Timestamp)
	return nil
}

func (e *PriceChangeEvent) BeforeCreate(tx *gorm.DB) error {
	stampIfZero(&e.Timestamp)
	return nil
}

func (s *OrderbookSnapshot) BeforeCreate(tx *gorm.DB) error {
	stampIfZero(&s.Timestamp)
	return nil
}

func (s *ResolutionSnapshot) BeforeCreate(tx *gorm.DB) error {
	stampIfZero(&s.Timestamp)
	return nil
}

func stampIfZero(ts *time.Time) {
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
}
