// Package persistence defines the storage model and repository interfaces
// for the indexer. Implementations live in the postgres subpackage; the
// trades, funding_payments and pnl_snapshots tables are Timescale
// hypertables with hourly/daily continuous aggregates over snapshots.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfolio/perpfolio/internal/pnl"
)

// TimeRange is a [From, To) query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Discovery sources recorded on trader rows and queue entries.
const (
	SourceMarketTrade = "market_trade"
	SourceManual      = "manual"
	SourceAPI         = "api"
)

// Trader is one tracked account. Address is lowercased and unique. Rows are
// created once and never deleted; IsActive toggles with subscribe state.
type Trader struct {
	ID              int64     `json:"id" db:"id"`
	Address         string    `json:"address" db:"address"`
	FirstSeenAt     time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at" db:"last_updated_at"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	DiscoverySource string    `json:"discovery_source" db:"discovery_source"`
}

// Trade is one persisted fill. (TraderID, Tid) is the idempotency key.
type Trade struct {
	ID            int64            `json:"id" db:"id"`
	TraderID      int64            `json:"trader_id" db:"trader_id"`
	Coin          string           `json:"coin" db:"coin"`
	Side          string           `json:"side" db:"side"`
	Size          decimal.Decimal  `json:"size" db:"size"`
	Price         decimal.Decimal  `json:"price" db:"price"`
	ClosedPnl     decimal.Decimal  `json:"closed_pnl" db:"closed_pnl"`
	Fee           decimal.Decimal  `json:"fee" db:"fee"`
	Timestamp     time.Time        `json:"ts" db:"ts"`
	Tid           int64            `json:"tid" db:"tid"`
	IsLiquidation bool             `json:"is_liquidation" db:"is_liquidation"`
	Dir           *string          `json:"dir,omitempty" db:"dir"`
	StartPosition *decimal.Decimal `json:"start_position,omitempty" db:"start_position"`
	TxHash        *string          `json:"tx_hash,omitempty" db:"tx_hash"`
	Oid           *int64           `json:"oid,omitempty" db:"oid"`
}

// FundingPayment is one persisted funding event. (TraderID, Coin, Timestamp)
// is the idempotency key.
type FundingPayment struct {
	ID           int64           `json:"id" db:"id"`
	TraderID     int64           `json:"trader_id" db:"trader_id"`
	Coin         string          `json:"coin" db:"coin"`
	FundingRate  decimal.Decimal `json:"funding_rate" db:"funding_rate"`
	Payment      decimal.Decimal `json:"payment" db:"payment"`
	PositionSize decimal.Decimal `json:"position_size" db:"position_size"`
	Timestamp    time.Time       `json:"ts" db:"ts"`
}

// Gap types recorded by the gap detector.
const (
	GapSnapshots = "snapshots"
	GapFills     = "fills"
	GapFunding   = "funding"
)

// DataGap is a contiguous window for one trader with no recorded data.
type DataGap struct {
	ID         int64      `json:"id" db:"id"`
	TraderID   int64      `json:"trader_id" db:"trader_id"`
	GapStart   time.Time  `json:"gap_start" db:"gap_start"`
	GapEnd     time.Time  `json:"gap_end" db:"gap_end"`
	GapType    string     `json:"gap_type" db:"gap_type"`
	DetectedAt time.Time  `json:"detected_at" db:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// DiscoveryItem is one pending or processed entry in the discovery queue.
// Unique by address.
type DiscoveryItem struct {
	ID           string     `json:"id" db:"id"`
	Address      string     `json:"address" db:"address"`
	Source       string     `json:"source" db:"source"`
	Priority     int        `json:"priority" db:"priority"`
	DiscoveredAt time.Time  `json:"discovered_at" db:"discovered_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	Notes        *string    `json:"notes,omitempty" db:"notes"`
}

// AggregateBucket is one row of a continuous aggregate (pnl_hourly or
// pnl_daily): last-in-bucket snapshot metrics per trader.
type AggregateBucket struct {
	Bucket      time.Time       `json:"bucket" db:"bucket"`
	TraderID    int64           `json:"trader_id" db:"trader_id"`
	TotalPnl    decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	RealizedPnl decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	TotalVolume decimal.Decimal `json:"total_volume" db:"total_volume"`
}

// LeaderboardEntry pairs a trader with its latest snapshot metrics.
type LeaderboardEntry struct {
	TraderID    int64           `json:"trader_id" db:"trader_id"`
	Address     string          `json:"address" db:"address"`
	TotalPnl    decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	RealizedPnl decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	TotalVolume decimal.Decimal `json:"total_volume" db:"total_volume"`
	AsOf        time.Time       `json:"as_of" db:"as_of"`
}

// TradeRow builds a trade row from a domain trade, mapping empty optional
// fields to NULL columns.
func TradeRow(traderID int64, t pnl.Trade) Trade {
	row := Trade{
		TraderID:      traderID,
		Coin:          t.Coin,
		Side:          t.Side,
		Size:          t.Size,
		Price:         t.Price,
		ClosedPnl:     t.ClosedPnl,
		Fee:           t.Fee,
		Timestamp:     t.Timestamp,
		Tid:           t.Tid,
		IsLiquidation: t.IsLiquidation,
	}
	if t.Dir != "" {
		dir := t.Dir
		row.Dir = &dir
	}
	if !t.StartPosition.IsZero() || t.Dir != "" {
		sp := t.StartPosition
		row.StartPosition = &sp
	}
	if t.TxHash != "" {
		h := t.TxHash
		row.TxHash = &h
	}
	if t.Oid != 0 {
		oid := t.Oid
		row.Oid = &oid
	}
	return row
}

// FundingRow builds a funding payment row from a domain funding event.
func FundingRow(traderID int64, f pnl.Funding) FundingPayment {
	return FundingPayment{
		TraderID:     traderID,
		Coin:         f.Coin,
		FundingRate:  f.FundingRate,
		Payment:      f.Payment,
		PositionSize: f.PositionSizeAtTime,
		Timestamp:    f.Timestamp,
	}
}

// TradersRepo manages trader rows.
type TradersRepo interface {
	// Create inserts a trader if the address is new and returns the row
	// either way.
	Create(ctx context.Context, address, source string) (*Trader, error)

	// GetByAddress finds a trader by normalized address; nil if unknown.
	GetByAddress(ctx context.Context, address string) (*Trader, error)

	// ListActive returns all active traders.
	ListActive(ctx context.Context) ([]Trader, error)

	// SetActive toggles the subscribe state.
	SetActive(ctx context.Context, id int64, active bool) error

	// Touch bumps last_updated_at.
	Touch(ctx context.Context, id int64, at time.Time) error

	// Count returns the total trader count.
	Count(ctx context.Context) (int64, error)
}

// TradesRepo persists fills. Inserts are idempotent on (trader_id, tid).
type TradesRepo interface {
	Insert(ctx context.Context, trade Trade) error
	InsertBatch(ctx context.Context, trades []Trade) error
	ListByTrader(ctx context.Context, traderID int64, tr TimeRange, limit int) ([]Trade, error)
	CountInRange(ctx context.Context, traderID int64, tr TimeRange) (int64, error)
}

// FundingRepo persists funding payments, idempotent on
// (trader_id, coin, ts).
type FundingRepo interface {
	InsertBatch(ctx context.Context, payments []FundingPayment) error
	ListByTrader(ctx context.Context, traderID int64, tr TimeRange, limit int) ([]FundingPayment, error)
	SumInRange(ctx context.Context, traderID int64, tr TimeRange) (decimal.Decimal, error)
	CountInRange(ctx context.Context, traderID int64, tr TimeRange) (int64, error)
}

// SnapshotsRepo persists PnL snapshots and serves history reads.
type SnapshotsRepo interface {
	// UpsertBatch writes snapshots in one multi-row INSERT with
	// ON CONFLICT (trader_id, ts) DO UPDATE.
	UpsertBatch(ctx context.Context, snapshots []pnl.Snapshot) error

	History(ctx context.Context, traderID int64, tr TimeRange, limit int) ([]pnl.Snapshot, error)
	CountInRange(ctx context.Context, traderID int64, tr TimeRange) (int64, error)

	// Timestamps returns just the snapshot timestamps in range, ascending.
	// The gap detector walks these.
	Timestamps(ctx context.Context, traderID int64, tr TimeRange) ([]time.Time, error)

	// LastTimestamp returns the newest snapshot time, or zero if none.
	LastTimestamp(ctx context.Context, traderID int64) (time.Time, error)

	// Hourly and Daily read the continuous aggregates.
	Hourly(ctx context.Context, traderID int64, tr TimeRange) ([]AggregateBucket, error)
	Daily(ctx context.Context, traderID int64, tr TimeRange) ([]AggregateBucket, error)

	// Leaderboard ranks traders by total PnL at their latest snapshot.
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
}

// GapsRepo persists detected data gaps.
type GapsRepo interface {
	Insert(ctx context.Context, gap DataGap) error
	Open(ctx context.Context, traderID int64) ([]DataGap, error)
	InRange(ctx context.Context, traderID int64, tr TimeRange) ([]DataGap, error)
	Resolve(ctx context.Context, id int64, at time.Time) error
}

// DiscoveryRepo manages the trader discovery queue.
type DiscoveryRepo interface {
	// InsertBatch enqueues addresses with ON CONFLICT (address) DO NOTHING.
	InsertBatch(ctx context.Context, items []DiscoveryItem) error

	// NextUnprocessed returns up to limit pending entries with
	// priority >= 0, ordered priority DESC, discovered_at ASC.
	NextUnprocessed(ctx context.Context, limit int) ([]DiscoveryItem, error)

	// MarkProcessed stamps processed_at and the result note. Exactly-once:
	// an already-processed row is left untouched.
	MarkProcessed(ctx context.Context, id string, notes string) error

	// KnownAddresses returns every address ever queued.
	KnownAddresses(ctx context.Context) ([]string, error)
}

// Repository aggregates all repos behind one handle.
type Repository struct {
	Traders   TradersRepo
	Trades    TradesRepo
	Funding   FundingRepo
	Snapshots SnapshotsRepo
	Gaps      GapsRepo
	Discovery DiscoveryRepo
}
