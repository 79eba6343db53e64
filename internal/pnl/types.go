// Package pnl holds the per-trader accounting state and the pure state
// transitions that drive it. Nothing in this package performs I/O; the
// state store, ingestion stream and backfill worker all funnel events
// through these functions.
package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfolio/perpfolio/internal/money"
)

// Margin regimes. Orthogonal to PnL accounting but carried on positions.
const (
	MarginCross    = "cross"
	MarginIsolated = "isolated"
)

// Trade sides as the upstream encodes them: B is the buyer, A the seller.
const (
	SideBuy  = "B"
	SideSell = "A"
)

// Position is one open perpetual position. Size is signed: positive long,
// negative short. A zero size means the position does not exist; the state
// never stores zero-size entries.
type Position struct {
	Coin             string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         decimal.Decimal
	MarginType       string
	LiquidationPrice *decimal.Decimal
	MarginUsed       decimal.Decimal
	UnrealizedPnl    decimal.Decimal
}

// Trade is one fill applied to trader state. Size is unsigned; Side gives
// the direction. ClosedPnl is the realized PnL the upstream attributes to
// this fill.
type Trade struct {
	Coin          string
	Side          string
	Size          decimal.Decimal
	Price         decimal.Decimal
	ClosedPnl     decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
	Tid           int64
	IsLiquidation bool
	Dir           string
	StartPosition decimal.Decimal
	TxHash        string
	Oid           int64
}

// Funding is one funding payment. Payment is signed USD.
type Funding struct {
	Coin               string
	FundingRate        decimal.Decimal
	Payment            decimal.Decimal
	PositionSizeAtTime decimal.Decimal
	Timestamp          time.Time
}

// TraderState is the running PnL state for one trader.
//
// Invariants maintained by the transitions in this package:
//
//	RealizedPnl = RealizedTradingPnl - TotalFees + RealizedFundingPnl
//	TotalPnl    = RealizedPnl + sum of position UnrealizedPnl
//	TotalVolume is monotonic non-decreasing
//	Positions holds no zero-size entries
type TraderState struct {
	TraderID int64
	Address  string

	RealizedTradingPnl decimal.Decimal
	RealizedFundingPnl decimal.Decimal
	TotalFees          decimal.Decimal
	TotalVolume        decimal.Decimal

	TradeCount       int64
	LiquidationCount int64
	FlipCount        int64

	Positions   map[string]Position
	LastUpdated time.Time
}

// NewState creates zeroed state for a trader.
func NewState(traderID int64, address string) *TraderState {
	return &TraderState{
		TraderID:           traderID,
		Address:            address,
		RealizedTradingPnl: money.Zero,
		RealizedFundingPnl: money.Zero,
		TotalFees:          money.Zero,
		TotalVolume:        money.Zero,
		Positions:          make(map[string]Position),
	}
}

// Clone returns a deep copy. Readers outside the state store take a clone
// so they see a consistent view without holding the address lock.
func (s *TraderState) Clone() *TraderState {
	out := *s
	out.Positions = make(map[string]Position, len(s.Positions))
	for coin, pos := range s.Positions {
		if pos.LiquidationPrice != nil {
			lp := *pos.LiquidationPrice
			pos.LiquidationPrice = &lp
		}
		out.Positions[coin] = pos
	}
	return &out
}

// RealizedPnl is trading PnL net of fees plus funding.
func (s *TraderState) RealizedPnl() decimal.Decimal {
	return s.RealizedTradingPnl.Sub(s.TotalFees).Add(s.RealizedFundingPnl)
}

// UnrealizedPnl sums the unrealized PnL across open positions.
func (s *TraderState) UnrealizedPnl() decimal.Decimal {
	total := money.Zero
	for _, pos := range s.Positions {
		total = total.Add(pos.UnrealizedPnl)
	}
	return total
}

// TotalPnl is realized plus unrealized.
func (s *TraderState) TotalPnl() decimal.Decimal {
	return s.RealizedPnl().Add(s.UnrealizedPnl())
}

// OpenPositions returns the number of open positions.
func (s *TraderState) OpenPositions() int {
	return len(s.Positions)
}

// Snapshot is the persisted record of all PnL aggregates for one trader at
// one instant. Primary key (TraderID, Timestamp); writes are idempotent
// upserts.
type Snapshot struct {
	TraderID      int64
	Timestamp     time.Time
	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	TotalPnl      decimal.Decimal
	FundingPnl    decimal.Decimal
	TradingPnl    decimal.Decimal
	TotalFees     decimal.Decimal
	OpenPositions int
	TotalVolume   decimal.Decimal
	AccountValue  *decimal.Decimal
}
