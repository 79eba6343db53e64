package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfolio/perpfolio/internal/money"
)

// ApplyTrade folds one fill into the running aggregates. Position changes
// are handled separately by UpdatePositionFromFill or UpdatePositions.
func ApplyTrade(s *TraderState, t Trade) {
	s.RealizedTradingPnl = s.RealizedTradingPnl.Add(t.ClosedPnl)
	s.TotalFees = s.TotalFees.Add(t.Fee)
	s.TotalVolume = s.TotalVolume.Add(t.Size.Mul(t.Price))
	s.TradeCount++
	if t.IsLiquidation {
		s.LiquidationCount++
	}
	if IsPositionFlip(t) {
		s.FlipCount++
	}
	s.LastUpdated = t.Timestamp
}

// IsPositionFlip reports whether the trade crosses through zero: the
// pre-trade position is non-zero and the post-trade position has the
// opposite sign.
func IsPositionFlip(t Trade) bool {
	if money.IsZero(t.StartPosition) {
		return false
	}
	delta := t.Size
	if t.Side == SideSell {
		delta = delta.Neg()
	}
	after := t.StartPosition.Add(delta)
	if money.IsZero(after) {
		return false
	}
	return after.Sign() != t.StartPosition.Sign()
}

// ApplyFunding folds one funding payment into the running aggregates.
func ApplyFunding(s *TraderState, f Funding) {
	s.RealizedFundingPnl = s.RealizedFundingPnl.Add(f.Payment)
	if f.Timestamp.After(s.LastUpdated) {
		s.LastUpdated = f.Timestamp
	}
}

// UpdatePositions replaces the positions map from an authoritative
// clearinghouse snapshot, dropping zero-size entries.
func UpdatePositions(s *TraderState, positions []Position) {
	next := make(map[string]Position, len(positions))
	for _, pos := range positions {
		if money.IsZero(pos.Size) {
			continue
		}
		next[pos.Coin] = pos
	}
	s.Positions = next
}

// ComputeFillFromMarketTrade derives a trade record for a fill learned via
// the coin-level trades channel, where the upstream attributes neither a fee
// nor a closedPnl to us. ClosedPnl is estimated against the tracked entry
// price when the trade reduces an open position; fees stay zero until the
// periodic reconciliation restores truth.
func ComputeFillFromMarketTrade(s *TraderState, coin string, price, size decimal.Decimal, ourSide string, ts time.Time, tid int64) Trade {
	t := Trade{
		Coin:      coin,
		Side:      ourSide,
		Size:      size,
		Price:     price,
		ClosedPnl: money.Zero,
		Fee:       money.Zero,
		Timestamp: ts,
		Tid:       tid,
	}

	pos, ok := s.Positions[coin]
	if ok && !money.IsZero(pos.Size) {
		t.StartPosition = pos.Size
		reduces := (pos.Size.Sign() > 0 && ourSide == SideSell) ||
			(pos.Size.Sign() < 0 && ourSide == SideBuy)
		if reduces {
			closeSize := decimal.Min(size, pos.Size.Abs())
			pnl := price.Sub(pos.EntryPrice).Mul(closeSize)
			if pos.Size.Sign() < 0 {
				pnl = pnl.Neg()
			}
			t.ClosedPnl = pnl
			if pos.Size.Sign() > 0 {
				t.Dir = "Close Long"
			} else {
				t.Dir = "Close Short"
			}
		} else {
			if pos.Size.Sign() > 0 {
				t.Dir = "Open Long"
			} else {
				t.Dir = "Open Short"
			}
		}
	} else {
		if ourSide == SideBuy {
			t.Dir = "Open Long"
		} else {
			t.Dir = "Open Short"
		}
	}
	return t
}

// UpdatePositionFromFill advances the tracked position for a fill.
//
//   - net flat: the position is deleted
//   - open or flip: entry price resets to the fill price
//   - add (same sign): entry price becomes the size-weighted average
//   - partial reduce: entry price unchanged
func UpdatePositionFromFill(s *TraderState, coin, side string, size, price decimal.Decimal) {
	delta := size
	if side == SideSell {
		delta = delta.Neg()
	}

	pos, ok := s.Positions[coin]
	oldSize := money.Zero
	if ok {
		oldSize = pos.Size
	}
	newSize := oldSize.Add(delta)

	if money.IsZero(newSize) {
		delete(s.Positions, coin)
		return
	}

	switch {
	case money.IsZero(oldSize) || oldSize.Sign() != newSize.Sign():
		pos = Position{Coin: coin, Size: newSize, EntryPrice: price}
	case money.SameSign(delta, oldSize):
		// Adding to the position: size-weighted average entry.
		weighted := pos.EntryPrice.Mul(oldSize.Abs()).Add(price.Mul(size))
		pos.EntryPrice = money.DivEntry(weighted, oldSize.Abs().Add(size))
		pos.Size = newSize
	default:
		// Partial reduce, sign preserved.
		pos.Size = newSize
	}
	s.Positions[coin] = pos
}

// CreateSnapshot assembles a snapshot row from the current state. The
// account value comes from the upstream clearinghouse response when
// available and is nil for backfill-derived snapshots.
func CreateSnapshot(s *TraderState, accountValue *decimal.Decimal, ts time.Time) Snapshot {
	return Snapshot{
		TraderID:      s.TraderID,
		Timestamp:     ts,
		RealizedPnl:   s.RealizedPnl(),
		UnrealizedPnl: s.UnrealizedPnl(),
		TotalPnl:      s.TotalPnl(),
		FundingPnl:    s.RealizedFundingPnl,
		TradingPnl:    s.RealizedTradingPnl,
		TotalFees:     s.TotalFees,
		OpenPositions: s.OpenPositions(),
		TotalVolume:   s.TotalVolume,
		AccountValue:  accountValue,
	}
}
