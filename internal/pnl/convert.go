package pnl

import (
	"time"

	"github.com/perpfolio/perpfolio/internal/upstream"
)

// TradeFromFill converts an upstream fill into a domain trade.
func TradeFromFill(f upstream.Fill) Trade {
	return Trade{
		Coin:          f.Coin,
		Side:          f.Side,
		Size:          f.Sz,
		Price:         f.Px,
		ClosedPnl:     f.ClosedPnl,
		Fee:           f.Fee,
		Timestamp:     time.UnixMilli(f.Time).UTC(),
		Tid:           f.Tid,
		IsLiquidation: f.IsLiquidation(),
		Dir:           f.Dir,
		StartPosition: f.StartPosition,
		TxHash:        f.Hash,
		Oid:           f.Oid,
	}
}

// FundingFromEntry converts an upstream funding ledger entry.
func FundingFromEntry(e upstream.FundingEntry) Funding {
	return Funding{
		Coin:               e.Delta.Coin,
		FundingRate:        e.Delta.FundingRate,
		Payment:            e.Delta.Usdc,
		PositionSizeAtTime: e.Delta.Szi,
		Timestamp:          time.UnixMilli(e.Time).UTC(),
	}
}

// PositionsFromClearinghouse converts a clearinghouse snapshot into domain
// positions. Zero-size entries are dropped by UpdatePositions downstream.
func PositionsFromClearinghouse(state *upstream.ClearinghouseState) []Position {
	out := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		raw := ap.Position
		pos := Position{
			Coin:          raw.Coin,
			Size:          raw.Szi,
			EntryPrice:    raw.EntryPx,
			Leverage:      raw.Leverage.Value,
			MarginType:    raw.Leverage.Type,
			MarginUsed:    raw.MarginUsed,
			UnrealizedPnl: raw.UnrealizedPnl,
		}
		if raw.LiquidationPx != nil {
			lp := *raw.LiquidationPx
			pos.LiquidationPrice = &lp
		}
		out = append(out, pos)
	}
	return out
}
