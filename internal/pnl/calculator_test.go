package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfolio/perpfolio/internal/money"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var tradeClock = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func trade(side, size, price, closedPnl, fee string, tid int64) Trade {
	return Trade{
		Coin:      "BTC",
		Side:      side,
		Size:      dec(size),
		Price:     dec(price),
		ClosedPnl: dec(closedPnl),
		Fee:       dec(fee),
		Timestamp: tradeClock.Add(time.Duration(tid) * time.Minute),
		Tid:       tid,
	}
}

// apply folds a trade into both the aggregates and the position map, the
// way the ingestion paths do.
func apply(st *TraderState, t Trade) {
	ApplyTrade(st, t)
	UpdatePositionFromFill(st, t.Coin, t.Side, t.Size, t.Price)
}

func TestOpenThenClose(t *testing.T) {
	st := NewState(1, "0xabc")

	apply(st, trade(SideBuy, "2", "40000", "0", "0", 1))
	apply(st, trade(SideSell, "2", "45000", "10000", "0", 2))

	assert.True(t, st.RealizedTradingPnl.Equal(dec("10000")), "got %s", st.RealizedTradingPnl)
	assert.True(t, st.TotalVolume.Equal(dec("170000")), "got %s", st.TotalVolume)
	assert.Empty(t, st.Positions)
	assert.Equal(t, int64(2), st.TradeCount)
}

func TestOversellSplitsPnlAndFlips(t *testing.T) {
	st := NewState(1, "0xabc")
	st.Positions["BTC"] = Position{Coin: "BTC", Size: dec("2"), EntryPrice: dec("50000")}

	fill := ComputeFillFromMarketTrade(st, "BTC", dec("55000"), dec("5"), SideSell, tradeClock, 9)
	// closed PnL covers only the closable 2 of the 5 sold
	assert.True(t, fill.ClosedPnl.Equal(dec("10000")), "got %s", fill.ClosedPnl)
	assert.Equal(t, "Close Long", fill.Dir)
	assert.True(t, fill.StartPosition.Equal(dec("2")))

	apply(st, fill)

	pos, ok := st.Positions["BTC"]
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("-3")), "got %s", pos.Size)
	assert.True(t, pos.EntryPrice.Equal(dec("55000")), "flip resets entry, got %s", pos.EntryPrice)
}

func TestWeightedEntryAverage(t *testing.T) {
	st := NewState(1, "0xabc")

	apply(st, trade(SideBuy, "1", "40000", "0", "0", 1))
	apply(st, trade(SideBuy, "1", "50000", "0", "0", 2))

	pos := st.Positions["BTC"]
	assert.True(t, pos.Size.Equal(dec("2")))
	assert.True(t, pos.EntryPrice.Equal(dec("45000")), "got %s", pos.EntryPrice)
}

// Twelve trades across long and short holdings, with the upstream's
// closedPnl attribution on each reducing fill.
func TestScalperSequence(t *testing.T) {
	st := NewState(1, "0xabc")

	seq := []Trade{
		trade(SideBuy, "1", "60000", "0", "0", 1),    // open long
		trade(SideBuy, "1", "59900", "0", "0", 2),    // add, entry 59950
		trade(SideSell, "1", "60050", "100", "0", 3), // reduce: +100
		trade(SideSell, "1", "59900", "-50", "0", 4), // close: -50
		trade(SideSell, "2", "59800", "0", "0", 5),   // open short
		trade(SideBuy, "1", "59700", "100", "0", 6),  // reduce: +100
		trade(SideBuy, "1", "59750", "50", "0", 7),   // close: +50
		trade(SideBuy, "1", "59800", "0", "0", 8),    // open long
		trade(SideBuy, "1", "59900", "0", "0", 9),    // add, entry 59850
		trade(SideSell, "2", "59880", "60", "0", 10), // close: +60
		trade(SideSell, "2", "59800", "0", "0", 11),  // open short
		trade(SideSell, "3", "59800", "0", "0", 12),  // add short
	}

	prevVolume := money.Zero
	for _, tr := range seq {
		apply(st, tr)
		// realized identity holds at every step
		want := st.RealizedTradingPnl.Sub(st.TotalFees).Add(st.RealizedFundingPnl)
		assert.True(t, st.RealizedPnl().Equal(want))
		// volume is monotonic
		assert.True(t, st.TotalVolume.GreaterThanOrEqual(prevVolume))
		prevVolume = st.TotalVolume
	}

	assert.True(t, st.RealizedTradingPnl.Equal(dec("260")), "got %s", st.RealizedTradingPnl)
	assert.Equal(t, int64(12), st.TradeCount)

	pos, ok := st.Positions["BTC"]
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(dec("-5")), "got %s", pos.Size)
	assert.True(t, pos.EntryPrice.Equal(dec("59800")), "got %s", pos.EntryPrice)
}

func TestNoZeroSizePositionStored(t *testing.T) {
	st := NewState(1, "0xabc")

	apply(st, trade(SideBuy, "3", "100", "0", "0", 1))
	apply(st, trade(SideSell, "3", "110", "30", "0", 2))

	_, ok := st.Positions["BTC"]
	assert.False(t, ok, "flat position must be deleted, not stored at zero")
}

func TestPartialReduceKeepsEntry(t *testing.T) {
	st := NewState(1, "0xabc")

	apply(st, trade(SideBuy, "4", "100", "0", "0", 1))
	apply(st, trade(SideSell, "1", "120", "20", "0", 2))

	pos := st.Positions["BTC"]
	assert.True(t, pos.Size.Equal(dec("3")))
	assert.True(t, pos.EntryPrice.Equal(dec("100")), "partial reduce leaves entry, got %s", pos.EntryPrice)
}

func TestIsPositionFlip(t *testing.T) {
	tests := []struct {
		name  string
		trade Trade
		want  bool
	}{
		{"open from flat", Trade{Side: SideBuy, Size: dec("1"), StartPosition: dec("0")}, false},
		{"partial reduce", Trade{Side: SideSell, Size: dec("1"), StartPosition: dec("2")}, false},
		{"exact close", Trade{Side: SideSell, Size: dec("2"), StartPosition: dec("2")}, false},
		{"long to short", Trade{Side: SideSell, Size: dec("5"), StartPosition: dec("2")}, true},
		{"short to long", Trade{Side: SideBuy, Size: dec("3"), StartPosition: dec("-1")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPositionFlip(tt.trade))
		})
	}
}

func TestApplyFundingSignedPayments(t *testing.T) {
	st := NewState(1, "0xabc")

	ApplyFunding(st, Funding{Coin: "BTC", Payment: dec("-3.5"), Timestamp: tradeClock})
	ApplyFunding(st, Funding{Coin: "BTC", Payment: dec("1.25"), Timestamp: tradeClock.Add(time.Hour)})

	assert.True(t, st.RealizedFundingPnl.Equal(dec("-2.25")))
	assert.True(t, st.RealizedPnl().Equal(dec("-2.25")))
	assert.Equal(t, tradeClock.Add(time.Hour), st.LastUpdated)
}

func TestLiquidationCounted(t *testing.T) {
	st := NewState(1, "0xabc")

	liq := trade(SideSell, "1", "90", "-500", "2", 1)
	liq.IsLiquidation = true
	apply(st, liq)

	assert.Equal(t, int64(1), st.LiquidationCount)
	assert.True(t, st.RealizedPnl().Equal(dec("-502")))
}

func TestUpdatePositionsDropsZeroSizes(t *testing.T) {
	st := NewState(1, "0xabc")
	UpdatePositions(st, []Position{
		{Coin: "BTC", Size: dec("1"), EntryPrice: dec("100")},
		{Coin: "ETH", Size: dec("0"), EntryPrice: dec("200")},
	})
	assert.Len(t, st.Positions, 1)
	_, ok := st.Positions["ETH"]
	assert.False(t, ok)
}

func TestCreateSnapshotCarriesBreakdown(t *testing.T) {
	st := NewState(7, "0xabc")
	apply(st, trade(SideBuy, "1", "3000", "0", "1", 1))
	ApplyFunding(st, Funding{Coin: "BTC", Payment: dec("2"), Timestamp: tradeClock})
	st.Positions["BTC"] = Position{Coin: "BTC", Size: dec("1"), EntryPrice: dec("3000"), UnrealizedPnl: dec("50")}

	av := dec("10000")
	snap := CreateSnapshot(st, &av, tradeClock.Add(time.Hour))

	assert.Equal(t, int64(7), snap.TraderID)
	assert.True(t, snap.RealizedPnl.Equal(dec("1")))     // 0 - 1 fee + 2 funding
	assert.True(t, snap.UnrealizedPnl.Equal(dec("50")))
	assert.True(t, snap.TotalPnl.Equal(dec("51")))
	assert.Equal(t, 1, snap.OpenPositions)
	require.NotNil(t, snap.AccountValue)
	assert.True(t, snap.AccountValue.Equal(av))
}
