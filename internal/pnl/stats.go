package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpfolio/perpfolio/internal/money"
)

// SeriesPoint is one (timestamp, pnl) sample of a chronological series.
type SeriesPoint struct {
	Timestamp time.Time
	Value     decimal.Decimal
}

// SummaryStats summarizes a PnL history.
type SummaryStats struct {
	PeakPnl     decimal.Decimal
	TroughPnl   decimal.Decimal
	MaxDrawdown decimal.Decimal
}

// CalculateSummaryStats scans a chronological series and returns the peak,
// the trough, and the maximum running drawdown: the largest distance from a
// running peak down to any later value.
func CalculateSummaryStats(series []SeriesPoint) SummaryStats {
	if len(series) == 0 {
		return SummaryStats{PeakPnl: money.Zero, TroughPnl: money.Zero, MaxDrawdown: money.Zero}
	}

	peak := series[0].Value
	trough := series[0].Value
	runningPeak := series[0].Value
	maxDrawdown := money.Zero

	for _, pt := range series[1:] {
		if pt.Value.GreaterThan(peak) {
			peak = pt.Value
		}
		if pt.Value.LessThan(trough) {
			trough = pt.Value
		}
		if pt.Value.GreaterThan(runningPeak) {
			runningPeak = pt.Value
		}
		if dd := runningPeak.Sub(pt.Value); dd.GreaterThan(maxDrawdown) {
			maxDrawdown = dd
		}
	}

	return SummaryStats{PeakPnl: peak, TroughPnl: trough, MaxDrawdown: maxDrawdown}
}
