package gaps

import (
	"time"

	"github.com/perpfolio/perpfolio/internal/persistence"
)

// PnL provenance values. Everything the indexer computes itself is
// our_calculation; the portfolio proxy endpoint serves upstream_portfolio.
const (
	SourceOurCalculation    = "our_calculation"
	SourceUpstreamPortfolio = "upstream_portfolio"
)

// Confidence grades for a trader's recorded PnL series.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

// Status describes how trustworthy a trader's recorded PnL is over one
// requested window and why.
type Status struct {
	Address                 string                `json:"address"`
	PnlSource               string                `json:"pnl_source"`
	TrackingSince           time.Time             `json:"tracking_since"`
	TrackingCoversTimeframe bool                  `json:"tracking_covers_timeframe"`
	FillsInRange            int64                 `json:"fills_in_range"`
	FillsCapped             bool                  `json:"fills_capped"`
	SnapshotsInRange        int64                 `json:"snapshots_in_range"`
	KnownGaps               []persistence.DataGap `json:"known_gaps"`
	Confidence              string                `json:"confidence"`
	Rationale               string                `json:"rationale"`
}

// Coverage is the live-ingestion view the status is graded against.
type Coverage struct {
	WsMode      bool
	FillsCapped bool
}

// BuildStatus grades coverage for one trader over [window.From, window.To).
//
//	none:   no trader row, nothing recorded
//	low:    unresolved gaps in the window, a truncated fills fetch, or
//	        tracking that began after the window starts
//	medium: polling-only coverage
//	high:   websocket coverage with a clean timeline
func BuildStatus(trader *persistence.Trader, window persistence.TimeRange,
	fillsInRange, snapshotsInRange int64, knownGaps []persistence.DataGap, cov Coverage) Status {
	if trader == nil {
		return Status{
			PnlSource:  SourceOurCalculation,
			Confidence: ConfidenceNone,
			Rationale:  "trader is not tracked",
		}
	}

	st := Status{
		Address:                 trader.Address,
		PnlSource:               SourceOurCalculation,
		TrackingSince:           trader.FirstSeenAt,
		TrackingCoversTimeframe: !trader.FirstSeenAt.After(window.From),
		FillsInRange:            fillsInRange,
		FillsCapped:             cov.FillsCapped,
		SnapshotsInRange:        snapshotsInRange,
		KnownGaps:               knownGaps,
	}

	open := 0
	for _, gap := range knownGaps {
		if gap.ResolvedAt == nil {
			open++
		}
	}

	switch {
	case open > 0:
		st.Confidence = ConfidenceLow
		st.Rationale = "unresolved data gaps in the requested window"
	case cov.FillsCapped:
		st.Confidence = ConfidenceLow
		st.Rationale = "a fills fetch hit the response cap; some fills may be missing"
	case !st.TrackingCoversTimeframe:
		st.Confidence = ConfidenceLow
		st.Rationale = "tracking began after the requested window starts"
	case !cov.WsMode:
		st.Confidence = ConfidenceMedium
		st.Rationale = "polling-only coverage; fills between polls are estimated"
	default:
		st.Confidence = ConfidenceHigh
		st.Rationale = "websocket coverage with no known gaps"
	}
	return st
}
