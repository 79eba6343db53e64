// Package gaps detects holes in a trader's snapshot history and grades
// how trustworthy the recorded PnL series is.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
)

// Config tunes the detector.
type Config struct {
	// SnapshotInterval is the expected cadence; a hole wider than twice
	// this counts as a gap.
	SnapshotInterval time.Duration
	// ScanInterval is how often every active trader is re-checked.
	ScanInterval time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: time.Minute,
		ScanInterval:     10 * time.Minute,
	}
}

// Detector scans snapshot timelines for gaps.
type Detector struct {
	cfg     Config
	repos   *persistence.Repository
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewDetector assembles a detector.
func NewDetector(cfg Config, repos *persistence.Repository, m *metrics.Metrics, log zerolog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	return &Detector{
		cfg:     cfg,
		repos:   repos,
		metrics: m,
		log:     log.With().Str("component", "gaps").Logger(),
	}
}

// Run scans once at startup, then periodically until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	if err := d.ScanAll(ctx); err != nil && ctx.Err() == nil {
		d.log.Warn().Err(err).Msg("startup gap scan failed")
	}

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.ScanAll(ctx); err != nil && ctx.Err() == nil {
				d.log.Warn().Err(err).Msg("gap scan failed")
			}
		}
	}
}

// ScanAll checks every active trader once.
func (d *Detector) ScanAll(ctx context.Context) error {
	traders, err := d.repos.Traders.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active traders: %w", err)
	}
	now := time.Now().UTC()
	for _, trader := range traders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.ScanTrader(ctx, trader, now); err != nil {
			d.log.Warn().Err(err).Int64("trader", trader.ID).Msg("trader gap scan failed")
		}
	}
	return nil
}

// ScanTrader walks one trader's snapshot timestamps over the whole
// [first_seen, now) history, records holes wider than the tolerance and
// resolves open gaps that have since been filled. Holes already covered
// by a recorded gap are not re-inserted.
func (d *Detector) ScanTrader(ctx context.Context, trader persistence.Trader, now time.Time) error {
	window := persistence.TimeRange{From: trader.FirstSeenAt, To: now}
	timestamps, err := d.repos.Snapshots.Timestamps(ctx, trader.ID, window)
	if err != nil {
		return fmt.Errorf("snapshot timestamps: %w", err)
	}

	holes := CoverageHoles(window, timestamps, d.cfg.SnapshotInterval)
	if len(holes) > 0 {
		known, err := d.repos.Gaps.InRange(ctx, trader.ID, window)
		if err != nil {
			return fmt.Errorf("known gaps: %w", err)
		}
		for _, hole := range holes {
			if coveredByKnown(hole, known) {
				continue
			}
			gap := persistence.DataGap{
				TraderID:   trader.ID,
				GapStart:   hole.From,
				GapEnd:     hole.To,
				GapType:    persistence.GapSnapshots,
				DetectedAt: now,
			}
			if err := d.repos.Gaps.Insert(ctx, gap); err != nil {
				return fmt.Errorf("record gap: %w", err)
			}
			d.metrics.GapsDetected.WithLabelValues(persistence.GapSnapshots).Inc()
		}
	}

	return d.resolveFilled(ctx, trader.ID, now)
}

// coveredByKnown reports whether the hole is already flagged: an open gap
// overlapping it, or a resolved gap fully containing it.
func coveredByKnown(hole persistence.TimeRange, known []persistence.DataGap) bool {
	for _, gap := range known {
		if gap.GapType != persistence.GapSnapshots {
			continue
		}
		if gap.ResolvedAt == nil {
			if gap.GapStart.Before(hole.To) && gap.GapEnd.After(hole.From) {
				return true
			}
			continue
		}
		if !gap.GapStart.After(hole.From) && !gap.GapEnd.Before(hole.To) {
			return true
		}
	}
	return false
}

// resolveFilled closes open gaps whose window now contains data.
func (d *Detector) resolveFilled(ctx context.Context, traderID int64, now time.Time) error {
	open, err := d.repos.Gaps.Open(ctx, traderID)
	if err != nil {
		return fmt.Errorf("open gaps: %w", err)
	}
	for _, gap := range open {
		var count int64
		window := persistence.TimeRange{From: gap.GapStart, To: gap.GapEnd}
		switch gap.GapType {
		case persistence.GapFills:
			count, err = d.repos.Trades.CountInRange(ctx, traderID, window)
		case persistence.GapFunding:
			count, err = d.repos.Funding.CountInRange(ctx, traderID, window)
		case persistence.GapSnapshots:
			count, err = d.repos.Snapshots.CountInRange(ctx, traderID, window)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("check gap %d: %w", gap.ID, err)
		}
		if count > 0 {
			if err := d.repos.Gaps.Resolve(ctx, gap.ID, now); err != nil {
				return fmt.Errorf("resolve gap %d: %w", gap.ID, err)
			}
			d.log.Info().Int64("trader", traderID).Int64("gap", gap.ID).Msg("data gap resolved")
		}
	}
	return nil
}

// FindHoles returns the windows between consecutive timestamps that
// exceed twice the expected interval. Input must be ascending.
func FindHoles(timestamps []time.Time, interval time.Duration) []persistence.TimeRange {
	tolerance := 2 * interval
	var holes []persistence.TimeRange
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Sub(timestamps[i-1]) > tolerance {
			holes = append(holes, persistence.TimeRange{From: timestamps[i-1], To: timestamps[i]})
		}
	}
	return holes
}

// CoverageHoles extends FindHoles to the window edges: a head hole from
// the window start to the first timestamp, and a tail hole from the last
// timestamp to the window end. An empty series yields the whole window.
func CoverageHoles(window persistence.TimeRange, timestamps []time.Time, interval time.Duration) []persistence.TimeRange {
	tolerance := 2 * interval

	if len(timestamps) == 0 {
		if window.To.Sub(window.From) > tolerance {
			return []persistence.TimeRange{window}
		}
		return nil
	}

	var holes []persistence.TimeRange
	if timestamps[0].Sub(window.From) > tolerance {
		holes = append(holes, persistence.TimeRange{From: window.From, To: timestamps[0]})
	}
	holes = append(holes, FindHoles(timestamps, interval)...)
	if last := timestamps[len(timestamps)-1]; window.To.Sub(last) > tolerance {
		holes = append(holes, persistence.TimeRange{From: last, To: window.To})
	}
	return holes
}
