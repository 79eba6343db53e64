package gaps

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
)

type fakeSnapshotsRepo struct {
	persistence.SnapshotsRepo

	timestamps []time.Time
	count      int64
}

func (f *fakeSnapshotsRepo) Timestamps(ctx context.Context, traderID int64, tr persistence.TimeRange) ([]time.Time, error) {
	return f.timestamps, nil
}

func (f *fakeSnapshotsRepo) CountInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (int64, error) {
	return f.count, nil
}

type fakeGapsRepo struct {
	persistence.GapsRepo

	known    []persistence.DataGap
	open     []persistence.DataGap
	inserted []persistence.DataGap
	resolved []int64
}

func (f *fakeGapsRepo) Insert(ctx context.Context, gap persistence.DataGap) error {
	f.inserted = append(f.inserted, gap)
	return nil
}

func (f *fakeGapsRepo) InRange(ctx context.Context, traderID int64, tr persistence.TimeRange) ([]persistence.DataGap, error) {
	return f.known, nil
}

func (f *fakeGapsRepo) Open(ctx context.Context, traderID int64) ([]persistence.DataGap, error) {
	return f.open, nil
}

func (f *fakeGapsRepo) Resolve(ctx context.Context, id int64, at time.Time) error {
	f.resolved = append(f.resolved, id)
	return nil
}

type fakeFundingRepo struct {
	persistence.FundingRepo

	count int64
}

func (f *fakeFundingRepo) CountInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (int64, error) {
	return f.count, nil
}

func newTestDetector(snaps *fakeSnapshotsRepo, gapsRepo *fakeGapsRepo, funding *fakeFundingRepo) *Detector {
	return NewDetector(Config{SnapshotInterval: time.Minute},
		&persistence.Repository{Snapshots: snaps, Gaps: gapsRepo, Funding: funding},
		metrics.NewUnregistered(), zerolog.Nop())
}

func testTrader(firstSeen time.Time) persistence.Trader {
	return persistence.Trader{
		ID:          1,
		Address:     "0xabc0000000000000000000000000000000000abc",
		FirstSeenAt: firstSeen,
	}
}

func TestFindHoles(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	interval := time.Minute

	timestamps := []time.Time{
		base,
		base.Add(1 * time.Minute),
		base.Add(2 * time.Minute),
		base.Add(10 * time.Minute), // 8 minute hole
		base.Add(11 * time.Minute),
		base.Add(13 * time.Minute), // exactly 2x interval, not a gap
		base.Add(20 * time.Minute), // 7 minute hole
	}

	holes := FindHoles(timestamps, interval)
	require.Len(t, holes, 2)
	assert.Equal(t, base.Add(2*time.Minute), holes[0].From)
	assert.Equal(t, base.Add(10*time.Minute), holes[0].To)
	assert.Equal(t, base.Add(13*time.Minute), holes[1].From)
	assert.Equal(t, base.Add(20*time.Minute), holes[1].To)
}

func TestFindHolesShortSeries(t *testing.T) {
	assert.Nil(t, FindHoles(nil, time.Minute))
	assert.Nil(t, FindHoles([]time.Time{time.Now()}, time.Minute))
}

func TestCoverageHolesEdges(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	window := persistence.TimeRange{From: base, To: base.Add(time.Hour)}

	// snapshots only in the middle: the head and tail are holes too
	timestamps := []time.Time{
		base.Add(20 * time.Minute),
		base.Add(21 * time.Minute),
		base.Add(22 * time.Minute),
	}
	holes := CoverageHoles(window, timestamps, time.Minute)
	require.Len(t, holes, 2)
	assert.Equal(t, base, holes[0].From)
	assert.Equal(t, base.Add(20*time.Minute), holes[0].To)
	assert.Equal(t, base.Add(22*time.Minute), holes[1].From)
	assert.Equal(t, base.Add(time.Hour), holes[1].To)
}

func TestCoverageHolesEmptySeries(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	window := persistence.TimeRange{From: base, To: base.Add(time.Hour)}
	holes := CoverageHoles(window, nil, time.Minute)
	require.Len(t, holes, 1)
	assert.Equal(t, window, holes[0])

	// a window inside the tolerance is not a gap
	short := persistence.TimeRange{From: base, To: base.Add(90 * time.Second)}
	assert.Nil(t, CoverageHoles(short, nil, time.Minute))
}

func TestCoverageHolesDenseSeries(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	window := persistence.TimeRange{From: base, To: base.Add(5 * time.Minute)}

	timestamps := make([]time.Time, 6)
	for i := range timestamps {
		timestamps[i] = base.Add(time.Duration(i) * time.Minute)
	}
	assert.Nil(t, CoverageHoles(window, timestamps, time.Minute))
}

func TestScanTraderRecordsWholeHistory(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(2 * time.Hour)

	// coverage stops 90 minutes before now; a hole also sits mid-series
	snaps := &fakeSnapshotsRepo{timestamps: []time.Time{
		base,
		base.Add(1 * time.Minute),
		base.Add(15 * time.Minute),
		base.Add(16 * time.Minute),
		base.Add(30 * time.Minute),
	}}
	gapsRepo := &fakeGapsRepo{}
	d := newTestDetector(snaps, gapsRepo, &fakeFundingRepo{})

	require.NoError(t, d.ScanTrader(context.Background(), testTrader(base), now))

	require.Len(t, gapsRepo.inserted, 3)
	assert.Equal(t, base.Add(1*time.Minute), gapsRepo.inserted[0].GapStart)
	assert.Equal(t, base.Add(15*time.Minute), gapsRepo.inserted[0].GapEnd)
	assert.Equal(t, base.Add(16*time.Minute), gapsRepo.inserted[1].GapStart)
	assert.Equal(t, base.Add(30*time.Minute), gapsRepo.inserted[2].GapStart)
	assert.Equal(t, now, gapsRepo.inserted[2].GapEnd, "tail hole runs to the scan time")
	for _, gap := range gapsRepo.inserted {
		assert.Equal(t, persistence.GapSnapshots, gap.GapType)
		assert.Equal(t, int64(1), gap.TraderID)
	}
}

func TestScanTraderNeverSeenSnapshot(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)

	gapsRepo := &fakeGapsRepo{}
	d := newTestDetector(&fakeSnapshotsRepo{}, gapsRepo, &fakeFundingRepo{})

	require.NoError(t, d.ScanTrader(context.Background(), testTrader(base), now))

	require.Len(t, gapsRepo.inserted, 1)
	assert.Equal(t, base, gapsRepo.inserted[0].GapStart)
	assert.Equal(t, now, gapsRepo.inserted[0].GapEnd)
}

func TestScanTraderSkipsRecordedHoles(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(time.Hour)

	snaps := &fakeSnapshotsRepo{timestamps: []time.Time{
		base,
		base.Add(30 * time.Minute), // hole already on file
		base.Add(31 * time.Minute),
	}}
	gapsRepo := &fakeGapsRepo{known: []persistence.DataGap{{
		ID:       7,
		TraderID: 1,
		GapStart: base.Add(1 * time.Minute),
		GapEnd:   base.Add(29 * time.Minute),
		GapType:  persistence.GapSnapshots,
	}}}
	d := newTestDetector(snaps, gapsRepo, &fakeFundingRepo{})

	require.NoError(t, d.ScanTrader(context.Background(), testTrader(base), now))

	// only the tail hole is new
	require.Len(t, gapsRepo.inserted, 1)
	assert.Equal(t, base.Add(31*time.Minute), gapsRepo.inserted[0].GapStart)
}

func TestResolveFilledClosesFundingGap(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	gapsRepo := &fakeGapsRepo{open: []persistence.DataGap{{
		ID:       3,
		TraderID: 1,
		GapStart: base,
		GapEnd:   base.Add(time.Hour),
		GapType:  persistence.GapFunding,
	}}}
	d := newTestDetector(&fakeSnapshotsRepo{}, gapsRepo, &fakeFundingRepo{count: 2})

	require.NoError(t, d.resolveFilled(context.Background(), 1, base.Add(2*time.Hour)))
	assert.Equal(t, []int64{3}, gapsRepo.resolved)
}

func TestResolveFilledLeavesEmptyGapOpen(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	gapsRepo := &fakeGapsRepo{open: []persistence.DataGap{{
		ID:       4,
		TraderID: 1,
		GapStart: base,
		GapEnd:   base.Add(time.Hour),
		GapType:  persistence.GapFunding,
	}}}
	d := newTestDetector(&fakeSnapshotsRepo{}, gapsRepo, &fakeFundingRepo{count: 0})

	require.NoError(t, d.resolveFilled(context.Background(), 1, base.Add(2*time.Hour)))
	assert.Empty(t, gapsRepo.resolved)
}

func TestBuildStatusUntracked(t *testing.T) {
	window := persistence.TimeRange{From: time.Now().Add(-time.Hour), To: time.Now()}
	st := BuildStatus(nil, window, 0, 0, nil, Coverage{})
	assert.Equal(t, ConfidenceNone, st.Confidence)
	assert.Equal(t, SourceOurCalculation, st.PnlSource)
}

func TestBuildStatusGrades(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	window := persistence.TimeRange{From: base, To: base.Add(24 * time.Hour)}

	openGap := persistence.DataGap{ID: 1, TraderID: 1, GapType: persistence.GapSnapshots}
	resolvedAt := base.Add(time.Hour)
	resolvedGap := persistence.DataGap{ID: 2, TraderID: 1, GapType: persistence.GapSnapshots, ResolvedAt: &resolvedAt}

	tests := []struct {
		name      string
		firstSeen time.Time
		gaps      []persistence.DataGap
		cov       Coverage
		want      string
	}{
		{"ws clean", base.Add(-time.Hour), nil, Coverage{WsMode: true}, ConfidenceHigh},
		{"resolved gaps do not degrade", base.Add(-time.Hour), []persistence.DataGap{resolvedGap}, Coverage{WsMode: true}, ConfidenceHigh},
		{"polling clean", base.Add(-time.Hour), nil, Coverage{}, ConfidenceMedium},
		{"open gap", base.Add(-time.Hour), []persistence.DataGap{openGap}, Coverage{WsMode: true}, ConfidenceLow},
		{"fills capped", base.Add(-time.Hour), nil, Coverage{WsMode: true, FillsCapped: true}, ConfidenceLow},
		{"tracking starts mid-window", base.Add(time.Hour), nil, Coverage{WsMode: true}, ConfidenceLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trader := testTrader(tt.firstSeen)
			st := BuildStatus(&trader, window, 10, 20, tt.gaps, tt.cov)
			assert.Equal(t, tt.want, st.Confidence)
			assert.Equal(t, SourceOurCalculation, st.PnlSource)
			assert.NotEmpty(t, st.Rationale)
		})
	}
}

func TestBuildStatusCarriesWindowFacts(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	window := persistence.TimeRange{From: base, To: base.Add(24 * time.Hour)}
	trader := testTrader(base.Add(-48 * time.Hour))
	gap := persistence.DataGap{ID: 9, TraderID: 1, GapType: persistence.GapFills}

	st := BuildStatus(&trader, window, 42, 1440, []persistence.DataGap{gap}, Coverage{WsMode: true})

	assert.Equal(t, trader.Address, st.Address)
	assert.Equal(t, trader.FirstSeenAt, st.TrackingSince)
	assert.True(t, st.TrackingCoversTimeframe)
	assert.Equal(t, int64(42), st.FillsInRange)
	assert.Equal(t, int64(1440), st.SnapshotsInRange)
	assert.Len(t, st.KnownGaps, 1)

	late := testTrader(base.Add(time.Hour))
	st = BuildStatus(&late, window, 0, 0, nil, Coverage{WsMode: true})
	assert.False(t, st.TrackingCoversTimeframe)
}
