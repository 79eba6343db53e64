package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfolio/perpfolio/internal/gaps"
	"github.com/perpfolio/perpfolio/internal/ingest"
	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/perpfolio/perpfolio/internal/state"
)

const testAddr = "0xabc0000000000000000000000000000000000abc"

type fakeTradersRepo struct {
	persistence.TradersRepo

	trader *persistence.Trader
}

func (f *fakeTradersRepo) GetByAddress(ctx context.Context, address string) (*persistence.Trader, error) {
	return f.trader, nil
}

type fakeTradesRepo struct {
	persistence.TradesRepo

	count    int64
	gotRange persistence.TimeRange
}

func (f *fakeTradesRepo) CountInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (int64, error) {
	f.gotRange = tr
	return f.count, nil
}

type fakeSnapshotsRepo struct {
	persistence.SnapshotsRepo

	count int64
}

func (f *fakeSnapshotsRepo) CountInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (int64, error) {
	return f.count, nil
}

type fakeGapsRepo struct {
	persistence.GapsRepo

	known []persistence.DataGap
}

func (f *fakeGapsRepo) InRange(ctx context.Context, traderID int64, tr persistence.TimeRange) ([]persistence.DataGap, error) {
	return f.known, nil
}

type nopSink struct{}

func (nopSink) Add(pnl.Snapshot) {}

// newTestServer wires a server around in-memory fakes and returns its
// router plus the trades fake for window assertions.
func newTestServer(t *testing.T, repos *persistence.Repository) (http.Handler, *state.Store) {
	t.Helper()
	store := state.NewStore()
	stream := ingest.NewStream(ingest.DefaultConfig(), nil, nil, store, repos,
		nopSink{}, metrics.NewUnregistered(), zerolog.Nop())

	srv := NewServer(Config{}, repos, store, stream, nil, nil,
		metrics.NewUnregistered(), prometheus.NewRegistry(), zerolog.Nop())
	return srv.http.Handler, store
}

func testRepos() (*persistence.Repository, *fakeTradesRepo) {
	trades := &fakeTradesRepo{count: 5}
	repos := &persistence.Repository{
		Traders: &fakeTradersRepo{trader: &persistence.Trader{
			ID:          1,
			Address:     testAddr,
			FirstSeenAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		Trades:    trades,
		Snapshots: &fakeSnapshotsRepo{count: 1440},
		Gaps:      &fakeGapsRepo{},
	}
	return repos, trades
}

func TestPnlCarriesDataStatus(t *testing.T) {
	repos, trades := testRepos()
	handler, store := newTestServer(t, repos)
	store.Initialize(1, testAddr)

	req := httptest.NewRequest(http.MethodGet,
		"/api/pnl/"+testAddr+"?from=1700000000000&to=1700086400000", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp pnlResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	assert.True(t, resp.Live)
	require.NotNil(t, resp.DataStatus)
	assert.Equal(t, gaps.SourceOurCalculation, resp.DataStatus.PnlSource)
	assert.Equal(t, int64(5), resp.DataStatus.FillsInRange)
	assert.Equal(t, int64(1440), resp.DataStatus.SnapshotsInRange)
	assert.True(t, resp.DataStatus.TrackingCoversTimeframe)
	assert.Equal(t, gaps.ConfidenceMedium, resp.DataStatus.Confidence, "untracked by ws means polling coverage")

	// the from/to parameters bound the counting window
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), trades.gotRange.From)
	assert.Equal(t, time.UnixMilli(1700086400000).UTC(), trades.gotRange.To)
}

func TestPnlDataStatusDegradesOnOpenGap(t *testing.T) {
	repos, _ := testRepos()
	repos.Gaps = &fakeGapsRepo{known: []persistence.DataGap{{
		ID:       1,
		TraderID: 1,
		GapType:  persistence.GapSnapshots,
	}}}
	handler, store := newTestServer(t, repos)
	store.Initialize(1, testAddr)

	req := httptest.NewRequest(http.MethodGet, "/api/pnl/"+testAddr, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp pnlResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.DataStatus)
	assert.Equal(t, gaps.ConfidenceLow, resp.DataStatus.Confidence)
	assert.Len(t, resp.DataStatus.KnownGaps, 1)
}

func TestDataStatusEndpoint(t *testing.T) {
	repos, _ := testRepos()
	handler, _ := newTestServer(t, repos)

	req := httptest.NewRequest(http.MethodGet, "/api/status/"+testAddr+"?days=7", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status gaps.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, testAddr, status.Address)
	assert.Equal(t, gaps.SourceOurCalculation, status.PnlSource)
	assert.NotEmpty(t, status.Rationale)
}
