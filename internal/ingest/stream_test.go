package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/net/budget"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/perpfolio/perpfolio/internal/state"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

const testAddr = "0xabc0000000000000000000000000000000000abc"

const clearinghouseJSON = `{"assetPositions":[],"marginSummary":{"accountValue":"0","totalNtlPos":"0","totalRawUsd":"0","totalMarginUsed":"0"},"withdrawable":"0","time":1}`

type fakeTradersRepo struct {
	persistence.TradersRepo

	mu   sync.Mutex
	next int64
}

func (f *fakeTradersRepo) Create(ctx context.Context, address, source string) (*persistence.Trader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return &persistence.Trader{ID: f.next, Address: address, FirstSeenAt: time.Now().UTC()}, nil
}

type fakeTradesRepo struct {
	persistence.TradesRepo

	mu       sync.Mutex
	inserted []persistence.Trade
}

func (f *fakeTradesRepo) Insert(ctx context.Context, trade persistence.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, trade)
	return nil
}

func (f *fakeTradesRepo) InsertBatch(ctx context.Context, trades []persistence.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, trades...)
	return nil
}

func (f *fakeTradesRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakeSink struct {
	mu    sync.Mutex
	snaps []pnl.Snapshot
}

func (f *fakeSink) Add(snap pnl.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
}

func newTestStream(trades *fakeTradesRepo) (*Stream, *state.Store) {
	store := state.NewStore()
	store.Initialize(1, testAddr)

	s := NewStream(DefaultConfig(), nil, nil, store,
		&persistence.Repository{Trades: trades},
		&fakeSink{}, metrics.NewUnregistered(), zerolog.Nop())
	s.traders[testAddr] = &tracked{traderID: 1, address: testAddr}
	return s, store
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testFill(tid int64, side, size, price, closedPnl, fee string) upstream.Fill {
	return upstream.Fill{
		Coin:      "ETH",
		Px:        dec(price),
		Sz:        dec(size),
		Side:      side,
		Time:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		ClosedPnl: dec(closedPnl),
		Fee:       dec(fee),
		Tid:       tid,
	}
}

func TestApplyFillsUpdatesStateAndPersists(t *testing.T) {
	trades := &fakeTradesRepo{}
	s, store := newTestStream(trades)

	fills := []upstream.Fill{
		testFill(1, pnl.SideBuy, "2", "3000", "0", "1"),
		testFill(2, pnl.SideSell, "2", "3100", "200", "1"),
	}
	s.applyFills(context.Background(), testAddr, fills, "ws")

	st := store.Get(testAddr)
	require.NotNil(t, st)
	assert.True(t, st.RealizedPnl().Equal(dec("198")), "got %s", st.RealizedPnl())
	assert.Equal(t, 0, st.OpenPositions())
	assert.Equal(t, 2, trades.count())
}

func TestApplyFillsDedupesByTid(t *testing.T) {
	trades := &fakeTradesRepo{}
	s, store := newTestStream(trades)

	fill := testFill(7, pnl.SideBuy, "1", "3000", "0", "1")
	s.applyFills(context.Background(), testAddr, []upstream.Fill{fill}, "ws")
	// replay after a reconnect
	s.applyFills(context.Background(), testAddr, []upstream.Fill{fill}, "ws")

	st := store.Get(testAddr)
	assert.Equal(t, int64(1), st.TradeCount)
	assert.Equal(t, 1, trades.count())
}

func TestApplyMarketFillEstimatesClosedPnl(t *testing.T) {
	trades := &fakeTradesRepo{}
	s, store := newTestStream(trades)

	// open a long via a normal fill, then close it through a market print
	s.applyFills(context.Background(), testAddr,
		[]upstream.Fill{testFill(1, pnl.SideBuy, "1", "3000", "0", "0")}, "ws")

	mt := upstream.MarketTrade{
		Coin:  "ETH",
		Px:    dec("3150"),
		Sz:    dec("1"),
		Time:  time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC).UnixMilli(),
		Tid:   2,
		Users: [2]string{"0x1110000000000000000000000000000000000111", testAddr},
	}
	s.ApplyMarketFill(context.Background(), testAddr, mt, pnl.SideSell)

	st := store.Get(testAddr)
	assert.True(t, st.RealizedPnl().Equal(dec("150")), "got %s", st.RealizedPnl())
	assert.Equal(t, 0, st.OpenPositions())
	assert.Equal(t, 2, trades.count())
}

func TestApplyMarketFillDedupes(t *testing.T) {
	trades := &fakeTradesRepo{}
	s, store := newTestStream(trades)

	mt := upstream.MarketTrade{
		Coin: "ETH", Px: dec("3000"), Sz: dec("1"),
		Time: time.Now().UnixMilli(), Tid: 9,
	}
	s.ApplyMarketFill(context.Background(), testAddr, mt, pnl.SideBuy)
	s.ApplyMarketFill(context.Background(), testAddr, mt, pnl.SideBuy)

	st := store.Get(testAddr)
	assert.Equal(t, int64(1), st.TradeCount)
	assert.Equal(t, 1, trades.count())
}

// newLiveStream builds a polling-only stream backed by a real upstream
// client against a local test server.
func newLiveStream(t *testing.T, handler http.HandlerFunc) (*Stream, *state.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := upstream.NewClient(upstream.Config{BaseURL: srv.URL},
		budget.New(100000, 100000), metrics.NewUnregistered(), zerolog.Nop())
	store := state.NewStore()
	s := NewStream(Config{
		UseHybrid:           false,
		PollStartDelay:      time.Millisecond,
		PollInterval:        time.Hour,
		PollBatchGap:        time.Millisecond,
		FundingPollInterval: time.Hour,
		SnapshotInterval:    time.Hour,
	}, nil, client, store,
		&persistence.Repository{Traders: &fakeTradersRepo{}, Trades: &fakeTradesRepo{}},
		&fakeSink{}, metrics.NewUnregistered(), zerolog.Nop())
	return s, store
}

func TestTrackWhileRunning(t *testing.T) {
	s, _ := newLiveStream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(clearinghouseJSON))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	// new subscriptions arrive while the loops are already running
	var tracks sync.WaitGroup
	addrs := make([]string, 8)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("0x%040x", i+1)
		tracks.Add(1)
		go func(addr string) {
			defer tracks.Done()
			assert.NoError(t, s.Track(ctx, addr, persistence.SourceAPI))
		}(addrs[i])
	}
	tracks.Wait()

	for _, addr := range addrs {
		assert.True(t, s.Tracked(addr))
	}

	cancel()
	wg.Wait()
}

func TestPollSkipsFreshPushTraders(t *testing.T) {
	// client is nil here: reaching the poll path for this trader would
	// dereference it
	s, _ := newTestStream(&fakeTradesRepo{})
	s.traders[testAddr].wsMode = true
	s.traders[testAddr].lastEvent = time.Now().UTC()

	s.pollAll(context.Background())
}

func TestPollReconcilesStalePushTraders(t *testing.T) {
	var calls atomic.Int64
	s, store := newLiveStream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(clearinghouseJSON))
	})

	store.Initialize(1, testAddr)
	s.traders[testAddr] = &tracked{
		traderID:  1,
		address:   testAddr,
		wsMode:    true,
		lastEvent: time.Now().UTC().Add(-time.Hour),
	}

	s.pollAll(context.Background())
	assert.GreaterOrEqual(t, calls.Load(), int64(1),
		"a push trader with no recent event must be reconciled")
}

func TestCoverage(t *testing.T) {
	s, _ := newTestStream(&fakeTradesRepo{})

	tracked, wsMode, capped := s.Coverage(testAddr)
	assert.True(t, tracked)
	assert.False(t, wsMode)
	assert.False(t, capped)

	s.traders[testAddr].wsMode = true
	s.traders[testAddr].fillsCapped = true
	_, wsMode, capped = s.Coverage(testAddr)
	assert.True(t, wsMode)
	assert.True(t, capped)

	tracked, _, _ = s.Coverage("0xdead000000000000000000000000000000000000")
	assert.False(t, tracked)
}
