// Package ingest runs the hybrid live stream: WebSocket fills for traders
// inside the per-connection subscription cap, periodic polling for
// everyone, and periodic position reconciliation against the
// clearinghouse.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/perpfolio/perpfolio/internal/state"
	"github.com/perpfolio/perpfolio/internal/upstream"
	"github.com/perpfolio/perpfolio/internal/upstream/ws"
)

// SnapshotSink receives snapshots for batched persistence.
type SnapshotSink interface {
	Add(snap pnl.Snapshot)
}

// Config tunes the hybrid stream.
type Config struct {
	// UseHybrid enables the WebSocket push path. When false every trader
	// is covered by polling only.
	UseHybrid bool
	// PollInterval is the cadence of the position/fill reconciliation poll.
	PollInterval time.Duration
	// PollStartDelay postpones the first poll after startup so the
	// WebSocket path settles first.
	PollStartDelay time.Duration
	// PollBatchSize traders are polled concurrently, then the loop rests
	// PollBatchGap before the next batch.
	PollBatchSize int
	PollBatchGap  time.Duration
	// FundingPollInterval is the cadence of the funding ledger poll.
	FundingPollInterval time.Duration
	// SnapshotInterval is the cadence of state snapshots for every
	// tracked trader.
	SnapshotInterval time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		UseHybrid:           true,
		PollInterval:        5 * time.Minute,
		PollStartDelay:      10 * time.Second,
		PollBatchSize:       10,
		PollBatchGap:        3 * time.Second,
		FundingPollInterval: time.Hour,
		SnapshotInterval:    time.Minute,
	}
}

// tracked is the stream's bookkeeping for one trader.
type tracked struct {
	traderID     int64
	address      string
	wsMode       bool
	fillsCapped  bool
	cancel       context.CancelFunc
	lastFillPoll time.Time
	lastFunding  time.Time
	lastEvent    time.Time
}

// Stream coordinates live ingestion for all tracked traders.
type Stream struct {
	cfg     Config
	mux     *ws.Mux
	client  *upstream.Client
	store   *state.Store
	repos   *persistence.Repository
	sink    SnapshotSink
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	traders map[string]*tracked
	// runCtx is set by Run and read by Track; both under mu.
	runCtx context.Context
}

// NewStream assembles the hybrid stream.
func NewStream(cfg Config, mux *ws.Mux, client *upstream.Client, store *state.Store,
	repos *persistence.Repository, sink SnapshotSink, m *metrics.Metrics, log zerolog.Logger) *Stream {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollStartDelay <= 0 {
		cfg.PollStartDelay = def.PollStartDelay
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = def.PollBatchSize
	}
	if cfg.PollBatchGap <= 0 {
		cfg.PollBatchGap = def.PollBatchGap
	}
	if cfg.FundingPollInterval <= 0 {
		cfg.FundingPollInterval = def.FundingPollInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	return &Stream{
		cfg:     cfg,
		mux:     mux,
		client:  client,
		store:   store,
		repos:   repos,
		sink:    sink,
		metrics: m,
		log:     log.With().Str("component", "ingest").Logger(),
		traders: make(map[string]*tracked),
	}
}

// Track begins live coverage for an address: the trader row is ensured,
// in-memory state is seeded from the clearinghouse, and a userFills
// subscription is taken while the connection cap allows. Beyond the cap
// the trader is covered by polling only.
func (s *Stream) Track(ctx context.Context, address, source string) error {
	if !upstream.ValidAddress(address) {
		return fmt.Errorf("track: invalid address %q", address)
	}
	address = upstream.NormalizeAddress(address)

	s.mu.Lock()
	if _, ok := s.traders[address]; ok {
		s.mu.Unlock()
		return nil
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	trader, err := s.repos.Traders.Create(ctx, address, source)
	if err != nil {
		return fmt.Errorf("track %s: %w", address, err)
	}

	s.store.Initialize(trader.ID, address)
	s.metrics.TrackedTraders.Set(float64(s.store.Size()))

	if err := s.reconcilePositions(ctx, address, time.Now().UTC()); err != nil {
		// Seed failure is not fatal; the poll loop repairs positions.
		s.log.Warn().Err(err).Str("address", address).Msg("initial position seed failed")
	}

	now := time.Now().UTC()
	t := &tracked{
		traderID:     trader.ID,
		address:      address,
		lastFillPoll: now,
		lastFunding:  now,
		lastEvent:    now,
	}

	if s.cfg.UseHybrid {
		streamCtx := ctx
		if runCtx != nil {
			streamCtx = runCtx
		}
		ch, err := s.mux.Subscribe(streamCtx, ws.Subscription{Channel: ws.ChannelUserFills, User: address})
		switch {
		case err == nil:
			t.wsMode = true
			consumeCtx, cancel := context.WithCancel(streamCtx)
			t.cancel = cancel
			go s.consumeFills(consumeCtx, address, ch)
			s.metrics.WSSubscriptions.Inc()
		case errors.Is(err, ws.ErrUserFillsCapReached):
			s.log.Info().Str("address", address).Msg("userFills cap reached, polling-only coverage")
		default:
			s.log.Warn().Err(err).Str("address", address).Msg("userFills subscribe failed, polling-only coverage")
		}
	}

	s.mu.Lock()
	s.traders[address] = t
	s.mu.Unlock()

	s.log.Info().Str("address", address).Bool("ws", t.wsMode).Msg("trader tracked")
	return nil
}

// Untrack stops live coverage and marks the trader inactive. Persisted
// history stays.
func (s *Stream) Untrack(ctx context.Context, address string) error {
	address = upstream.NormalizeAddress(address)

	s.mu.Lock()
	t, ok := s.traders[address]
	if ok {
		delete(s.traders, address)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("untrack: %s is not tracked", address)
	}

	if t.wsMode {
		s.mux.Unsubscribe(ws.Subscription{Channel: ws.ChannelUserFills, User: address})
		s.metrics.WSSubscriptions.Dec()
	}
	if t.cancel != nil {
		t.cancel()
	}
	s.store.Remove(address)
	s.metrics.TrackedTraders.Set(float64(s.store.Size()))

	if err := s.repos.Traders.SetActive(ctx, t.traderID, false); err != nil {
		return fmt.Errorf("untrack %s: %w", address, err)
	}
	return nil
}

// Tracked reports whether the address has live coverage.
func (s *Stream) Tracked(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.traders[upstream.NormalizeAddress(address)]
	return ok
}

// Coverage reports how the address is covered: tracked at all, via the
// push path, and whether a fill poll ever hit the response cap.
func (s *Stream) Coverage(address string) (tracked, wsMode, fillsCapped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traders[upstream.NormalizeAddress(address)]
	if !ok {
		return false, false, false
	}
	return true, t.wsMode, t.fillsCapped
}

// Run drives the poll, funding and snapshot loops until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	select {
	case <-time.After(s.cfg.PollStartDelay):
	case <-ctx.Done():
		return
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	funding := time.NewTicker(s.cfg.FundingPollInterval)
	snapshots := time.NewTicker(s.cfg.SnapshotInterval)
	defer poll.Stop()
	defer funding.Stop()
	defer snapshots.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.pollAll(ctx)
		case <-funding.C:
			s.pollFunding(ctx)
		case <-snapshots.C:
			s.snapshotAll(time.Now().UTC())
		}
	}
}

// userFillsFrame is the payload of one userFills channel message. The
// first frame after subscribing carries isSnapshot with recent history;
// backfill owns history, so snapshot frames are skipped.
type userFillsFrame struct {
	User       string          `json:"user"`
	IsSnapshot bool            `json:"isSnapshot"`
	Fills      []upstream.Fill `json:"fills"`
}

func (s *Stream) consumeFills(ctx context.Context, address string, ch <-chan ws.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame userFillsFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				s.log.Warn().Err(err).Str("address", address).Msg("userFills payload decode failed")
				continue
			}
			if frame.IsSnapshot {
				s.log.Debug().Str("address", address).Int("fills", len(frame.Fills)).
					Msg("skipping userFills snapshot frame")
				continue
			}
			s.applyFills(ctx, address, frame.Fills, "ws")
		}
	}
}

// applyFills folds fills into the trader state and persists them. The
// per-trader tid set drops replays from reconnects and the poll overlap.
func (s *Stream) applyFills(ctx context.Context, address string, fills []upstream.Fill, source string) {
	if len(fills) == 0 {
		return
	}

	traderID := s.traderID(address)
	if traderID == 0 {
		return
	}

	var rows []persistence.Trade
	applied := 0
	for _, f := range fills {
		if !s.store.MarkTid(address, f.Tid) {
			s.metrics.FillsDeduped.Inc()
			continue
		}
		trade := pnl.TradeFromFill(f)
		s.store.Update(address, func(st *pnl.TraderState) {
			pnl.ApplyTrade(st, trade)
			pnl.UpdatePositionFromFill(st, trade.Coin, trade.Side, trade.Size, trade.Price)
		})
		rows = append(rows, persistence.TradeRow(traderID, trade))
		applied++
	}
	if applied == 0 {
		return
	}
	s.markEvent(address, time.Now().UTC())
	s.metrics.FillsProcessed.WithLabelValues(source).Add(float64(applied))

	if err := s.repos.Trades.InsertBatch(ctx, rows); err != nil {
		s.log.Error().Err(err).Str("address", address).Int("fills", len(rows)).
			Msg("persist fills failed")
	}

	if st := s.store.Get(address); st != nil {
		s.sink.Add(pnl.CreateSnapshot(st, nil, time.Now().UTC()))
	}
}

// ApplyMarketFill ingests a fill derived from the coin-level trades feed
// for a tracked trader on our side of the print. The upstream attributes
// neither fee nor closedPnl there, so both are estimated until the next
// poll reconciles them.
func (s *Stream) ApplyMarketFill(ctx context.Context, address string, mt upstream.MarketTrade, ourSide string) {
	address = upstream.NormalizeAddress(address)
	traderID := s.traderID(address)
	if traderID == 0 {
		return
	}
	if !s.store.MarkTid(address, mt.Tid) {
		s.metrics.FillsDeduped.Inc()
		return
	}

	var trade pnl.Trade
	s.store.Update(address, func(st *pnl.TraderState) {
		trade = pnl.ComputeFillFromMarketTrade(st, mt.Coin, mt.Px, mt.Sz, ourSide,
			time.UnixMilli(mt.Time).UTC(), mt.Tid)
		pnl.ApplyTrade(st, trade)
		pnl.UpdatePositionFromFill(st, mt.Coin, ourSide, mt.Sz, mt.Px)
	})
	s.markEvent(address, time.Now().UTC())
	s.metrics.FillsProcessed.WithLabelValues("market_trade").Inc()

	if err := s.repos.Trades.Insert(ctx, persistence.TradeRow(traderID, trade)); err != nil {
		s.log.Error().Err(err).Str("address", address).Int64("tid", mt.Tid).
			Msg("persist market-trade fill failed")
	}
	if st := s.store.Get(address); st != nil {
		s.sink.Add(pnl.CreateSnapshot(st, nil, time.Now().UTC()))
	}
}

// pollAll reconciles tracked traders against the clearinghouse, in
// bounded concurrent batches. Push-covered traders with a recent live
// event are skipped; polling-only traders always poll, since the poll is
// their only fills source.
func (s *Stream) pollAll(ctx context.Context) {
	now := time.Now().UTC()
	batch := make([]*tracked, 0, s.cfg.PollBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		var wg sync.WaitGroup
		for _, t := range batch {
			wg.Add(1)
			go func(t *tracked) {
				defer wg.Done()
				s.pollTrader(ctx, t, now)
			}(t)
		}
		wg.Wait()
		batch = batch[:0]

		select {
		case <-time.After(s.cfg.PollBatchGap):
		case <-ctx.Done():
		}
	}

	for _, t := range s.snapshotTracked() {
		if ctx.Err() != nil {
			return
		}
		if t.wsMode && now.Sub(t.lastEvent) < s.cfg.SnapshotInterval {
			continue
		}
		batch = append(batch, t)
		if len(batch) >= s.cfg.PollBatchSize {
			flush()
		}
	}
	flush()
}

func (s *Stream) markEvent(address string, at time.Time) {
	s.mu.Lock()
	if t, ok := s.traders[address]; ok {
		t.lastEvent = at
	}
	s.mu.Unlock()
}

func (s *Stream) pollTrader(ctx context.Context, t *tracked, now time.Time) {
	if err := s.reconcilePositions(ctx, t.address, now); err != nil {
		s.log.Warn().Err(err).Str("address", t.address).Msg("position poll failed")
	}

	if t.wsMode {
		return
	}

	// Polling-only coverage: fetch the fills window since the last poll.
	since := t.lastFillPoll
	fills, err := s.client.UserFillsByTime(ctx, t.address, since, now)
	if err != nil {
		s.log.Warn().Err(err).Str("address", t.address).Msg("fill poll failed")
		return
	}
	s.applyFills(ctx, t.address, fills, "poll")

	s.mu.Lock()
	if cur, ok := s.traders[t.address]; ok {
		cur.lastFillPoll = now
		// A full response means the window was truncated and some fills
		// are unrecoverable through this path.
		if len(fills) >= upstream.FillsCap {
			cur.fillsCapped = true
		}
	}
	s.mu.Unlock()
}

// reconcilePositions replaces tracked positions with the authoritative
// clearinghouse view and emits a snapshot carrying the account value.
func (s *Stream) reconcilePositions(ctx context.Context, address string, now time.Time) error {
	ch, err := s.client.ClearinghouseState(ctx, address)
	if err != nil {
		return err
	}

	positions := pnl.PositionsFromClearinghouse(ch)
	s.store.Update(address, func(st *pnl.TraderState) {
		pnl.UpdatePositions(st, positions)
	})

	if st := s.store.Get(address); st != nil {
		av := ch.MarginSummary.AccountValue
		s.sink.Add(pnl.CreateSnapshot(st, &av, now))
	}
	return nil
}

// pollFunding fetches the funding ledger window for every tracked trader.
func (s *Stream) pollFunding(ctx context.Context) {
	now := time.Now().UTC()
	for _, t := range s.snapshotTracked() {
		if ctx.Err() != nil {
			return
		}
		entries, err := s.client.UserFunding(ctx, t.address, t.lastFunding, now)
		if err != nil {
			s.log.Warn().Err(err).Str("address", t.address).Msg("funding poll failed")
			continue
		}
		if len(entries) > 0 {
			s.applyFunding(ctx, t, entries)
		}
		s.mu.Lock()
		if cur, ok := s.traders[t.address]; ok {
			cur.lastFunding = now
		}
		s.mu.Unlock()
	}
}

func (s *Stream) applyFunding(ctx context.Context, t *tracked, entries []upstream.FundingEntry) {
	rows := make([]persistence.FundingPayment, 0, len(entries))
	for _, e := range entries {
		f := pnl.FundingFromEntry(e)
		s.store.Update(t.address, func(st *pnl.TraderState) {
			pnl.ApplyFunding(st, f)
		})
		rows = append(rows, persistence.FundingRow(t.traderID, f))
	}
	if err := s.repos.Funding.InsertBatch(ctx, rows); err != nil {
		s.log.Error().Err(err).Str("address", t.address).Msg("persist funding failed")
	}
}

// snapshotAll emits a state snapshot for every tracked trader.
func (s *Stream) snapshotAll(now time.Time) {
	for _, t := range s.snapshotTracked() {
		if st := s.store.Get(t.address); st != nil {
			s.sink.Add(pnl.CreateSnapshot(st, nil, now))
		}
	}
}

func (s *Stream) snapshotTracked() []*tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tracked, 0, len(s.traders))
	for _, t := range s.traders {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

func (s *Stream) traderID(address string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.traders[address]; ok {
		return t.traderID
	}
	return 0
}
