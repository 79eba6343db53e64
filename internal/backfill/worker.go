// Package backfill replays historical fills and funding for a trader,
// reconstructing the running PnL state day by day. Jobs come from the
// durable Redis queue and the worker pool resizes itself against the
// shared rate budget.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/jobs"
	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/net/budget"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/perpfolio/perpfolio/internal/state"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

// meanChunkWeight is the budget cost of one day chunk: one fills fetch
// plus one funding fetch.
const meanChunkWeight = budget.WeightUserFillsByTime + budget.WeightUserFunding

// Config tunes the backfill worker pool.
type Config struct {
	// Days is the default lookback for Schedule when the caller passes 0.
	Days int
	// ChunkInterval is the pause between day chunks of one job.
	ChunkInterval time.Duration
	// DequeueTimeout bounds each blocking poll of the queue.
	DequeueTimeout time.Duration
	// ResizeInterval is how often the pool re-checks the rate budget.
	ResizeInterval time.Duration
	// MaxAttempts is carried onto enqueued jobs.
	MaxAttempts int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Days:           30,
		ChunkInterval:  time.Second,
		DequeueTimeout: 5 * time.Second,
		ResizeInterval: 10 * time.Second,
		MaxAttempts:    jobs.DefaultMaxAttempts,
	}
}

// Worker drains the backfill queue.
type Worker struct {
	cfg     Config
	queue   *jobs.Queue
	client  *upstream.Client
	repos   *persistence.Repository
	store   *state.Store
	budget  *budget.Budget
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewWorker assembles a backfill worker pool.
func NewWorker(cfg Config, queue *jobs.Queue, client *upstream.Client, repos *persistence.Repository,
	store *state.Store, b *budget.Budget, m *metrics.Metrics, log zerolog.Logger) *Worker {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = time.Second
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.ResizeInterval <= 0 {
		cfg.ResizeInterval = 10 * time.Second
	}
	if cfg.Days <= 0 {
		cfg.Days = 30
	}
	return &Worker{
		cfg:     cfg,
		queue:   queue,
		client:  client,
		repos:   repos,
		store:   store,
		budget:  b,
		metrics: m,
		log:     log.With().Str("component", "backfill").Logger(),
	}
}

// Schedule creates the trader row if needed and enqueues a backfill job
// covering the last days UTC days. Duplicate requests for the same window
// are absorbed by the queue's idempotent job ids.
func (w *Worker) Schedule(ctx context.Context, address string, days int) (*jobs.Job, error) {
	if !upstream.ValidAddress(address) {
		return nil, fmt.Errorf("schedule backfill: invalid address %q", address)
	}
	address = upstream.NormalizeAddress(address)
	if days <= 0 {
		days = w.cfg.Days
	}

	if _, err := w.repos.Traders.Create(ctx, address, persistence.SourceAPI); err != nil {
		return nil, fmt.Errorf("schedule backfill for %s: %w", address, err)
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days).Truncate(24 * time.Hour)

	job := jobs.Job{
		Address:     address,
		StartMs:     start.UnixMilli(),
		EndMs:       end.UnixMilli(),
		MaxAttempts: w.cfg.MaxAttempts,
	}
	err := w.queue.Enqueue(ctx, job)
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return nil, err
	}
	job.ID = jobs.JobID(address, job.StartMs)
	return &job, nil
}

// Status reports the latest backfill job for an address.
func (w *Worker) Status(ctx context.Context, address string) (*jobs.Job, error) {
	return w.queue.StatusByAddress(ctx, upstream.NormalizeAddress(address))
}

// Run operates the worker pool until ctx is cancelled. Pool size follows
// budget.RecommendedWorkers so backfill cannot starve live ingestion.
func (w *Worker) Run(ctx context.Context) {
	// Jobs a previous process left in the active list go back to waiting
	// before any worker dequeues.
	if n, err := w.queue.RecoverActive(ctx); err != nil {
		w.log.Warn().Err(err).Msg("recover stranded jobs failed")
	} else if n > 0 {
		w.log.Info().Int("jobs", n).Msg("stranded jobs requeued")
	}

	ticker := time.NewTicker(w.cfg.ResizeInterval)
	defer ticker.Stop()

	var cancels []context.CancelFunc
	resize := func() {
		target := w.budget.RecommendedWorkers(meanChunkWeight, w.cfg.ChunkInterval)
		for len(cancels) < target {
			wctx, cancel := context.WithCancel(ctx)
			cancels = append(cancels, cancel)
			go w.workerLoop(wctx)
		}
		for len(cancels) > target {
			last := len(cancels) - 1
			cancels[last]()
			cancels = cancels[:last]
		}
	}
	resize()

	for {
		select {
		case <-ctx.Done():
			for _, cancel := range cancels {
				cancel()
			}
			return
		case <-ticker.C:
			if n, err := w.queue.PromoteDelayed(ctx, time.Now()); err != nil {
				w.log.Warn().Err(err).Msg("promote delayed jobs failed")
			} else if n > 0 {
				w.log.Debug().Int("promoted", n).Msg("delayed jobs requeued")
			}
			resize()
		}
	}
}

func (w *Worker) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		w.metrics.BackfillActive.Inc()
		err = w.process(ctx, job)
		w.metrics.BackfillActive.Dec()

		if err != nil {
			if failErr := w.queue.Fail(ctx, job, err); failErr != nil {
				w.log.Error().Err(failErr).Str("job", job.ID).Msg("recording job failure failed")
			}
			continue
		}
		if err := w.queue.Complete(ctx, job); err != nil {
			w.log.Error().Err(err).Str("job", job.ID).Msg("recording job completion failed")
		}
	}
}

// process replays one job. State chains forward through the day chunks:
// each chunk starts from the state the previous chunk ended with, and a
// snapshot is written at every chunk boundary.
func (w *Worker) process(ctx context.Context, job *jobs.Job) error {
	trader, err := w.repos.Traders.GetByAddress(ctx, job.Address)
	if err != nil {
		return err
	}
	if trader == nil {
		trader, err = w.repos.Traders.Create(ctx, job.Address, persistence.SourceAPI)
		if err != nil {
			return err
		}
	}

	start := time.UnixMilli(job.StartMs).UTC()
	end := time.UnixMilli(job.EndMs).UTC()
	chunks := DayChunks(start, end)

	w.log.Info().
		Str("address", job.Address).
		Time("start", start).
		Time("end", end).
		Int("chunks", len(chunks)).
		Msg("backfill started")

	st := pnl.NewState(trader.ID, job.Address)
	for i, chunk := range chunks {
		if err := w.processChunk(ctx, trader.ID, job.Address, st, chunk); err != nil {
			w.metrics.BackfillChunks.WithLabelValues("error").Inc()
			return fmt.Errorf("chunk %s: %w", chunk.Start.Format("2006-01-02"), err)
		}
		w.metrics.BackfillChunks.WithLabelValues("ok").Inc()

		if err := w.queue.Progress(ctx, job, i+1, len(chunks)); err != nil {
			w.log.Warn().Err(err).Str("job", job.ID).Msg("progress update failed")
		}

		if i < len(chunks)-1 {
			select {
			case <-time.After(w.cfg.ChunkInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// Seed the live store so ongoing tracking continues from the
	// reconstructed totals. A trader already tracked keeps its richer
	// live state.
	if !w.store.Has(job.Address) {
		w.store.Initialize(trader.ID, job.Address)
		w.store.Set(job.Address, st)
	}
	if err := w.repos.Traders.Touch(ctx, trader.ID, time.Now().UTC()); err != nil {
		w.log.Warn().Err(err).Str("address", job.Address).Msg("touch trader failed")
	}

	w.log.Info().
		Str("address", job.Address).
		Int64("trades", st.TradeCount).
		Str("realized_pnl", st.RealizedPnl().String()).
		Msg("backfill finished")
	return nil
}

func (w *Worker) processChunk(ctx context.Context, traderID int64, address string, st *pnl.TraderState, chunk Chunk) error {
	var (
		fills      []upstream.Fill
		fillsErr   error
		funding    []upstream.FundingEntry
		fundingErr error
		wg         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		fills, fillsErr = w.fetchFills(ctx, address, chunk)
	}()
	go func() {
		defer wg.Done()
		funding, fundingErr = w.client.UserFunding(ctx, address, chunk.Start, chunk.End)
	}()
	wg.Wait()

	// A failed fetch degrades to an empty chunk; the gap record marks the
	// window for later repair instead of aborting the whole job.
	if fillsErr != nil {
		if upstream.IsTerminal(fillsErr) || ctx.Err() != nil {
			return fillsErr
		}
		w.recordGap(ctx, traderID, persistence.GapFills, chunk)
		fills = nil
	}
	if fundingErr != nil {
		if upstream.IsTerminal(fundingErr) || ctx.Err() != nil {
			return fundingErr
		}
		w.recordGap(ctx, traderID, persistence.GapFunding, chunk)
		funding = nil
	}

	trades := make([]pnl.Trade, 0, len(fills))
	for _, f := range fills {
		trades = append(trades, pnl.TradeFromFill(f))
	}
	payments := make([]pnl.Funding, 0, len(funding))
	for _, e := range funding {
		payments = append(payments, pnl.FundingFromEntry(e))
	}

	applyChronological(st, trades, payments)

	if len(trades) > 0 {
		rows := make([]persistence.Trade, 0, len(trades))
		for _, t := range trades {
			rows = append(rows, persistence.TradeRow(traderID, t))
		}
		if err := w.repos.Trades.InsertBatch(ctx, rows); err != nil {
			return err
		}
		w.metrics.FillsProcessed.WithLabelValues("backfill").Add(float64(len(trades)))
	}
	if len(payments) > 0 {
		rows := make([]persistence.FundingPayment, 0, len(payments))
		for _, p := range payments {
			rows = append(rows, persistence.FundingRow(traderID, p))
		}
		if err := w.repos.Funding.InsertBatch(ctx, rows); err != nil {
			return err
		}
	}

	snap := pnl.CreateSnapshot(st, nil, chunk.End)
	if err := w.repos.Snapshots.UpsertBatch(ctx, []pnl.Snapshot{snap}); err != nil {
		return err
	}
	w.metrics.SnapshotsFlushed.Inc()
	return nil
}

// fetchFills pages through the fills endpoint. The upstream truncates
// responses at upstream.FillsCap, so a full page advances the window past
// the last fill and fetches again.
func (w *Worker) fetchFills(ctx context.Context, address string, chunk Chunk) ([]upstream.Fill, error) {
	var all []upstream.Fill
	from := chunk.Start
	for {
		fills, err := w.client.UserFillsByTime(ctx, address, from, chunk.End)
		if err != nil {
			return all, err
		}
		all = append(all, fills...)
		if len(fills) < upstream.FillsCap {
			return all, nil
		}
		last := fills[len(fills)-1].Time
		next := time.UnixMilli(last + 1).UTC()
		if !next.After(from) {
			return all, nil
		}
		w.log.Debug().
			Str("address", address).
			Time("from", next).
			Msg("fills page truncated at cap, continuing")
		from = next
	}
}

// applyChronological merges fills and funding into one time-ordered pass
// over the state. The sort is stable so same-millisecond fills keep their
// upstream order.
func applyChronological(st *pnl.TraderState, trades []pnl.Trade, payments []pnl.Funding) {
	type event struct {
		at      time.Time
		trade   *pnl.Trade
		funding *pnl.Funding
	}
	events := make([]event, 0, len(trades)+len(payments))
	for i := range trades {
		events = append(events, event{at: trades[i].Timestamp, trade: &trades[i]})
	}
	for i := range payments {
		events = append(events, event{at: payments[i].Timestamp, funding: &payments[i]})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	for _, ev := range events {
		if ev.trade != nil {
			pnl.ApplyTrade(st, *ev.trade)
			pnl.UpdatePositionFromFill(st, ev.trade.Coin, ev.trade.Side, ev.trade.Size, ev.trade.Price)
		} else {
			pnl.ApplyFunding(st, *ev.funding)
		}
	}
}

func (w *Worker) recordGap(ctx context.Context, traderID int64, gapType string, chunk Chunk) {
	gap := persistence.DataGap{
		TraderID:   traderID,
		GapStart:   chunk.Start,
		GapEnd:     chunk.End,
		GapType:    gapType,
		DetectedAt: time.Now().UTC(),
	}
	if err := w.repos.Gaps.Insert(ctx, gap); err != nil {
		w.log.Warn().Err(err).Int64("trader", traderID).Str("type", gapType).Msg("record gap failed")
		return
	}
	w.metrics.GapsDetected.WithLabelValues(gapType).Inc()
}
