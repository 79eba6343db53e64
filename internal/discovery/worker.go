// Package discovery drains the trader discovery queue: pending addresses
// get live tracking and a short backfill, each marked processed exactly
// once with the outcome noted on the row.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/backfill"
	"github.com/perpfolio/perpfolio/internal/ingest"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

// Config tunes the discovery worker.
type Config struct {
	// Interval is the queue poll cadence.
	Interval time.Duration
	// BatchSize caps items handled per cycle.
	BatchSize int
	// Spacing separates consecutive subscribes within a cycle.
	Spacing time.Duration
	// BackfillDays is the lookback given to newly discovered traders.
	BackfillDays int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		BatchSize:    10,
		Spacing:      500 * time.Millisecond,
		BackfillDays: 7,
	}
}

// Worker processes the discovery queue.
type Worker struct {
	cfg      Config
	repos    *persistence.Repository
	stream   *ingest.Stream
	backfill *backfill.Worker
	log      zerolog.Logger
}

// NewWorker assembles a discovery worker.
func NewWorker(cfg Config, repos *persistence.Repository, stream *ingest.Stream,
	bf *backfill.Worker, log zerolog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = def.Spacing
	}
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = def.BackfillDays
	}
	return &Worker{
		cfg:      cfg,
		repos:    repos,
		stream:   stream,
		backfill: bf,
		log:      log.With().Str("component", "discovery").Logger(),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.cycle(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("discovery cycle failed")
			}
		}
	}
}

func (w *Worker) cycle(ctx context.Context) error {
	items, err := w.repos.Discovery.NextUnprocessed(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("next unprocessed: %w", err)
	}

	for i, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		notes := w.handle(ctx, item)
		if err := w.repos.Discovery.MarkProcessed(ctx, item.ID, notes); err != nil {
			w.log.Warn().Err(err).Str("address", item.Address).Msg("mark processed failed")
		}

		if i < len(items)-1 {
			select {
			case <-time.After(w.cfg.Spacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// handle processes one queue item and returns the result note stored on
// the row.
func (w *Worker) handle(ctx context.Context, item persistence.DiscoveryItem) string {
	if !upstream.ValidAddress(item.Address) {
		return "invalid address"
	}
	if w.stream.Tracked(item.Address) {
		return "already tracked"
	}

	if err := w.stream.Track(ctx, item.Address, item.Source); err != nil {
		return fmt.Sprintf("track failed: %v", err)
	}

	if _, err := w.backfill.Schedule(ctx, item.Address, w.cfg.BackfillDays); err != nil {
		w.log.Warn().Err(err).Str("address", item.Address).Msg("discovery backfill schedule failed")
		return fmt.Sprintf("tracked; backfill schedule failed: %v", err)
	}

	w.log.Info().Str("address", item.Address).Str("source", item.Source).Msg("discovered trader subscribed")
	return fmt.Sprintf("tracked with %d-day backfill", w.cfg.BackfillDays)
}
