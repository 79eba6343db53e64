// Package snapshot batches PnL snapshots into periodic bulk upserts. All
// producers funnel through one consumer goroutine, so the database sees
// one multi-row write per flush instead of a write per snapshot.
package snapshot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
)

// Config tunes the batcher.
type Config struct {
	// FlushInterval is the time-based flush trigger.
	FlushInterval time.Duration
	// FlushSize triggers an immediate flush when the buffer reaches it.
	FlushSize int
	// MaxBuffer caps buffer growth while the database is down; beyond it
	// the oldest snapshots are dropped.
	MaxBuffer int
	// QueueSize is the producer channel capacity.
	QueueSize int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 30 * time.Second,
		FlushSize:     1000,
		MaxBuffer:     10000,
		QueueSize:     4096,
	}
}

// Batcher accumulates snapshots and flushes them in batches.
type Batcher struct {
	cfg     Config
	repo    persistence.SnapshotsRepo
	metrics *metrics.Metrics
	log     zerolog.Logger

	in  chan pnl.Snapshot
	buf []pnl.Snapshot
}

// NewBatcher creates a batcher; Run must be started for flushing to occur.
func NewBatcher(cfg Config, repo persistence.SnapshotsRepo, m *metrics.Metrics, log zerolog.Logger) *Batcher {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = def.FlushSize
	}
	if cfg.MaxBuffer < cfg.FlushSize {
		cfg.MaxBuffer = def.MaxBuffer
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Batcher{
		cfg:     cfg,
		repo:    repo,
		metrics: m,
		log:     log.With().Str("component", "snapshot").Logger(),
		in:      make(chan pnl.Snapshot, cfg.QueueSize),
	}
}

// Add enqueues a snapshot. Never blocks: when the queue is full the
// snapshot is dropped, since another arrives at the next interval anyway.
func (b *Batcher) Add(snap pnl.Snapshot) {
	select {
	case b.in <- snap:
	default:
		b.log.Warn().Int64("trader", snap.TraderID).Msg("snapshot queue full, dropping")
	}
}

// Run consumes the queue until ctx is cancelled, then makes a final flush
// attempt so shutdown loses nothing already buffered.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case snap := <-b.in:
			b.buf = append(b.buf, snap)
			if len(b.buf) >= b.cfg.FlushSize {
				b.flush(ctx)
			}
		case <-ticker.C:
			b.flush(ctx)
		case <-ctx.Done():
			b.drain()
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			b.flush(flushCtx)
			cancel()
			return
		}
	}
}

func (b *Batcher) drain() {
	for {
		select {
		case snap := <-b.in:
			b.buf = append(b.buf, snap)
		default:
			return
		}
	}
}

// flush deduplicates the buffer on (trader_id, ts) keeping the newest
// write, then upserts in one statement. On failure the buffer is retained
// for the next attempt, bounded by MaxBuffer.
func (b *Batcher) flush(ctx context.Context) {
	if len(b.buf) == 0 {
		return
	}

	batch := dedupe(b.buf)
	if err := b.repo.UpsertBatch(ctx, batch); err != nil {
		b.log.Error().Err(err).Int("buffered", len(b.buf)).Msg("snapshot flush failed, retaining buffer")
		if len(b.buf) > b.cfg.MaxBuffer {
			dropped := len(b.buf) - b.cfg.MaxBuffer
			b.buf = b.buf[dropped:]
			b.log.Warn().Int("dropped", dropped).Msg("snapshot buffer overflow, oldest dropped")
		}
		return
	}

	b.metrics.SnapshotsFlushed.Add(float64(len(batch)))
	b.metrics.SnapshotFlushSize.Observe(float64(len(batch)))
	b.log.Debug().Int("snapshots", len(batch)).Msg("snapshot batch flushed")
	b.buf = b.buf[:0]
}

type snapKey struct {
	traderID int64
	unixMs   int64
}

// dedupe keeps the last snapshot per (trader, timestamp), preserving the
// first-seen order of keys. Matches the upsert's last-writer-wins.
func dedupe(snaps []pnl.Snapshot) []pnl.Snapshot {
	index := make(map[snapKey]int, len(snaps))
	out := make([]pnl.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		key := snapKey{traderID: s.TraderID, unixMs: s.Timestamp.UnixMilli()}
		if i, ok := index[key]; ok {
			out[i] = s
			continue
		}
		index[key] = len(out)
		out = append(out, s)
	}
	return out
}
