// Package budget enforces the upstream weighted rate budget. The upstream
// allows roughly 1200 weight units per minute across all requests; every
// HTTP call and every batch of WebSocket subscribes withdraws its weight
// from a single token bucket before it is allowed on the wire.
package budget

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Default upstream budget: 1200 weight units per minute.
const (
	DefaultWeightPerMinute = 1200
	DefaultBurst           = 300
)

// Operation weights as observed against the upstream. Time-ranged user
// history endpoints are an order of magnitude heavier than state reads.
const (
	WeightClearinghouseState = 2
	WeightUserFillsByTime    = 20
	WeightUserFunding        = 20
	WeightPortfolio          = 2
	WeightRecentTrades       = 2
	WeightAllMids            = 2
	WeightWSSubscribe        = 1
)

// ErrWeightTooLarge is returned when a single withdrawal exceeds the bucket
// burst and could never succeed.
type ErrWeightTooLarge struct {
	Weight int
	Burst  int
}

func (e *ErrWeightTooLarge) Error() string {
	return fmt.Sprintf("budget: weight %d exceeds burst capacity %d", e.Weight, e.Burst)
}

// Budget is a weighted token bucket shared by every upstream caller.
type Budget struct {
	limiter *rate.Limiter
	perMin  int

	consumed atomic.Int64
	waits    atomic.Int64
}

// New creates a budget refilling at weightPerMinute with the given burst.
// Non-positive arguments fall back to the upstream defaults.
func New(weightPerMinute, burst int) *Budget {
	if weightPerMinute <= 0 {
		weightPerMinute = DefaultWeightPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Budget{
		limiter: rate.NewLimiter(rate.Limit(float64(weightPerMinute)/60.0), burst),
		perMin:  weightPerMinute,
	}
}

// Wait blocks until weight units are available or the context is cancelled.
func (b *Budget) Wait(ctx context.Context, weight int) error {
	if weight <= 0 {
		return nil
	}
	if weight > b.limiter.Burst() {
		return &ErrWeightTooLarge{Weight: weight, Burst: b.limiter.Burst()}
	}
	b.waits.Add(1)
	if err := b.limiter.WaitN(ctx, weight); err != nil {
		return fmt.Errorf("budget wait: %w", err)
	}
	b.consumed.Add(int64(weight))
	return nil
}

// Allow reports whether weight units are available right now, withdrawing
// them if so. Used by best-effort paths that prefer dropping over blocking.
func (b *Budget) Allow(weight int) bool {
	if weight <= 0 {
		return true
	}
	ok := b.limiter.AllowN(time.Now(), weight)
	if ok {
		b.consumed.Add(int64(weight))
	}
	return ok
}

// RecommendedWorkers returns the number of concurrent backfill workers the
// refill rate sustains given the mean weight of one backfill chunk and the
// pacing delay between chunks. The backfill worker polls this every 10s and
// grows or shrinks its pool to match.
func (b *Budget) RecommendedWorkers(meanChunkWeight int, chunkInterval time.Duration) int {
	if meanChunkWeight <= 0 {
		meanChunkWeight = WeightUserFillsByTime + WeightUserFunding
	}
	if chunkInterval <= 0 {
		chunkInterval = time.Second
	}
	// Leave half the budget for the hybrid stream and discovery traffic.
	backfillShare := float64(b.perMin) / 2.0
	chunksPerMinutePerWorker := float64(time.Minute) / float64(chunkInterval)
	weightPerMinutePerWorker := chunksPerMinutePerWorker * float64(meanChunkWeight)
	workers := int(backfillShare / weightPerMinutePerWorker)
	if workers < 1 {
		workers = 1
	}
	return workers
}

// Stats is a point-in-time view of budget consumption.
type Stats struct {
	WeightPerMinute int     `json:"weight_per_minute"`
	Burst           int     `json:"burst"`
	TokensAvailable float64 `json:"tokens_available"`
	TotalConsumed   int64   `json:"total_consumed"`
	TotalWaits      int64   `json:"total_waits"`
}

// Stats returns current budget statistics.
func (b *Budget) Stats() Stats {
	return Stats{
		WeightPerMinute: b.perMin,
		Burst:           b.limiter.Burst(),
		TokensAvailable: b.limiter.Tokens(),
		TotalConsumed:   b.consumed.Load(),
		TotalWaits:      b.waits.Load(),
	}
}
