package budget

import (
	"context"
	"testing"
	"time"
)

func TestBudget_AllowWithdrawsWeight(t *testing.T) {
	b := New(1200, 40)

	// Burst capacity is 40: two 20-weight withdrawals pass, the third fails.
	if !b.Allow(WeightUserFillsByTime) {
		t.Fatal("first withdrawal should be allowed")
	}
	if !b.Allow(WeightUserFunding) {
		t.Fatal("second withdrawal should be allowed")
	}
	if b.Allow(WeightUserFillsByTime) {
		t.Error("third withdrawal should exceed burst")
	}

	stats := b.Stats()
	if stats.TotalConsumed != 40 {
		t.Errorf("TotalConsumed = %d, want 40", stats.TotalConsumed)
	}
}

func TestBudget_WaitRejectsOversizedWeight(t *testing.T) {
	b := New(1200, 10)

	err := b.Wait(context.Background(), 50)
	if err == nil {
		t.Fatal("expected error for weight above burst")
	}
	if _, ok := err.(*ErrWeightTooLarge); !ok {
		t.Errorf("expected *ErrWeightTooLarge, got %T: %v", err, err)
	}
}

func TestBudget_WaitHonorsCancellation(t *testing.T) {
	b := New(60, 2) // 1 weight/sec refill
	b.Allow(2)      // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx, 2); err == nil {
		t.Error("expected context deadline error while bucket is empty")
	}
}

func TestBudget_RecommendedWorkers(t *testing.T) {
	b := New(1200, 300)

	// Mean chunk weight 40 at one chunk per second means one worker burns
	// 2400 weight/min; half the 1200 budget sustains none, so floor at 1.
	if got := b.RecommendedWorkers(40, time.Second); got != 1 {
		t.Errorf("RecommendedWorkers(40, 1s) = %d, want 1", got)
	}

	// Slower pacing sustains more workers: 40 weight per 10s chunk is
	// 240/min per worker; 600 budget share supports 2.
	if got := b.RecommendedWorkers(40, 10*time.Second); got != 2 {
		t.Errorf("RecommendedWorkers(40, 10s) = %d, want 2", got)
	}
}

func TestBudget_DefaultsApplied(t *testing.T) {
	b := New(0, 0)
	stats := b.Stats()
	if stats.WeightPerMinute != DefaultWeightPerMinute {
		t.Errorf("WeightPerMinute = %d, want %d", stats.WeightPerMinute, DefaultWeightPerMinute)
	}
	if stats.Burst != DefaultBurst {
		t.Errorf("Burst = %d, want %d", stats.Burst, DefaultBurst)
	}
}
