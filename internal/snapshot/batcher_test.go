package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpfolio/perpfolio/internal/metrics"
	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
	"github.com/rs/zerolog"
)

type fakeSnapshotsRepo struct {
	persistence.SnapshotsRepo

	mu      sync.Mutex
	batches [][]pnl.Snapshot
	fail    bool
}

func (f *fakeSnapshotsRepo) UpsertBatch(ctx context.Context, snaps []pnl.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("db down")
	}
	copied := make([]pnl.Snapshot, len(snaps))
	copy(copied, snaps)
	f.batches = append(f.batches, copied)
	return nil
}

func (f *fakeSnapshotsRepo) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func snapAt(traderID int64, ts time.Time, total string) pnl.Snapshot {
	d, _ := decimal.NewFromString(total)
	return pnl.Snapshot{TraderID: traderID, Timestamp: ts, TotalPnl: d}
}

func TestDedupeKeepsLastWriter(t *testing.T) {
	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	in := []pnl.Snapshot{
		snapAt(1, ts, "10"),
		snapAt(2, ts, "20"),
		snapAt(1, ts, "15"), // same trader and ts, later write wins
		snapAt(1, ts.Add(time.Second), "16"),
	}

	out := dedupe(in)
	require.Len(t, out, 3)
	assert.True(t, out[0].TotalPnl.Equal(decimal.NewFromInt(15)))
	assert.True(t, out[1].TotalPnl.Equal(decimal.NewFromInt(20)))
	assert.True(t, out[2].TotalPnl.Equal(decimal.NewFromInt(16)))
}

func TestBatcherFlushesOnSize(t *testing.T) {
	repo := &fakeSnapshotsRepo{}
	b := NewBatcher(Config{FlushInterval: time.Hour, FlushSize: 3, QueueSize: 16},
		repo, metrics.NewUnregistered(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		b.Add(snapAt(int64(i+1), ts, "1"))
	}

	require.Eventually(t, func() bool { return repo.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Len(t, repo.batches[0], 3)
}

func TestBatcherRetainsBufferOnError(t *testing.T) {
	repo := &fakeSnapshotsRepo{fail: true}
	b := NewBatcher(Config{FlushInterval: time.Hour, FlushSize: 10, QueueSize: 16},
		repo, metrics.NewUnregistered(), zerolog.Nop())

	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b.buf = append(b.buf, snapAt(1, ts, "1"), snapAt(2, ts, "2"))

	b.flush(context.Background())
	assert.Len(t, b.buf, 2, "failed flush keeps the buffer")

	repo.mu.Lock()
	repo.fail = false
	repo.mu.Unlock()

	b.flush(context.Background())
	assert.Empty(t, b.buf)
	assert.Equal(t, 1, repo.batchCount())
}

func TestBatcherFinalFlushOnShutdown(t *testing.T) {
	repo := &fakeSnapshotsRepo{}
	b := NewBatcher(Config{FlushInterval: time.Hour, FlushSize: 100, QueueSize: 16},
		repo, metrics.NewUnregistered(), zerolog.Nop())

	ts := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b.Add(snapAt(1, ts, "1"))
	b.Add(snapAt(2, ts, "2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)

	require.Equal(t, 1, repo.batchCount())
	assert.Len(t, repo.batches[0], 2)
}
