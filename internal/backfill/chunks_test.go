package backfill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayChunksAlignsToUTCDays(t *testing.T) {
	start := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	end := time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC)

	chunks := DayChunks(start, end)
	require.Len(t, chunks, 4)

	assert.Equal(t, start, chunks[0].Start)
	assert.Equal(t, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC), chunks[0].End)
	assert.Equal(t, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC), chunks[1].Start)
	assert.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), chunks[1].End)
	assert.Equal(t, end, chunks[3].End)

	// chunks chain with no holes
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].End, chunks[i].Start)
	}
}

func TestDayChunksExactDayBoundaries(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)

	chunks := DayChunks(start, end)
	require.Len(t, chunks, 2)
	assert.Equal(t, 24*time.Hour, chunks[0].End.Sub(chunks[0].Start))
	assert.Equal(t, 24*time.Hour, chunks[1].End.Sub(chunks[1].Start))
}

func TestDayChunksEmptyWindow(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, DayChunks(at, at))
	assert.Nil(t, DayChunks(at, at.Add(-time.Hour)))
}

func TestDayChunksSubDayWindow(t *testing.T) {
	start := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC)

	chunks := DayChunks(start, end)
	require.Len(t, chunks, 1)
	assert.Equal(t, start, chunks[0].Start)
	assert.Equal(t, end, chunks[0].End)
}
