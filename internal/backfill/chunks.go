package backfill

import "time"

// Chunk is one UTC-day slice of a backfill window, [Start, End).
type Chunk struct {
	Start time.Time
	End   time.Time
}

// DayChunks splits [start, end) into UTC-day chunks. The first and last
// chunk may be partial days; chunks are returned oldest first so state can
// chain forward through them.
func DayChunks(start, end time.Time) []Chunk {
	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return nil
	}

	var chunks []Chunk
	cur := start
	for cur.Before(end) {
		next := cur.Truncate(24 * time.Hour).Add(24 * time.Hour)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, Chunk{Start: cur, End: next})
		cur = next
	}
	return chunks
}
