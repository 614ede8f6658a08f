package analysis

import "time"

type progressTracker struct {
	total int
	start time.Time
	now   func() time.Time
}

func newProgressTracker(total int, now func() time.Time) *progressTracker {
	return &progressTracker{total: total, start: now(), now: now}
}

// advance builds the event for the position just processed. The remaining
// time is extrapolated from the mean time per processed position.
func (t *progressTracker) advance(pos int, token string) Progress {
	done := pos + 1
	p := Progress{
		Current:      done,
		Total:        t.total,
		Percentage:   float64(done) / float64(t.total) * 100,
		CurrentToken: token,
	}

	elapsed := t.now().Sub(t.start)
	if elapsed > 0 {
		perToken := elapsed / time.Duration(done)
		eta := perToken * time.Duration(t.total-done)
		p.EstimatedTimeRemaining = &eta
	}
	return p
}
