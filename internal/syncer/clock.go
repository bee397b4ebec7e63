package syncer

import (
	"sync/atomic"
	"time"
)

// Clock supplies the current time for retry scheduling.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now, whose monotonic reading makes deadline
// arithmetic immune to wall-clock changes.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// sequence stamps observer events with a strictly increasing number so
// consumers can order events emitted from different workers.
type sequence struct {
	seq atomic.Int64
}

// Next returns the next sequence number.
func (s *sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued number.
func (s *sequence) Current() int64 {
	return s.seq.Load()
}
