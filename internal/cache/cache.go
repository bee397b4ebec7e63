package cache

import (
	"sync/atomic"

	"github.com/roach88/offsync/internal/record"
)

// Cache is one record cache tier. Implementations are safe for concurrent
// use and never hand out records they still reference.
type Cache interface {
	Get(id string) (*record.Record, bool)
	Put(rec *record.Record)
	Evict(id string)
	Purge()
	Len() int
}

// Stats reports hit and miss counts for a tier.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

type counters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (c *counters) observe(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
