package cache

import "github.com/roach88/offsync/internal/record"

// Tiered layers a Memory cache over a Disk cache. Writes go through to both
// tiers; a disk hit is promoted into memory.
type Tiered struct {
	memory *Memory
	disk   Cache
}

// Tier identifies where a Tiered lookup was served from.
type Tier string

const (
	TierNone   Tier = ""
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// NewTiered combines the two tiers. disk may be nil for memory-only setups.
func NewTiered(memory *Memory, disk Cache) *Tiered {
	return &Tiered{memory: memory, disk: disk}
}

// Lookup returns the record and the tier that served it.
func (t *Tiered) Lookup(id string) (*record.Record, Tier) {
	if rec, ok := t.memory.Get(id); ok {
		return rec, TierMemory
	}
	if t.disk == nil {
		return nil, TierNone
	}
	if rec, ok := t.disk.Get(id); ok {
		t.memory.Put(rec)
		return rec, TierDisk
	}
	return nil, TierNone
}

// Get implements Cache.
func (t *Tiered) Get(id string) (*record.Record, bool) {
	rec, tier := t.Lookup(id)
	return rec, tier != TierNone
}

// Put writes through to both tiers.
func (t *Tiered) Put(rec *record.Record) {
	t.memory.Put(rec)
	if t.disk != nil {
		t.disk.Put(rec)
	}
}

// Evict removes the record from both tiers.
func (t *Tiered) Evict(id string) {
	t.memory.Evict(id)
	if t.disk != nil {
		t.disk.Evict(id)
	}
}

// Purge empties both tiers.
func (t *Tiered) Purge() {
	t.memory.Purge()
	if t.disk != nil {
		t.disk.Purge()
	}
}

// Len returns the number of records in the memory tier.
func (t *Tiered) Len() int {
	return t.memory.Len()
}

// Memory returns the memory tier.
func (t *Tiered) Memory() *Memory {
	return t.memory
}

// Disk returns the disk tier, or nil.
func (t *Tiered) Disk() Cache {
	return t.disk
}
