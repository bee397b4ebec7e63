package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/offsync/internal/record"
)

// Memory is a fixed-capacity least-recently-used cache of decoded records.
// Get promotes recency; Put beyond capacity evicts the least recently used.
type Memory struct {
	lru *lru.Cache[string, *record.Record]
	counters
}

// NewMemory creates a memory cache holding at most capacity records.
func NewMemory(capacity int) (*Memory, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memory cache: capacity must be positive, got %d", capacity)
	}
	c, err := lru.New[string, *record.Record](capacity)
	if err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}
	return &Memory{lru: c}, nil
}

// Get returns a copy of the cached record.
func (m *Memory) Get(id string) (*record.Record, bool) {
	rec, ok := m.lru.Get(id)
	m.counters.observe(ok)
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Contains reports presence without touching recency.
func (m *Memory) Contains(id string) bool {
	return m.lru.Contains(id)
}

// Put stores a copy of rec.
func (m *Memory) Put(rec *record.Record) {
	if rec == nil {
		return
	}
	m.lru.Add(rec.ID, rec.Clone())
}

// Evict drops the record if cached.
func (m *Memory) Evict(id string) {
	m.lru.Remove(id)
}

// Purge drops every record.
func (m *Memory) Purge() {
	m.lru.Purge()
}

// Len returns the number of cached records.
func (m *Memory) Len() int {
	return m.lru.Len()
}

// Keys returns cached ids from least to most recently used.
func (m *Memory) Keys() []string {
	return m.lru.Keys()
}

// Stats returns hit and miss counts.
func (m *Memory) Stats() Stats {
	return m.counters.stats()
}
