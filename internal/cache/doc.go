// Package cache implements the derived cache tiers that sit above the Local
// Store: a fixed-capacity in-memory LRU and a byte-budgeted disk cache.
//
// Both tiers are pure derived state. Losing either never loses data, so disk
// errors are logged and treated as misses rather than returned.
package cache
