package syncer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/record"
)

const (
	// DefaultWorkers caps concurrent remote calls per collection.
	DefaultWorkers = 4

	// DefaultCallTimeout bounds a single remote call.
	DefaultCallTimeout = 15 * time.Second
)

// Resolver is a caller-supplied automatic conflict strategy. Returning false
// leaves the conflict for manual resolution. No resolver is installed by
// default.
type Resolver interface {
	Resolve(ctx context.Context, conflict *record.ConflictRecord) (record.Resolution, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, conflict *record.ConflictRecord) (record.Resolution, bool)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, conflict *record.ConflictRecord) (record.Resolution, bool) {
	return f(ctx, conflict)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for retry deadlines.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithBackoff sets the retry policy.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) {
		m.backoff = b
	}
}

// WithWorkers sets the maximum number of concurrent remote calls.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

// WithCallTimeout bounds each remote call.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.callTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMonitor sets the connectivity monitor. Without one the remote is
// assumed reachable.
func WithMonitor(mon connectivity.Monitor) Option {
	return func(m *Manager) {
		m.monitor = mon
	}
}

// WithIDGenerator sets the generator for conflict record ids.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithRandom sets the jitter source; f returns values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(m *Manager) {
		m.random = f
	}
}

// WithResolver installs an automatic conflict strategy.
func WithResolver(r Resolver) Option {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observers.add(o)
	}
}

func defaultRandom() float64 {
	return rand.Float64()
}
