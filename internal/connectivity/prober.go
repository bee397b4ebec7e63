package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// CheckFunc probes the remote. A nil error means reachable.
type CheckFunc func(ctx context.Context) error

// Prober is a Monitor that polls a CheckFunc. One success marks the remote
// online; FailThreshold consecutive failures mark it offline.
type Prober struct {
	notifier
	check     CheckFunc
	interval  time.Duration
	timeout   time.Duration
	threshold int
	failures  int
	logger    *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithFailThreshold sets how many consecutive failures mean offline.
func WithFailThreshold(n int) ProberOption {
	return func(p *Prober) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithProbeTimeout bounds each check.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithProberLogger sets the logger.
func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = l
	}
}

// NewProber creates a prober that starts offline until its first probe.
func NewProber(check CheckFunc, interval time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{
		notifier:  newNotifier(false),
		check:     check,
		interval:  interval,
		timeout:   5 * time.Second,
		threshold: 2,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe runs one check and updates state. It is called by Run and may be
// called directly to force a probe.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)

	p.mu.Lock()
	if err == nil {
		p.failures = 0
	} else {
		p.failures++
	}
	failures := p.failures
	wasOnline := p.online
	p.mu.Unlock()

	if err == nil {
		if p.set(true) {
			p.logger.Info("remote reachable")
		}
		return true
	}

	p.logger.Debug("probe failed", "failures", failures, "error", err)
	if failures >= p.threshold || !wasOnline {
		if p.set(false) {
			p.logger.Warn("remote unreachable", "failures", failures, "error", err)
		}
	}
	return false
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
