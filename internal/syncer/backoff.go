package syncer

import (
	"fmt"
	"math"
	"time"
)

// Backoff is an exponential retry policy with multiplicative jitter.
//
// The n-th retry waits min(Max, Base*Multiplier^(n-1)) scaled by a factor in
// [1, 1+Jitter), clamped to Max. With Jitter <= Multiplier-1 the sequence of
// delays for consecutive failures is non-decreasing.
type Backoff struct {
	Base        time.Duration `json:"base"`
	Max         time.Duration `json:"max"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      float64       `json:"jitter"`
	MaxAttempts int           `json:"max_attempts"`
}

// DefaultBackoff returns the default retry policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         5 * time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 8,
	}
}

// Validate checks the policy keeps delays non-decreasing.
func (b Backoff) Validate() error {
	switch {
	case b.Base <= 0:
		return fmt.Errorf("backoff base must be positive")
	case b.Max < b.Base:
		return fmt.Errorf("backoff max %s is below base %s", b.Max, b.Base)
	case b.Multiplier < 1:
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", b.Multiplier)
	case b.Jitter < 0 || b.Jitter > b.Multiplier-1:
		return fmt.Errorf("backoff jitter must be within [0, multiplier-1], got %g", b.Jitter)
	case b.MaxAttempts < 1:
		return fmt.Errorf("backoff max attempts must be positive")
	}
	return nil
}

// Delay returns the wait before retry number attempt (1-based). u is a
// uniform sample from [0, 1).
func (b Backoff) Delay(attempt int, u float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if u < 0 {
		u = 0
	}
	if u >= 1 {
		u = math.Nextafter(1, 0)
	}

	base := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if base > float64(b.Max) || math.IsInf(base, 0) || math.IsNaN(base) {
		base = float64(b.Max)
	}
	d := base * (1 + b.Jitter*u)
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt has used up the retry budget. An
// exhausted record is not marked Clean: it stays Pending with its failure
// flagged and is retried every Max, so its unsent change is never lost.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}
