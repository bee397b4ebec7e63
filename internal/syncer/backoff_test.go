package syncer

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.5, MaxAttempts: 10}

	tests := []struct {
		attempt int
		u       float64
		want    time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{3, 0.5, 5 * time.Second},
		{5, 0, 16 * time.Second},
		{6, 0, 30 * time.Second},
		{6, 0.9, 30 * time.Second},
		{100, 0, 30 * time.Second},
		{0, 0, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt, tt.u), "attempt=%d u=%g", tt.attempt, tt.u)
	}
}

func TestBackoff_NonDecreasingWithJitter(t *testing.T) {
	b := DefaultBackoff()
	rng := rand.New(rand.NewPCG(1, 2))

	for trial := 0; trial < 200; trial++ {
		var prev time.Duration
		for attempt := 1; attempt <= 20; attempt++ {
			d := b.Delay(attempt, rng.Float64())
			if b.Exhausted(attempt) {
				d = b.Max
			}
			assert.GreaterOrEqual(t, d, prev, "trial %d attempt %d", trial, attempt)
			assert.LessOrEqual(t, d, b.Max)
			prev = d
		}
	}
}

func TestBackoff_Validate(t *testing.T) {
	assert.NoError(t, DefaultBackoff().Validate())

	bad := []Backoff{
		{Base: 0, Max: time.Second, Multiplier: 2, MaxAttempts: 1},
		{Base: time.Second, Max: time.Millisecond, Multiplier: 2, MaxAttempts: 1},
		{Base: time.Second, Max: time.Minute, Multiplier: 0.5, MaxAttempts: 1},
		{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 1.5, MaxAttempts: 1},
		{Base: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 0},
	}
	for i, b := range bad {
		assert.Error(t, b.Validate(), "case %d", i)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{MaxAttempts: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))
}
