package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock(Epoch)

	got := clock.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), got)
	assert.Equal(t, got, clock.Now())

	// Never runs backwards
	clock.Advance(-time.Hour)
	assert.Equal(t, got, clock.Now())
}

func TestManualClock_Set(t *testing.T) {
	clock := NewManualClock(Epoch)

	clock.Set(Epoch.Add(time.Minute))
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())

	clock.Set(Epoch)
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now(), "Set to an earlier time is ignored")
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	clock := NewManualClock(Epoch)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(100*time.Millisecond), clock.Now())
}
