package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock_Now(t *testing.T) {
	c := RealClock{}

	before := time.Now()
	got := c.Now()
	after := time.Now()

	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestRealClock_NowUnixMilli(t *testing.T) {
	c := RealClock{}

	before := time.Now().UnixMilli()
	got := c.NowUnixMilli()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}

func TestRealClock_SleepHonorsCancel(t *testing.T) {
	c := RealClock{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := c.Sleep(ctx, time.Minute)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMockClock_Now(t *testing.T) {
	fixed := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(fixed)

	assert.Equal(t, fixed, c.Now())
	assert.Equal(t, fixed, c.Now(), "repeated reads do not advance")
}

func TestMockClock_NowUnixMilli(t *testing.T) {
	fixed := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(fixed)

	assert.Equal(t, fixed.UnixMilli(), c.NowUnixMilli())
}

func TestMockClock_Set(t *testing.T) {
	c := NewMockClock(time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC))

	next := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(next)

	assert.Equal(t, next, c.Now())
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())

	c.Advance(-time.Minute)
	assert.Equal(t, start.Add(30*time.Second), c.Now())
}

func TestMockClock_SleepAdvancesAndRecords(t *testing.T) {
	start := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	ctx := context.Background()

	require.NoError(t, c.Sleep(ctx, 2*time.Second))
	require.NoError(t, c.Sleep(ctx, 4*time.Second))

	assert.Equal(t, start.Add(6*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, c.Sleeps())
}

func TestMockClock_SleepIgnoresNonPositiveDurations(t *testing.T) {
	start := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	require.NoError(t, c.Sleep(context.Background(), 0))
	require.NoError(t, c.Sleep(context.Background(), -time.Second))

	assert.Equal(t, start, c.Now())
	assert.Empty(t, c.Sleeps())
}

func TestMockClock_SleepHonorsCancel(t *testing.T) {
	c := NewMockClock(time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Minute)
	require.Error(t, err)
	assert.Empty(t, c.Sleeps())
}

// TestMockClock_ConcurrentAccess verifies thread-safety of MockClock.
// Run with '-race' flag to detect race conditions.
func TestMockClock_ConcurrentAccess(t *testing.T) {
	initialTime := time.Date(2024, 6, 15, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(initialTime)

	const goroutines = 100
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines * 4) // readers, setters, advancers, sleepers

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				_ = c.Now()
				_ = c.NowUnixMilli()
			}
		}()
	}

	for i := range goroutines {
		go func(offset int) {
			defer wg.Done()
			for j := range iterations {
				c.Set(initialTime.Add(time.Duration(offset+j) * time.Second))
			}
		}(i)
	}

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.Advance(time.Millisecond)
			}
		}()
	}

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				_ = c.Sleep(context.Background(), time.Millisecond)
			}
		}()
	}

	wg.Wait()

	// If we reach here without panics or race detector errors, the
	// clock still works.
	_ = c.Now()
}
