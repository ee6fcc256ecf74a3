package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicClock_StrictlyIncreasing(t *testing.T) {
	c := NewMonotonicClock()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		next := c.Now()
		assert.True(t, next.After(prev), "clock went from %v to %v", prev, next)
		prev = next
	}
	assert.Equal(t, time.UTC, prev.Location())
}

func TestMonotonicClock_Concurrent(t *testing.T) {
	c := NewMonotonicClock()
	const goroutines = 50
	const perGoroutine = 100

	results := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- c.Now().UnixMicro()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for r := range results {
		assert.False(t, seen[r], "timestamp %d returned twice", r)
		seen[r] = true
	}
	assert.Equal(t, goroutines*perGoroutine, len(seen))
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewFixedClock(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now(), "zero step keeps time still")

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	c.Step = time.Second
	assert.Equal(t, start.Add(time.Minute), c.Now())
	assert.Equal(t, start.Add(time.Minute+time.Second), c.Now())
}
