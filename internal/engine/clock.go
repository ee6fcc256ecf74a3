package engine

import (
	"sync/atomic"
	"time"
)

// Clock supplies server timestamps.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns UTC wall-clock time at microsecond precision and
// never returns the same instant twice. Transactions are ordered by server
// date, so two submissions in the same microsecond must still be ordered.
//
// Thread-safety: MonotonicClock is safe for concurrent use (atomic operations).
type MonotonicClock struct {
	last atomic.Int64
}

// NewMonotonicClock creates a clock that starts at the current time.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{}
}

// Now returns a timestamp strictly after every earlier result.
func (c *MonotonicClock) Now() time.Time {
	for {
		prev := c.last.Load()
		next := time.Now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return time.UnixMicro(next).UTC()
		}
	}
}

// FixedClock returns a settable time. Each call to Now advances it by Step.
type FixedClock struct {
	now  atomic.Int64
	Step time.Duration
}

// NewFixedClock creates a clock stopped at t.
func NewFixedClock(t time.Time) *FixedClock {
	c := &FixedClock{}
	c.Set(t)
	return c
}

// Now returns the current time and then advances by Step.
func (c *FixedClock) Now() time.Time {
	n := c.now.Add(int64(c.Step)) - int64(c.Step)
	return time.Unix(0, n).UTC()
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) { c.now.Store(t.UnixNano()) }

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.now.Add(int64(d)) }
