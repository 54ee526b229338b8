// Package clock provides the monotonic time source used for heartbeat leases.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns nanoseconds on a monotonic scale. Values are only meaningful
// relative to each other.
type Clock interface {
	Now() int64
}

// Monotonic reads the runtime's monotonic clock relative to its creation time,
// so wall-clock adjustments never move heartbeats.
type Monotonic struct {
	base time.Time
}

// NewMonotonic creates a monotonic clock anchored at the current instant.
func NewMonotonic() *Monotonic {
	return &Monotonic{base: time.Now()}
}

// Now returns nanoseconds elapsed since the clock was created.
func (m *Monotonic) Now() int64 {
	return int64(time.Since(m.base))
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	now atomic.Int64
}

// NewFake creates a fake clock starting at start nanoseconds.
func NewFake(start int64) *Fake {
	f := &Fake{}
	f.now.Store(start)
	return f
}

func (f *Fake) Now() int64 { return f.now.Load() }

// Set moves the clock to an absolute value.
func (f *Fake) Set(ns int64) { f.now.Store(ns) }

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.now.Add(int64(d)) }
