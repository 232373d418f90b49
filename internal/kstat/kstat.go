// Package kstat provides lightweight counters for kernel subsystems.
// Counters are cheap enough to leave enabled unconditionally here since
// nexke's core is small; Enabled exists so hot paths (the scheduler tick,
// wait-queue enqueue) can skip the atomic add entirely when a caller wants
// zero overhead.
package kstat

import "sync/atomic"

// Enabled gates whether Counter_t.Inc does any work. Kept as a variable
// rather than a build tag so tests can assert on counter values without a
// recompile.
var Enabled = true

// Counter_t is a monotonically increasing statistic.
type Counter_t struct {
	v int64
}

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64(&c.v, 1)
	}
}

// Add increments the counter by delta.
func (c *Counter_t) Add(delta int64) {
	if Enabled {
		atomic.AddInt64(&c.v, delta)
	}
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64(&c.v)
}

// Gauge_t is a counter that can also move down, used for "current resident
// count"-style statistics.
type Gauge_t struct {
	v int64
}

// Set assigns the gauge's value directly.
func (g *Gauge_t) Set(v int64) {
	atomic.StoreInt64(&g.v, v)
}

// Add adjusts the gauge by delta, which may be negative.
func (g *Gauge_t) Add(delta int64) {
	if Enabled {
		atomic.AddInt64(&g.v, delta)
	}
}

// Get returns the current value.
func (g *Gauge_t) Get() int64 {
	return atomic.LoadInt64(&g.v)
}
