// Package hosted implements internal/platform's Clock, Timer and
// InterruptController on top of plain Linux facilities, standing in for
// the real hardware backend a bootloader would install: CLOCK_MONOTONIC
// for the clock, a timerfd for the one-shot alarm, and an in-process
// vector table for interrupt dispatch. Nothing in the pack exercises
// timerfd or nanosleep directly, so this package is grounded on
// golang.org/x/sys/unix's own documented contract for those syscalls
// rather than on a specific teacher file, wired to the exact Clock/Timer
// method shapes internal/ktime and internal/platform already define.
package hosted

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"nexke/internal/ipl"
	"nexke/internal/platform"
)

// tickNS is the duration of one tick: coarse enough that a hosted build's
// non-realtime scheduling never needs sub-microsecond resolution.
const tickNS = uint64(1000)

// Clock wraps CLOCK_MONOTONIC, reporting ticks elapsed since the clock
// was constructed.
type Clock struct {
	start unix.Timespec
}

// NewClock samples CLOCK_MONOTONIC as the clock's epoch.
func NewClock() (*Clock, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return nil, fmt.Errorf("hosted: clock_gettime: %w", err)
	}
	return &Clock{start: ts}, nil
}

// GetTime implements platform.Clock.
func (c *Clock) GetTime() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	elapsedNS := (ts.Sec-c.start.Sec)*1e9 + (ts.Nsec - c.start.Nsec)
	if elapsedNS < 0 {
		elapsedNS = 0
	}
	return uint64(elapsedNS) / tickNS
}

// Precision implements platform.Clock.
func (c *Clock) Precision() uint64 { return tickNS }

// Timer is a one-shot alarm backed by a Linux timerfd, read from a
// dedicated goroutine that invokes the installed callback on every
// expiry. Close must be called to stop that goroutine and release the fd.
type Timer struct {
	fd int

	mu sync.Mutex
	cb func()

	stop chan struct{}
}

// NewTimer creates an unarmed timerfd-backed timer and starts its watch
// goroutine.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return nil, fmt.Errorf("hosted: timerfd_create: %w", err)
	}
	t := &Timer{fd: fd, stop: make(chan struct{})}
	go t.watch()
	return t, nil
}

// SetCallback implements platform.Timer.
func (t *Timer) SetCallback(cb func()) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// Arm implements platform.Timer, scheduling the next expiry deltaTicks
// out and replacing any previously armed deadline. deltaTicks == 0
// disarms the timer.
func (t *Timer) Arm(deltaTicks uint64) {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(deltaTicks * tickNS)),
	}
	unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// Precision implements platform.Timer.
func (t *Timer) Precision() uint64 { return tickNS }

// watch blocks on the timerfd and invokes the installed callback once per
// expiry read, until Close fires t.stop.
func (t *Timer) watch() {
	buf := make([]byte, 8)
	for {
		n, err := unix.Read(t.fd, buf)
		select {
		case <-t.stop:
			return
		default:
		}
		if err != nil || n != len(buf) {
			continue
		}
		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// Close stops the watch goroutine and releases the timerfd.
func (t *Timer) Close() error {
	close(t.stop)
	return unix.Close(t.fd)
}

// InterruptController is a hosted stand-in for a real APIC/PIC/GIC: there
// is no hardware to mask, so it just tracks connected handlers, their
// enabled state and the current IPL, and dispatches synchronously when
// Fire is called on its behalf (by a test, or by a software-interrupt
// source standing in for a device).
type InterruptController struct {
	mu       sync.Mutex
	handlers map[int]func()
	enabled  map[int]bool
	level    ipl.Level
}

// NewInterruptController builds an InterruptController with every vector
// disabled and unconnected.
func NewInterruptController() *InterruptController {
	return &InterruptController{
		handlers: make(map[int]func()),
		enabled:  make(map[int]bool),
	}
}

// Begin implements platform.InterruptController. The hosted backend has
// no hardware acknowledgment step.
func (c *InterruptController) Begin(vector int) {}

// End implements platform.InterruptController. The hosted backend has no
// hardware EOI step.
func (c *InterruptController) End(vector int) {}

// Enable implements platform.InterruptController.
func (c *InterruptController) Enable(vector int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[vector] = true
}

// Disable implements platform.InterruptController.
func (c *InterruptController) Disable(vector int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[vector] = false
}

// SetIPL implements platform.InterruptController.
func (c *InterruptController) SetIPL(level ipl.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
}

// Connect implements platform.InterruptController. mode is recorded by
// the caller (internal/trap) and not consulted here: the hosted backend
// has no edge/level distinction to make.
func (c *InterruptController) Connect(vector int, mode platform.InterruptMode, handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[vector] = handler
}

// Disconnect implements platform.InterruptController.
func (c *InterruptController) Disconnect(vector int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, vector)
	delete(c.enabled, vector)
}

// Fire is the hosted stand-in for a device asserting vector at
// vectorLevel: if the vector is enabled and not masked by the
// controller's current IPL, its handler runs synchronously on the
// caller's goroutine, exactly like a hardware vector would run on
// whatever thread the interrupt preempted.
func (c *InterruptController) Fire(vector int, vectorLevel ipl.Level) {
	c.mu.Lock()
	en := c.enabled[vector]
	masked := vectorLevel <= c.level
	h := c.handlers[vector]
	c.mu.Unlock()
	if en && !masked && h != nil {
		h()
	}
}
