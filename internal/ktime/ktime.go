// Package ktime implements the timer-event list and the clock/timer
// abstraction the scheduler and wait queues are built on: a per-CPU,
// sorted-ascending-deadline list of events, armed against a single
// hardware-style one-shot timer. It has no direct teacher analog (the
// pack's vendored time/sleep.go is the Go runtime's own timer, not a
// kernel-level one) and is built from scratch against the intrusive-list
// and IPL-guard conventions established in internal/ipl and
// internal/mm/pfn's free lists.
package ktime

import (
	"sync"

	"nexke/internal/ipl"
)

// Clock reports the current time in ticks and the duration one tick
// represents. A real build would back this with a hardware counter; the
// hosted build's platform.Clock wraps the monotonic system clock.
type Clock interface {
	GetTime() uint64
	Precision() uint64 // nanoseconds per tick
}

// Timer is a single-shot hardware-style alarm: Arm schedules the next
// callback invocation delta ticks out, replacing any previously armed
// deadline. SetCallback installs the function the platform calls back on
// expiry, which the List wires to its own DrainExpired.
type Timer interface {
	Arm(delta uint64)
	SetCallback(cb func())
	Precision() uint64
}

// Event is one registered timer-event-list entry. Callers obtain one via
// NewEvent, register it with Reg, and may Dereg it before it fires; Reg may
// be called again on a previously-fired or deregistered event to reuse it.
type Event struct {
	deadline uint64
	cb       func(arg any)
	arg      any
	expired  bool
	armed    bool

	prev, next *Event
}

// Expired reports whether the event's callback has already run.
func (e *Event) Expired() bool { return e.expired }

// List is the per-CPU sorted timer-event list. All mutations run at IPL
// High to exclude the expiry handler, which runs at the same level.
type List struct {
	mu    sync.Mutex
	clock Clock
	timer Timer
	cpu   *ipl.CPU
	head  *Event // sorted ascending by deadline, nil when empty
}

// NewList builds a timer-event list driven by clock and timer, raising IPL
// against cpu for every mutation. The timer's callback is wired to the
// list's own expiry drain.
func NewList(clock Clock, timer Timer, cpu *ipl.CPU) *List {
	l := &List{clock: clock, timer: timer, cpu: cpu}
	timer.SetCallback(l.onTimerFired)
	return l
}

// NewEvent allocates a fresh, unregistered event.
func NewEvent() *Event { return &Event{} }

// FreeEvent releases an event. The event must not currently be registered.
func FreeEvent(e *Event) {
	if e.armed {
		panic("ktime: FreeEvent on a still-registered event")
	}
}

// Reg registers e to fire after delta ticks (delta == 0 is bumped to 1
// tick), calling cb(arg) on expiry. If e lands at the head of the list,
// the timer is (re)armed for the new head's deadline.
func (l *List) Reg(e *Event, delta uint64, cb func(arg any), arg any) {
	if delta == 0 {
		delta = 1
	}
	guard := l.cpu.Raise(ipl.High)
	defer guard.Lower()

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.armed {
		l.unlinkLocked(e)
	}
	e.deadline = l.clock.GetTime() + delta
	e.cb = cb
	e.arg = arg
	e.expired = false
	e.armed = true
	l.insertLocked(e)

	if l.head == e {
		l.timer.Arm(delta)
	}
}

// Dereg removes e from the list if it is still registered. If e was the
// head, the timer is re-armed against the new head (if any).
func (l *List) Dereg(e *Event) {
	guard := l.cpu.Raise(ipl.High)
	defer guard.Lower()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !e.armed {
		return
	}
	wasHead := l.head == e
	l.unlinkLocked(e)
	if wasHead && l.head != nil {
		now := l.clock.GetTime()
		delta := uint64(1)
		if l.head.deadline > now {
			delta = l.head.deadline - now
		}
		l.timer.Arm(delta)
	}
}

// insertLocked splices e into the list in ascending-deadline order.
// Caller holds l.mu.
func (l *List) insertLocked(e *Event) {
	if l.head == nil || e.deadline < l.head.deadline {
		e.next = l.head
		e.prev = nil
		if l.head != nil {
			l.head.prev = e
		}
		l.head = e
		return
	}
	cur := l.head
	for cur.next != nil && cur.next.deadline <= e.deadline {
		cur = cur.next
	}
	e.next = cur.next
	e.prev = cur
	if cur.next != nil {
		cur.next.prev = e
	}
	cur.next = e
}

// unlinkLocked removes e from the list. Caller holds l.mu.
func (l *List) unlinkLocked(e *Event) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.prev, e.next = nil, nil
	e.armed = false
}

// onTimerFired is the callback the hardware timer invokes; it drains every
// event whose deadline has passed and then re-arms for the new head.
func (l *List) onTimerFired() {
	l.DrainExpired(l.clock.GetTime())
}

// DrainExpired walks the head of the list, unlinking and invoking the
// callback of every event whose deadline is <= now, then re-arms the
// timer against whatever head remains. A hardware one-shot timer may fire
// once for several events sharing a deadline; all are drained in this one
// call.
func (l *List) DrainExpired(now uint64) {
	guard := l.cpu.Raise(ipl.High)
	defer guard.Lower()

	l.mu.Lock()
	var fired []*Event
	for l.head != nil && l.head.deadline <= now {
		e := l.head
		l.unlinkLocked(e)
		e.expired = true
		fired = append(fired, e)
	}
	var nextDelta uint64
	rearm := false
	if l.head != nil {
		rearm = true
		if l.head.deadline > now {
			nextDelta = l.head.deadline - now
		} else {
			nextDelta = 1
		}
	}
	l.mu.Unlock()

	for _, e := range fired {
		e.cb(e.arg)
	}
	if rearm {
		l.timer.Arm(nextDelta)
	}
}

// Empty reports whether the list currently holds no events, for tests.
func (l *List) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head == nil
}
