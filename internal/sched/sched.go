// Package sched implements the per-CPU thread scheduler: a single
// round-robin ready queue with a fixed quantum, the thread state machine,
// and the preempt/block/unblock primitives everything above it is built
// on. There is no teacher analog for a goroutine-hosted preemptive
// scheduler (the pack's Biscuit ports replace the Go runtime's own
// scheduler rather than simulate one above it), so this package is built
// from scratch against the CCB/IPL/intrusive-list conventions already
// established in internal/ipl and internal/mm/pfn. Each kernel Thread is
// backed by one goroutine; the CCB hands out a per-thread grant token so
// that, at any moment, only the thread logically "running" is actually
// making progress, the same single-threaded semantics the policy in this
// package assumes.
package sched

import (
	"sync"
	"sync/atomic"

	"nexke/internal/diag"
	"nexke/internal/ipl"
	"nexke/internal/kstat"
)

// State is a thread's place in the state machine: Created -> Ready (on
// start) -> Running (on schedule) -> Ready (on preempt) or Waiting (on
// block) or Terminating (on exit) -> destroyed (asynchronously, by the
// reaper).
type State int32

const (
	Created State = iota
	Ready
	Running
	Waiting
	Terminating
)

// Thread is one schedulable kernel thread.
type Thread struct {
	ID   uint64
	Name string

	state      int32 // atomic State
	quantaLeft int
	preempted  bool
	runtimeNS  uint64 // atomic

	ccb   *CCB
	grant chan struct{} // capacity 1: receiving means "you may run now"

	prev, next *Thread // ready-queue intrusive links, valid only while Ready

	preemptPending int32 // atomic; set by OnTimerTick, consumed by CheckPreempt

	// OnTerminate runs once, just before the thread is queued to the
	// reaper, so a higher layer (the join wait queue) can wake anyone
	// blocked on this thread's exit without sched needing to know what
	// a wait queue is.
	OnTerminate func(exitCode int)
}

func (t *Thread) State() State       { return State(atomic.LoadInt32(&t.state)) }
func (t *Thread) setState(s State)   { atomic.StoreInt32(&t.state, int32(s)) }
func (t *Thread) Runtime() uint64    { return atomic.LoadUint64(&t.runtimeNS) }
func (t *Thread) addRuntime(ns uint64) { atomic.AddUint64(&t.runtimeNS, ns) }

// CCB is a per-CPU control block: the owner of the ready queue, the
// currently running thread, and the preempt-disable count. Single-CPU
// today; every mutable field here is guarded the same way a multi-CPU
// build would guard its own CCB, so extending to SMP means adding more
// CCBs, not restructuring this one.
type CCB struct {
	mu  sync.Mutex
	ipl *ipl.CPU

	quantum int // TSK_TIMESLICE_LEN, in clock ticks
	tickNS  uint64

	readyHead, readyTail *Thread
	current              *Thread
	idle                 *Thread

	preemptDisableCount int
	preemptRequested    bool

	nextID uint64

	// Reaper receives threads that have finished running, for a higher
	// layer (the Terminator work queue) to drain and run destroy_thread
	// equivalents on. Buffered generously since a reaper that falls
	// behind must never block a terminating thread's final schedule.
	Reaper chan *Thread

	// Switches counts every context switch Schedule actually performs
	// (next != old); Preempts counts every call to Preempt, whether or
	// not it was deferred by a nonzero preempt-disable count.
	Switches kstat.Counter_t
	Preempts kstat.Counter_t
}

// NewCCB builds a CCB with the given fixed quantum (in ticks) and tick
// duration (for runtime accounting), raising IPL against cpu for every
// ready-queue/current-thread mutation.
func NewCCB(cpu *ipl.CPU, quantum int, tickNS uint64) *CCB {
	return &CCB{
		ipl:     cpu,
		quantum: quantum,
		tickNS:  tickNS,
		Reaper:  make(chan *Thread, 64),
	}
}

// Spawn creates a new thread bound to this CCB and readies it. The thread's
// goroutine blocks on its grant token until the scheduler first runs it.
func (c *CCB) Spawn(name string, fn func(t *Thread)) *Thread {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	t := &Thread{ID: id, Name: name, ccb: c, grant: make(chan struct{}, 1), quantaLeft: c.quantum}
	t.setState(Created)
	go func() {
		<-t.grant
		fn(t)
		c.TerminateSelf(t, 0)
	}()
	c.Ready(t)
	return t
}

// SetIdle installs the CPU's idle thread: the fn it's given should loop
// forever, yielding whenever it has nothing to do. The idle thread is
// never placed on the ready queue; schedule() falls back to it only when
// the queue is empty and the outgoing thread is not still Running.
func (c *CCB) SetIdle(fn func(t *Thread)) {
	t := &Thread{ID: 0, Name: "idle", ccb: c, grant: make(chan struct{}, 1)}
	t.setState(Waiting)
	go func() {
		<-t.grant
		fn(t)
	}()
	c.mu.Lock()
	c.idle = t
	c.mu.Unlock()
}

// SetInitialThread is the boot-time bootstrap: it switches into t with a
// fake old-context, discarding whatever came before since there is no
// real kernel thread to return control to.
func (c *CCB) SetInitialThread(t *Thread) {
	c.mu.Lock()
	c.unlinkReadyLocked(t)
	c.current = t
	t.setState(Running)
	t.quantaLeft = c.quantum
	c.mu.Unlock()
	t.grant <- struct{}{}
}

// Current returns the thread currently Running on this CCB, or nil before
// the initial thread is set.
func (c *CCB) Current() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Ready places t on the ready queue: if it was preempted mid-quantum with
// quanta remaining, it goes to the front to preserve order; otherwise it
// goes to the back with a fresh quantum.
func (c *CCB) Ready(t *Thread) {
	guard := c.ipl.Raise(ipl.High)
	defer guard.Lower()

	c.mu.Lock()
	defer c.mu.Unlock()

	toFront := t.preempted && t.quantaLeft > 0
	t.preempted = false
	if !toFront {
		t.quantaLeft = c.quantum
	}
	t.setState(Ready)
	c.pushReadyLocked(t, toFront)
}

func (c *CCB) pushReadyLocked(t *Thread, front bool) {
	t.prev, t.next = nil, nil
	if c.readyHead == nil {
		c.readyHead, c.readyTail = t, t
		return
	}
	if front {
		t.next = c.readyHead
		c.readyHead.prev = t
		c.readyHead = t
		return
	}
	t.prev = c.readyTail
	c.readyTail.next = t
	c.readyTail = t
}

func (c *CCB) popReadyLocked() *Thread {
	t := c.readyHead
	if t == nil {
		return nil
	}
	c.unlinkReadyLocked(t)
	return t
}

func (c *CCB) unlinkReadyLocked(t *Thread) {
	if t.prev == nil && t.next == nil && c.readyHead != t {
		return // not on the queue
	}
	if t.prev != nil {
		t.prev.next = t.next
	} else if c.readyHead == t {
		c.readyHead = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if c.readyTail == t {
		c.readyTail = t.prev
	}
	t.prev, t.next = nil, nil
}

// Schedule pops the head of the ready queue and switches to it; if the
// queue is empty it keeps the current thread if still Running, else runs
// idle. current_thread is never left on the ready queue.
func (c *CCB) Schedule() {
	guard := c.ipl.Raise(ipl.High)
	c.mu.Lock()
	old := c.current
	next := c.popReadyLocked()
	if next == nil {
		if old != nil && old.State() == Running {
			next = old
		} else {
			diag.Assert(c.idle != nil, "c.idle != nil")
			next = c.idle
		}
	}
	c.current = next
	next.setState(Running)
	if next.quantaLeft <= 0 {
		next.quantaLeft = c.quantum
	}
	c.mu.Unlock()
	guard.Lower()

	if next == old {
		return
	}
	c.Switches.Inc()
	next.grant <- struct{}{}
	if old != nil {
		<-old.grant
	}
}

// Preempt marks the current thread as preempted; if preemption is
// disabled it defers by setting preempt_requested, otherwise it
// schedules immediately.
func (c *CCB) Preempt() {
	c.Preempts.Inc()
	c.mu.Lock()
	cur := c.current
	if c.preemptDisableCount > 0 {
		c.preemptRequested = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if cur != nil && cur.State() == Running {
		cur.preempted = true
		c.Ready(cur)
	}
	c.Schedule()
}

// Yield is a voluntary, full relinquish of the current thread's remaining
// quantum: unlike Preempt, it is not a mid-slice interruption, so the
// thread goes to the back of the queue with a fresh quantum rather than
// the front.
func (c *CCB) Yield() {
	cur := c.Current()
	if cur != nil && cur.State() == Running {
		cur.preempted = false
		c.Ready(cur)
	}
	c.Schedule()
}

// PrepareWait marks the current thread Waiting without yet scheduling
// away, so a caller (typically a wait-queue's assert_wait) can finish
// preparing a wait object and race-free-recheck its predicate before
// actually giving up the CPU.
func (c *CCB) PrepareWait() *Thread {
	cur := c.Current()
	diag.Assert(cur != nil, "cur != nil")
	cur.setState(Waiting)
	return cur
}

// CancelWait reverts a thread marked Waiting by PrepareWait back to
// Running, for a caller that discovered its wait was unnecessary before
// ever calling Schedule.
func (c *CCB) CancelWait(t *Thread) { t.setState(Running) }

// Block marks the current thread Waiting and schedules away. Callers must
// already have arranged for something to Unblock it.
func (c *CCB) Block() {
	c.ipl.AssertMayBlock()
	c.PrepareWait()
	c.Schedule()
}

// Unblock readies t. If the ready queue was empty before, it flags a
// preemption for the current thread to act on at its next safe point
// (CheckPreempt) rather than preempting synchronously: Unblock is called
// from whatever path is waking t — a wait-queue timeout callback included
// — and that caller is not necessarily running as the current thread's
// own goroutine, which Schedule requires.
func (c *CCB) Unblock(t *Thread) {
	c.mu.Lock()
	wasEmpty := c.readyHead == nil
	cur := c.current
	c.mu.Unlock()

	c.Ready(t)
	if wasEmpty && cur != nil {
		atomic.StoreInt32(&cur.preemptPending, 1)
	}
}

// DisablePreempt increments the disable count.
func (c *CCB) DisablePreempt() {
	c.mu.Lock()
	c.preemptDisableCount++
	c.mu.Unlock()
}

// EnablePreempt decrements the disable count; if it reaches zero and a
// preemption was requested while disabled, it preempts now.
func (c *CCB) EnablePreempt() {
	c.mu.Lock()
	c.preemptDisableCount--
	diag.Assert(c.preemptDisableCount >= 0, "c.preemptDisableCount >= 0")
	requested := false
	if c.preemptDisableCount == 0 && c.preemptRequested {
		c.preemptRequested = false
		requested = true
	}
	c.mu.Unlock()
	if requested {
		c.Preempt()
	}
}

// OnTimerTick decrements the current thread's remaining quanta by one
// tick and accrues its runtime. A hardware timer interrupt would run on
// the interrupted thread's own stack and could call Preempt() directly;
// a hosted build's platform timer fires on its own goroutine, which
// cannot safely drive this thread's handoff itself (Schedule must run on
// the outgoing thread's own goroutine). OnTimerTick therefore only records
// that quanta are exhausted; CheckPreempt, called from the current
// thread's own context at its next safe point, is what actually preempts.
func (c *CCB) OnTimerTick() {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return
	}
	cur.addRuntime(c.tickNS)
	c.mu.Lock()
	cur.quantaLeft--
	expired := cur.quantaLeft <= 0
	c.mu.Unlock()
	if expired {
		atomic.StoreInt32(&cur.preemptPending, 1)
	}
}

// CheckPreempt preempts the current thread if OnTimerTick recorded a
// pending timer-driven preemption since the last check. Safe points
// (Yield, and any busy-loop body that wants to honor timeslice
// expiration) call this; it must be called from the current thread's own
// goroutine, the same requirement Preempt and Schedule already have.
func (c *CCB) CheckPreempt() {
	cur := c.Current()
	if cur == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&cur.preemptPending, 1, 0) {
		c.Preempt()
	}
}

// TerminateSelf sets t Terminating, runs its termination callback (e.g.
// waking a join wait queue), hands it to the reaper, and schedules away.
// The calling goroutine never runs again past this call.
func (c *CCB) TerminateSelf(t *Thread, exitCode int) {
	t.setState(Terminating)
	if t.OnTerminate != nil {
		t.OnTerminate(exitCode)
	}
	select {
	case c.Reaper <- t:
	default:
		// Reaper is catastrophically behind; drop rather than block a
		// terminating thread forever holding the CPU.
	}
	c.Schedule()
}

// QuantaLeft returns the thread's remaining quanta, for tests and
// diagnostics.
func (t *Thread) QuantaLeft() int {
	t.ccb.mu.Lock()
	defer t.ccb.mu.Unlock()
	return t.quantaLeft
}
