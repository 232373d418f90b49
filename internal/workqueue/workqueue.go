// Package workqueue implements a deferred-work queue: callers submit data
// items, a dedicated kernel thread drains them in bulk by invoking a
// callback, and the thread parks on a condition variable between drains.
// It has no direct teacher analog; the shape is grounded on the
// dedicated-goroutine drain loops in
// justanotherdot-biscuit/biscuit/src/kernel/main.go's background workers
// (the 1-second stats ticker, the benchmark-ready timer), generalized from
// a free-floating goroutine into a proper internal/sched thread so
// queued work competes fairly with the rest of the kernel for the CPU.
package workqueue

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"nexke/internal/ipl"
	"nexke/internal/kerr"
	"nexke/internal/ktime"
	"nexke/internal/sched"
	"nexke/internal/waitq"
)

// Kind selects what drives the drain thread's wakeup.
type Kind int

const (
	// Demand wakes the drain thread once the pending item count reaches
	// Queue's threshold.
	Demand Kind = iota
	// Timed wakes the drain thread on a timer event, independent of how
	// many items are pending.
	Timed
)

// Flags modifies Timed queue behavior.
type Flags uint32

const (
	// Periodic re-arms a Timed queue's timer for the same delta every
	// time it fires, instead of firing once.
	Periodic Flags = 1 << iota
)

// Item is a handle to one submitted unit of work, valid until it is
// either drained or canceled.
type Item struct {
	data     any
	canceled bool
}

// Queue is one work queue: a pending-item list guarded by its own mutex,
// a condition variable the dedicated drain thread waits on, and
// (Timed only) a timer event driving the wakeup.
type Queue struct {
	mtx  *waitq.Mutex
	cond *waitq.CondVar

	items     []*Item
	destroyed int32 // atomic; also readable lock-free from the Timed timer callback

	cb        func(data any)
	kind      Kind
	flags     Flags
	prio      int
	threshold int

	ccb    *sched.CCB
	thread *sched.Thread

	timerList  *ktime.List
	timerEvent *ktime.Event
	timerDelta uint64
	timerGen   uint64 // atomic; bumped by the timer callback, observed by runLoop

	grp  *errgroup.Group
	done chan struct{}
}

// Create builds and starts a work queue. cb is invoked once per drained
// item, on the queue's own dedicated thread, never concurrently with
// itself. timerList is required for kind == Timed and ignored otherwise.
// prio is recorded but not consulted: internal/sched has a single
// round-robin ready queue with no priority lanes, so a work queue's
// drain thread competes on the same footing as any other kernel thread.
func Create(ccb *sched.CCB, cpu *ipl.CPU, timerList *ktime.List, cb func(data any), kind Kind, flags Flags, prio int, threshold int) *Queue {
	q := &Queue{
		cb:        cb,
		kind:      kind,
		flags:     flags,
		prio:      prio,
		threshold: threshold,
		ccb:       ccb,
		timerList: timerList,
		done:      make(chan struct{}),
	}
	wq := waitq.New(ccb, cpu, nil)
	q.mtx = waitq.NewMutex(wq)
	q.cond = waitq.NewCondVar(waitq.New(ccb, cpu, nil))

	grp := &errgroup.Group{}
	q.grp = grp
	grp.Go(func() error {
		<-q.done
		return nil
	})

	q.thread = ccb.Spawn("workq", func(t *sched.Thread) {
		q.runLoop()
	})
	q.thread.OnTerminate = func(exitCode int) { close(q.done) }
	return q
}

// Submit enqueues data and, for a Demand queue, signals the drain thread
// once the pending count reaches the threshold.
func (q *Queue) Submit(data any) *Item {
	it := &Item{data: data}
	q.mtx.Acquire()
	q.items = append(q.items, it)
	n := len(q.items)
	q.mtx.Release()

	if q.kind == Demand && n >= q.threshold {
		q.cond.Signal()
	}
	return it
}

// Cancel removes it from the pending list before it is drained. Returns
// ENOTFOUND if it has already been drained or canceled.
func (q *Queue) Cancel(it *Item) kerr.Err_t {
	q.mtx.Acquire()
	defer q.mtx.Release()
	for i, cur := range q.items {
		if cur == it {
			cur.canceled = true
			q.items = append(q.items[:i], q.items[i+1:]...)
			return kerr.EOK
		}
	}
	return kerr.ENOTFOUND
}

// ArmTimer schedules (or re-schedules) a Timed queue's wakeup delta ticks
// out. It panics if called on a Demand queue.
func (q *Queue) ArmTimer(delta uint64) {
	if q.kind != Timed {
		panic("workqueue: ArmTimer on a Demand queue")
	}
	q.timerDelta = delta
	if q.timerEvent == nil {
		q.timerEvent = ktime.NewEvent()
	}
	q.timerList.Reg(q.timerEvent, delta, q.onTimerFired, nil)
}

// onTimerFired runs on whatever goroutine drives the timer list's drain,
// not necessarily the work queue's own drain thread, so it touches
// nothing but the lock-free generation counter and the condition
// variable's own internal bookkeeping (both already safe to call from a
// foreign goroutine).
func (q *Queue) onTimerFired(any) {
	atomic.AddUint64(&q.timerGen, 1)
	q.cond.Signal()
	if q.flags&Periodic != 0 && atomic.LoadInt32(&q.destroyed) == 0 {
		q.timerList.Reg(q.timerEvent, q.timerDelta, q.onTimerFired, nil)
	}
}

// Destroy signals the drain thread to exit once any already-pending
// items are drained, and cancels a Timed queue's outstanding timer. It
// does not block: a scheduled kernel thread calling Destroy still holds
// the CPU, and the drain thread cannot actually exit until something
// schedules it, so waiting here would freeze the whole CPU. Call Join to
// block until the drain thread has actually exited.
func (q *Queue) Destroy() {
	atomic.StoreInt32(&q.destroyed, 1)
	if q.kind == Timed && q.timerEvent != nil {
		q.timerList.Dereg(q.timerEvent)
	}
	q.cond.Broadcast()
}

// Join blocks the calling goroutine until the drain thread started by
// Create has exited following Destroy. It is meant for host-level code
// outside the cooperative thread model (a shutdown sequencer or a test),
// not for a scheduled kernel thread.
func (q *Queue) Join() error {
	return q.grp.Wait()
}

func (q *Queue) shouldDrainLocked(lastGen *uint64) bool {
	if atomic.LoadInt32(&q.destroyed) != 0 {
		return true
	}
	switch q.kind {
	case Demand:
		return len(q.items) >= q.threshold
	case Timed:
		if g := atomic.LoadUint64(&q.timerGen); g != *lastGen {
			*lastGen = g
			return true
		}
		return false
	default:
		return false
	}
}

func (q *Queue) runLoop() {
	var lastGen uint64
	for {
		q.mtx.Acquire()
		for !q.shouldDrainLocked(&lastGen) {
			q.cond.Wait(q.mtx)
		}
		if atomic.LoadInt32(&q.destroyed) != 0 && len(q.items) == 0 {
			q.mtx.Release()
			return
		}
		pending := q.items
		q.items = nil
		q.mtx.Release()

		for _, it := range pending {
			if !it.canceled {
				q.cb(it.data)
			}
		}
	}
}
