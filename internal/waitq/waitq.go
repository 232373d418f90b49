// Package waitq implements the one wait-queue mechanism every blocking
// primitive in nexke is built on, plus the Semaphore, Mutex and CondVar
// that sit on top of it. It has no teacher analog (the pack's Biscuit
// ports use the Go runtime's own channels and mutexes internally rather
// than a kernel-level sleep queue) and is built from scratch against the
// assert-then-release "prepare to sleep" pattern implied by the contract:
// raise IPL, mark the waiter, let the caller re-check its predicate
// race-free, and only then actually give up the CPU.
package waitq

import (
	"sync"
	"sync/atomic"

	"nexke/internal/ipl"
	"nexke/internal/kerr"
	"nexke/internal/kstat"
	"nexke/internal/ktime"
	"nexke/internal/sched"
)

// Queue is a FIFO list of threads blocked on some shared condition.
type Queue struct {
	mu        sync.Mutex
	ccb       *sched.CCB
	cpu       *ipl.CPU
	timerList *ktime.List

	waiters []*waitObj
	closed  bool

	// Contended counts every Wait call that actually found the
	// predicate unmet and had to enqueue and block, as opposed to one
	// that found the queue closed and returned immediately.
	Contended kstat.Counter_t
}

// waitObj is the handle returned by AssertWait. resolved is CAS'd exactly
// once by whichever of (wake, broadcast, close, timeout) completes the
// wait first; every other path becomes a no-op against an already
// resolved object.
type waitObj struct {
	t            *sched.Thread
	timeoutEvent *ktime.Event
	resolved     int32 // atomic
	result       kerr.Err_t
}

func (w *waitObj) resolve(r kerr.Err_t) bool {
	if atomic.CompareAndSwapInt32(&w.resolved, 0, 1) {
		w.result = r
		return true
	}
	return false
}

// New builds a wait queue driven by ccb (for Block/Unblock) and, if
// timerList is non-nil, capable of honoring timed waits.
func New(ccb *sched.CCB, cpu *ipl.CPU, timerList *ktime.List) *Queue {
	return &Queue{ccb: ccb, cpu: cpu, timerList: timerList}
}

// drain atomically takes every current waiter off the queue and marks it
// closed, so a concurrent Wait either lands in the snapshot or sees
// closed and refuses to enqueue: no caller can race its way onto a list
// that is being drained.
func (q *Queue) drain() []*waitObj {
	q.mu.Lock()
	q.closed = true
	pending := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	return pending
}

func (q *Queue) reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// Close wakes every current waiter with ECLOSED and rejects all
// subsequent waits.
func (q *Queue) Close() {
	for _, w := range q.drain() {
		q.settle(w, kerr.ECLOSED)
	}
}

// assertWait raises IPL to High and marks the current thread Waiting,
// returning a wait object and the guard the caller must eventually
// dismiss via deassertWait (predicate already true) or by actually
// blocking (Wait).
func (q *Queue) assertWait(timeoutTicks uint64) (*waitObj, ipl.Guard) {
	guard := q.cpu.Raise(ipl.High)
	t := q.ccb.PrepareWait()
	w := &waitObj{t: t}
	if timeoutTicks > 0 && q.timerList != nil {
		w.timeoutEvent = ktime.NewEvent()
		q.timerList.Reg(w.timeoutEvent, timeoutTicks, func(any) {
			if w.resolve(kerr.ETIMEDOUT) {
				q.removeWaiter(w)
				q.ccb.Unblock(w.t)
			}
		}, nil)
	}
	return w, guard
}

// deassertWait backs out a wait prepared by assertWait without the
// caller ever having blocked: the predicate turned out to already be
// true. The thread reverts to Running since it never left "current".
func (q *Queue) deassertWait(w *waitObj, guard ipl.Guard) {
	if w.timeoutEvent != nil {
		q.timerList.Dereg(w.timeoutEvent)
	}
	q.ccb.CancelWait(w.t)
	guard.Lower()
}

func (q *Queue) removeWaiter(w *waitObj) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func (q *Queue) settle(w *waitObj, result kerr.Err_t) {
	if !w.resolve(result) {
		return
	}
	if w.timeoutEvent != nil {
		q.timerList.Dereg(w.timeoutEvent)
	}
	q.ccb.Unblock(w.t)
}

// Wait blocks the current thread on q, with an optional timeout in clock
// ticks (0 means wait forever). It returns EOK if woken by Wake/Broadcast,
// ETIMEDOUT if the timeout fired first, or ECLOSED if the queue was
// closed while waiting.
func (q *Queue) Wait(timeoutTicks uint64) kerr.Err_t {
	w, guard := q.assertWait(timeoutTicks)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.deassertWait(w, guard)
		return kerr.ECLOSED
	}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	q.Contended.Inc()

	guard.Lower()
	q.ccb.Schedule()

	return w.result
}

// Wake pops one waiter, cancels its timeout, and readies it. Returns
// EEMPTY if the queue was empty.
func (q *Queue) Wake() kerr.Err_t {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return kerr.EEMPTY
	}
	w := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()

	q.settle(w, kerr.EOK)
	return kerr.EOK
}

// Broadcast wakes every current waiter. It closes then immediately
// reopens the queue around the snapshot so a Wait racing the broadcast
// either joins it or lands in a fresh, empty queue, never a stale one.
func (q *Queue) Broadcast() {
	pending := q.drain()
	q.reopen()
	for _, w := range pending {
		q.settle(w, kerr.EOK)
	}
}

// Len returns the current waiter count, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Semaphore is a counting semaphore built on one Queue.
type Semaphore struct {
	mu    sync.Mutex
	count int
	q     *Queue
}

// NewSemaphore builds a semaphore starting at initial, using q for
// blocked acquirers.
func NewSemaphore(q *Queue, initial int) *Semaphore {
	return &Semaphore{count: initial, q: q}
}

// Acquire blocks while the count is <= 0, then decrements it.
func (s *Semaphore) Acquire() kerr.Err_t {
	for {
		s.mu.Lock()
		if s.count > 0 {
			s.count--
			s.mu.Unlock()
			return kerr.EOK
		}
		s.mu.Unlock()
		if err := s.q.Wait(0); err != kerr.EOK {
			return err
		}
	}
}

// TryAcquire decrements the count without blocking, or returns
// EWOULDBLOCK if it is not positive.
func (s *Semaphore) TryAcquire() kerr.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count <= 0 {
		return kerr.EWOULDBLOCK
	}
	s.count--
	return kerr.EOK
}

// Release increments the count and wakes one waiter if any are blocked.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.count++
	wake := s.count > 0
	s.mu.Unlock()
	if wake {
		s.q.Wake()
	}
}

// Mutex is a non-recursive, non-owner-tracked lock built on one Queue. It
// intentionally carries no owner, no recursion and no priority
// inheritance.
type Mutex struct {
	mu    sync.Mutex
	state bool
	q     *Queue
}

// NewMutex builds an unlocked mutex using q for blocked acquirers.
func NewMutex(q *Queue) *Mutex { return &Mutex{q: q} }

// Acquire blocks while the mutex is held, then takes it.
func (m *Mutex) Acquire() kerr.Err_t {
	for {
		m.mu.Lock()
		if !m.state {
			m.state = true
			m.mu.Unlock()
			return kerr.EOK
		}
		m.mu.Unlock()
		if err := m.q.Wait(0); err != kerr.EOK {
			return err
		}
	}
}

// AcquireTimeout is Acquire with a bound in clock ticks.
func (m *Mutex) AcquireTimeout(timeoutTicks uint64) kerr.Err_t {
	for {
		m.mu.Lock()
		if !m.state {
			m.state = true
			m.mu.Unlock()
			return kerr.EOK
		}
		m.mu.Unlock()
		if err := m.q.Wait(timeoutTicks); err != kerr.EOK {
			return err
		}
	}
}

// Release frees the mutex and wakes one waiter if any are blocked.
func (m *Mutex) Release() {
	m.mu.Lock()
	m.state = false
	m.mu.Unlock()
	m.q.Wake()
}

// CondVar is a condition variable built on one Queue.
type CondVar struct {
	q *Queue
}

// NewCondVar builds a condition variable using q.
func NewCondVar(q *Queue) *CondVar { return &CondVar{q: q} }

// Wait releases mtx, blocks on the condition, and reacquires mtx before
// returning. The caller must hold mtx on entry. Assert-then-release is
// the lost-wakeup prevention: the thread is marked Waiting and queued
// before mtx is released, so a Signal arriving between release and block
// is never missed.
func (c *CondVar) Wait(mtx *Mutex) kerr.Err_t {
	w, guard := c.q.assertWait(0)
	c.q.mu.Lock()
	if c.q.closed {
		c.q.mu.Unlock()
		c.q.deassertWait(w, guard)
		mtx.Release()
		mtx.Acquire()
		return kerr.ECLOSED
	}
	c.q.waiters = append(c.q.waiters, w)
	c.q.mu.Unlock()
	guard.Lower()

	mtx.Release()
	c.q.ccb.Schedule()
	mtx.Acquire()
	return w.result
}

// Signal wakes one waiter.
func (c *CondVar) Signal() { c.q.Wake() }

// Broadcast wakes every current waiter.
func (c *CondVar) Broadcast() {
	c.q.Broadcast()
}
