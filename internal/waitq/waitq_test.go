package waitq

import (
	"testing"
	"time"

	"nexke/internal/ipl"
	"nexke/internal/kerr"
	"nexke/internal/ktime"
	"nexke/internal/sched"
)

type fakeClock struct{ now uint64 }

func (c *fakeClock) GetTime() uint64   { return c.now }
func (c *fakeClock) Precision() uint64 { return 1000 }

type fakeTimer struct {
	cb      func()
	lastArm uint64
}

func (t *fakeTimer) Arm(delta uint64)      { t.lastArm = delta }
func (t *fakeTimer) SetCallback(cb func()) { t.cb = cb }
func (t *fakeTimer) Precision() uint64     { return 1000 }

// harness bundles a CCB, an idle thread, and a wait queue with a timer
// list, mirroring how a real build wires sched+ktime+waitq together.
type harness struct {
	ccb *sched.CCB
	q   *Queue
	clk *fakeClock
	tm  *fakeTimer
}

func mkHarness(quantum int) *harness {
	cpu := ipl.NewCPU()
	ccb := sched.NewCCB(cpu, quantum, 1000)
	ccb.SetIdle(func(t *sched.Thread) {
		for {
			ccb.Schedule()
		}
	})
	clk := &fakeClock{now: 1}
	tm := &fakeTimer{}
	tl := ktime.NewList(clk, tm, cpu)
	return &harness{ccb: ccb, q: New(ccb, cpu, tl), clk: clk, tm: tm}
}

func TestWaitBlocksUntilWake(t *testing.T) {
	h := mkHarness(4)
	result := make(chan kerr.Err_t, 1)

	waiter := h.ccb.Spawn("waiter", func(th *sched.Thread) {
		result <- h.q.Wait(0)
	})
	h.ccb.Spawn("waker", func(th *sched.Thread) {
		h.q.Wake()
	})
	h.ccb.SetInitialThread(waiter)

	select {
	case r := <-result:
		if r != kerr.EOK {
			t.Fatalf("result = %v, want EOK", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestWakeOnEmptyQueueReturnsEEmpty(t *testing.T) {
	h := mkHarness(4)
	if err := h.q.Wake(); err != kerr.EEMPTY {
		t.Fatalf("Wake on empty queue = %v, want EEMPTY", err)
	}
}

func TestBroadcastWakesEveryWaiter(t *testing.T) {
	h := mkHarness(4)
	results := make(chan kerr.Err_t, 2)

	w1 := h.ccb.Spawn("w1", func(th *sched.Thread) { results <- h.q.Wait(0) })
	h.ccb.Spawn("w2", func(th *sched.Thread) { results <- h.q.Wait(0) })
	h.ccb.Spawn("broadcaster", func(th *sched.Thread) { h.q.Broadcast() })
	h.ccb.SetInitialThread(w1)

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r != kerr.EOK {
				t.Fatalf("result = %v, want EOK", r)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("not every waiter was woken by Broadcast")
		}
	}
}

func TestCloseResolvesWaitersWithEClosed(t *testing.T) {
	h := mkHarness(4)
	result := make(chan kerr.Err_t, 1)

	waiter := h.ccb.Spawn("waiter", func(th *sched.Thread) { result <- h.q.Wait(0) })
	h.ccb.Spawn("closer", func(th *sched.Thread) { h.q.Close() })
	h.ccb.SetInitialThread(waiter)

	select {
	case r := <-result:
		if r != kerr.ECLOSED {
			t.Fatalf("result = %v, want ECLOSED", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never resolved by Close")
	}
}

func TestTimeoutFiresWhenNoWakeArrives(t *testing.T) {
	h := mkHarness(4)
	result := make(chan kerr.Err_t, 1)

	waiter := h.ccb.Spawn("waiter", func(th *sched.Thread) {
		result <- h.q.Wait(5)
	})
	h.ccb.Spawn("ticker", func(th *sched.Thread) {
		h.clk.now = 10
		h.tm.cb()
	})
	h.ccb.SetInitialThread(waiter)

	select {
	case r := <-result:
		if r != kerr.ETIMEDOUT {
			t.Fatalf("result = %v, want ETIMEDOUT", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never timed out")
	}
}

func TestWakeBeforeTimeoutWins(t *testing.T) {
	h := mkHarness(4)
	result := make(chan kerr.Err_t, 1)

	waiter := h.ccb.Spawn("waiter", func(th *sched.Thread) {
		result <- h.q.Wait(5)
	})
	h.ccb.Spawn("waker", func(th *sched.Thread) {
		h.q.Wake()
	})
	h.ccb.SetInitialThread(waiter)

	select {
	case r := <-result:
		if r != kerr.EOK {
			t.Fatalf("result = %v, want EOK (wake should win a race with a timeout that never fires)", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	h := mkHarness(4)
	sem := NewSemaphore(h.q, 0)
	acquired := make(chan struct{})

	acquirer := h.ccb.Spawn("acquirer", func(th *sched.Thread) {
		sem.Acquire()
		close(acquired)
	})
	h.ccb.Spawn("releaser", func(th *sched.Thread) {
		sem.Release()
	})
	h.ccb.SetInitialThread(acquirer)

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("semaphore acquirer never woke after release")
	}
}

func TestSemaphoreTryAcquireNonBlocking(t *testing.T) {
	h := mkHarness(4)
	sem := NewSemaphore(h.q, 1)

	if err := sem.TryAcquire(); err != kerr.EOK {
		t.Fatalf("first TryAcquire = %v, want EOK", err)
	}
	if err := sem.TryAcquire(); err != kerr.EWOULDBLOCK {
		t.Fatalf("second TryAcquire = %v, want EWOULDBLOCK", err)
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	h := mkHarness(4)
	mtx := NewMutex(h.q)
	var order []string
	done := make(chan struct{}, 2)

	holder := h.ccb.Spawn("holder", func(th *sched.Thread) {
		mtx.Acquire()
		order = append(order, "holder-acquired")
		h.ccb.Yield()
		order = append(order, "holder-released")
		mtx.Release()
		done <- struct{}{}
	})
	h.ccb.Spawn("contender", func(th *sched.Thread) {
		mtx.Acquire()
		order = append(order, "contender-acquired")
		mtx.Release()
		done <- struct{}{}
	})
	h.ccb.SetInitialThread(holder)

	<-done
	<-done

	if len(order) != 3 || order[0] != "holder-acquired" || order[2] != "contender-acquired" {
		t.Fatalf("order = %v, want [holder-acquired holder-released contender-acquired]", order)
	}
}

// TestMutexAcquireTimeoutLosesToALongHold exercises a holder/blocker
// scenario where the blocker's timeout is shorter than the holder's hold
// time: the blocker must come back ETIMEDOUT, and the eventual Release
// from the holder must find no one left to wake.
func TestMutexAcquireTimeoutLosesToALongHold(t *testing.T) {
	h := mkHarness(4)
	mtx := NewMutex(h.q)
	result := make(chan kerr.Err_t, 1)
	released := make(chan struct{})

	holder := h.ccb.Spawn("holder", func(th *sched.Thread) {
		mtx.Acquire()
		// Hold well past B's timeout; the ticker thread below fires the
		// timeout out from under this hold before any release happens.
		h.ccb.Yield()
		mtx.Release()
		close(released)
	})
	h.ccb.Spawn("blocker", func(th *sched.Thread) {
		result <- mtx.AcquireTimeout(5)
	})
	h.ccb.Spawn("ticker", func(th *sched.Thread) {
		h.clk.now = 100
		h.tm.cb()
	})
	h.ccb.SetInitialThread(holder)

	select {
	case r := <-result:
		if r != kerr.ETIMEDOUT {
			t.Fatalf("blocker result = %v, want ETIMEDOUT", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocker was never timed out by a long-held mutex")
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("holder never released the mutex")
	}

	if n := h.q.Len(); n != 0 {
		t.Fatalf("queue length after release = %d, want 0 (no one left to wake)", n)
	}
}

func TestCondVarWaitReacquiresMutexAndSeesSignal(t *testing.T) {
	h := mkHarness(4)
	mtx := NewMutex(h.q)
	cv := NewCondVar(New(h.ccb, h.q.cpu, nil))

	ready := false
	result := make(chan struct{})

	waiter := h.ccb.Spawn("waiter", func(th *sched.Thread) {
		mtx.Acquire()
		for !ready {
			cv.Wait(mtx)
		}
		mtx.Release()
		close(result)
	})
	h.ccb.Spawn("signaler", func(th *sched.Thread) {
		mtx.Acquire()
		ready = true
		mtx.Release()
		cv.Signal()
	})
	h.ccb.SetInitialThread(waiter)

	select {
	case <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("condvar waiter never observed the signaled predicate")
	}
}
