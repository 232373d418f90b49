package workqueue

import (
	"sync"
	"testing"
	"time"

	"nexke/internal/ipl"
	"nexke/internal/ktime"
	"nexke/internal/sched"
)

type fakeClock struct{ now uint64 }

func (c *fakeClock) GetTime() uint64   { return c.now }
func (c *fakeClock) Precision() uint64 { return 1000 }

type fakeTimer struct{ cb func() }

func (t *fakeTimer) Arm(delta uint64)      {}
func (t *fakeTimer) SetCallback(cb func()) { t.cb = cb }
func (t *fakeTimer) Precision() uint64     { return 1000 }

type harness struct {
	ccb *sched.CCB
	cpu *ipl.CPU
	tl  *ktime.List
	clk *fakeClock
	tm  *fakeTimer
}

func mkHarness() *harness {
	cpu := ipl.NewCPU()
	ccb := sched.NewCCB(cpu, 4, 1000)
	ccb.SetIdle(func(t *sched.Thread) {
		for {
			ccb.Schedule()
		}
	})
	clk := &fakeClock{now: 1}
	tm := &fakeTimer{}
	return &harness{ccb: ccb, cpu: cpu, tl: ktime.NewList(clk, tm, cpu), clk: clk, tm: tm}
}

func TestDemandQueueDrainsAtThreshold(t *testing.T) {
	h := mkHarness()
	var mu sync.Mutex
	var got []int
	drained := make(chan struct{})

	q := Create(h.ccb, h.cpu, h.tl, func(data any) {
		mu.Lock()
		got = append(got, data.(int))
		if len(got) == 3 {
			close(drained)
		}
		mu.Unlock()
	}, Demand, 0, 0, 3)

	starter := h.ccb.Spawn("starter", func(th *sched.Thread) {
		q.Submit(1)
		q.Submit(2)
		q.Submit(3)
	})
	h.ccb.SetInitialThread(starter)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("demand queue never drained at threshold")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("drained order = %v, want [1 2 3]", got)
	}
}

// TestCancelRemovesItemBeforeDrain proves cancellation took effect by
// requiring a third submit to reach the threshold and checking the
// canceled item never appears among the drained data: if cancellation
// were a no-op, item 1 would still be pending when the drain thread runs
// and would be drained first.
func TestCancelRemovesItemBeforeDrain(t *testing.T) {
	h := mkHarness()
	var mu sync.Mutex
	var got []int
	drained := make(chan struct{})

	q := Create(h.ccb, h.cpu, h.tl, func(data any) {
		mu.Lock()
		got = append(got, data.(int))
		if len(got) == 2 {
			close(drained)
		}
		mu.Unlock()
	}, Demand, 0, 0, 2)

	starter := h.ccb.Spawn("starter", func(th *sched.Thread) {
		it := q.Submit(1)
		q.Cancel(it)
		q.Submit(2)
		q.Submit(3)
	})
	h.ccb.SetInitialThread(starter)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queue never drained after reaching threshold")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("drained = %v, want [2 3] (item 1 was canceled)", got)
	}
}

func TestTimedQueueDrainsOnTimerFire(t *testing.T) {
	h := mkHarness()
	drained := make(chan int, 1)
	armed := make(chan struct{})

	q := Create(h.ccb, h.cpu, h.tl, func(data any) {
		drained <- data.(int)
	}, Timed, 0, 0, 0)

	starter := h.ccb.Spawn("starter", func(th *sched.Thread) {
		q.Submit(42)
		q.ArmTimer(5)
		close(armed)
	})
	h.ccb.SetInitialThread(starter)

	// wait for the starter to finish arming before firing the timer from
	// this (foreign, non-scheduled) goroutine.
	select {
	case <-armed:
	case <-time.After(2 * time.Second):
		t.Fatal("starter never finished arming the timer")
	}
	h.clk.now = 10
	h.tm.cb()

	select {
	case got := <-drained:
		if got != 42 {
			t.Fatalf("drained = %d, want 42", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed queue never drained after its timer fired")
	}
}

// TestFiveItemsThresholdThreeAllConsumedBeforeNextBlock submits 5 items to
// a Demand queue with threshold 3 from a thread that never yields, and
// checks that the worker drains all 5 (not just the first 3), in order,
// before parking again.
func TestFiveItemsThresholdThreeAllConsumedBeforeNextBlock(t *testing.T) {
	h := mkHarness()
	var mu sync.Mutex
	var got []int
	drained := make(chan struct{})

	q := Create(h.ccb, h.cpu, h.tl, func(data any) {
		mu.Lock()
		got = append(got, data.(int))
		if len(got) == 5 {
			close(drained)
		}
		mu.Unlock()
	}, Demand, 0, 0, 3)

	starter := h.ccb.Spawn("starter", func(th *sched.Thread) {
		for i := 1; i <= 5; i++ {
			q.Submit(i)
		}
	})
	h.ccb.SetInitialThread(starter)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queue never drained all 5 items")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("drained %d items, want 5", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("drained order = %v, want [1 2 3 4 5]", got)
		}
	}
}

func TestDestroyStopsDrainThread(t *testing.T) {
	h := mkHarness()
	q := Create(h.ccb, h.cpu, h.tl, func(data any) {}, Demand, 0, 0, 1)

	starter := h.ccb.Spawn("starter", func(th *sched.Thread) {
		q.Destroy()
	})
	h.ccb.SetInitialThread(starter)

	done := make(chan struct{})
	go func() {
		q.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain thread never exited after Destroy")
	}
}
