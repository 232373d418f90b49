// Command nexke is the reference kernel entry point for a hosted build:
// it wires bootinfo, the page frame allocator, the MUL/addrspace/fault
// stack, the scheduler, wait queues, work queues, and the hosted
// platform backend together, the way justanotherdot-biscuit's
// kernel/main.go's func main() wires Physmem_t, the VM system, trap
// handling, device attach and the initial process together, then hands
// off to the scheduler instead of exec-ing an init binary (process
// loading is outside this core's scope).
package main

import (
	"fmt"
	"runtime"

	"nexke/internal/bootinfo"
	"nexke/internal/diag"
	"nexke/internal/ipl"
	"nexke/internal/kerr"
	"nexke/internal/kprof"
	"nexke/internal/klog"
	"nexke/internal/ktime"
	"nexke/internal/mm/addrspace"
	"nexke/internal/mm/fault"
	"nexke/internal/mm/mul"
	"nexke/internal/mm/pfn"
	"nexke/internal/platform"
	"nexke/internal/platform/hosted"
	"nexke/internal/sched"
	"nexke/internal/trap"
	"nexke/internal/waitq"
	"nexke/internal/workqueue"
)

const (
	pageFaultVector = 14
	schedQuantum    = 10 // ticks per quantum
	statsThreshold  = 8  // kprof samples buffered before the stats queue drains
)

func main() {
	log := klog.NewRing(64 << 10)
	fmt.Fprintf(log, "nexke: starting (go runtime %s, %d logical CPUs)\n", runtime.Version(), runtime.NumCPU())

	info := &bootinfo.Info{
		SystemID: "hosted",
		MemoryMap: []bootinfo.MemRegion{
			{Base: 0, Length: 256 << 20, Type: bootinfo.MemFree},
		},
	}
	fmt.Fprintf(log, "nexke: %s of free memory reported by boot handoff\n", diag.FormatBytes(int64(info.TotalFree())))

	pfa := pfn.New(info)
	mulLayer := mul.Init(pfa)
	space := addrspace.Create(mulLayer, 0x1000, 0x40000000)
	faultHandler := fault.New(mulLayer)

	cpu := ipl.NewCPU()

	clock, err := hosted.NewClock()
	if err != nil {
		diag.Halt(fmt.Sprintf("nexke: clock init: %v", err))
	}
	timer, err := hosted.NewTimer()
	if err != nil {
		diag.Halt(fmt.Sprintf("nexke: timer init: %v", err))
	}
	intCtrl := hosted.NewInterruptController()
	platform.Install(&platform.Platform{Clock: clock, Timer: timer, IntCtrl: intCtrl})

	timerList := ktime.NewList(clock, timer, cpu)

	ccb := sched.NewCCB(cpu, schedQuantum, timer.Precision())
	ccb.SetIdle(func(t *sched.Thread) {
		for {
			ccb.Schedule()
		}
	})

	trapTable := trap.NewTable(intCtrl)
	trapTable.SetException(pageFaultVector, trap.PageFaultHandler(faultHandler, space))

	prof := kprof.New(4096)
	profQueue := waitq.New(ccb, cpu, timerList)
	profLock := waitq.NewMutex(profQueue)

	diag.RegisterHaltHook(func() string {
		return fmt.Sprintf("stats: sched.switches=%d sched.preempts=%d waitq.contended=%d",
			ccb.Switches.Get(), ccb.Preempts.Get(), profQueue.Contended.Get())
	})

	// statsQueue drains accumulated profiling samples to the boot log in
	// batches of statsThreshold, the hosted analog of the teacher's
	// 1-second stats ticker goroutine.
	statsQueue := workqueue.Create(ccb, cpu, timerList, func(data any) {
		p, err := prof.Dump()
		if err != kerr.EOK {
			return
		}
		fmt.Fprintf(log, "nexke: flushed %d profile samples (%v)\n", len(p.Sample), data)
	}, workqueue.Demand, 0, 0, statsThreshold)

	record := func(label string, i int) {
		profLock.Acquire()
		prof.Record(kprof.SchedTick, 1, label)
		n := prof.Len()
		profLock.Release()
		if n >= statsThreshold {
			statsQueue.Submit(i)
		}
	}

	ccb.Spawn("stats-helper", func(t *sched.Thread) {
		for i := 0; ; i++ {
			record("stats-helper", i)
			ccb.CheckPreempt()
			ccb.Schedule()
		}
	})

	root := ccb.Spawn("root", func(t *sched.Thread) {
		fmt.Fprintf(log, "nexke: root thread running, idling\n")
		for i := 0; ; i++ {
			record("root", i)
			ccb.CheckPreempt()
			ccb.Schedule()
		}
	})
	ccb.SetInitialThread(root)

	fmt.Fprintf(log, "nexke: handoff to scheduler\n")

	// SetInitialThread hands the CPU to root and returns at once; main's
	// own goroutine is not a scheduled thread, so it parks here forever
	// while the scheduled threads run.
	select {}
}
