package trap

import (
	"testing"

	"nexke/internal/bootinfo"
	"nexke/internal/ipl"
	"nexke/internal/mm/addrspace"
	"nexke/internal/mm/fault"
	"nexke/internal/mm/mul"
	"nexke/internal/mm/object"
	"nexke/internal/mm/pfn"
	"nexke/internal/platform"
)

type fakeIntCtrl struct {
	connected map[int]func()
	enabled   map[int]bool
	level     ipl.Level
}

func newFakeIntCtrl() *fakeIntCtrl {
	return &fakeIntCtrl{connected: map[int]func(){}, enabled: map[int]bool{}}
}

func (c *fakeIntCtrl) Begin(vector int) {}
func (c *fakeIntCtrl) End(vector int)   {}
func (c *fakeIntCtrl) Enable(vector int) {
	c.enabled[vector] = true
}
func (c *fakeIntCtrl) Disable(vector int) {
	c.enabled[vector] = false
}
func (c *fakeIntCtrl) SetIPL(level ipl.Level) { c.level = level }
func (c *fakeIntCtrl) Connect(vector int, mode platform.InterruptMode, handler func()) {
	c.connected[vector] = handler
}
func (c *fakeIntCtrl) Disconnect(vector int) {
	delete(c.connected, vector)
	delete(c.enabled, vector)
}

const pageFaultVector = 14

func mkSpace() (*pfn.Allocator, *mul.Layer, *addrspace.Space) {
	a := pfn.New(&bootinfo.Info{MemoryMap: []bootinfo.MemRegion{
		{Base: 0, Length: 8 << 20, Type: bootinfo.MemFree},
	}})
	l := mul.Init(a)
	s := addrspace.Create(l, 0, 0x10000000)
	return a, l, s
}

func TestDispatchResolvesRegisteredException(t *testing.T) {
	a, l, s := mkSpace()
	obj := object.Create(a, 4, object.Anon, mul.PermRead|mul.PermWrite)
	r, _ := s.AllocSpace(obj, 0, 4)

	fh := fault.New(l)
	tbl := NewTable(newFakeIntCtrl())
	tbl.SetException(pageFaultVector, PageFaultHandler(fh, s))

	// Dispatch must not halt: the fault resolves and Dispatch returns
	// normally.
	tbl.Dispatch(&IntContext{Vector: pageFaultVector, FaultAddr: r.StartVAddr, Kind: fault.Read})
}

func TestDispatchHaltsOnUnresolvedFault(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Dispatch to halt on an unresolvable fault")
		}
	}()
	_, l, s := mkSpace()
	fh := fault.New(l)
	tbl := NewTable(newFakeIntCtrl())
	tbl.SetException(pageFaultVector, PageFaultHandler(fh, s))

	tbl.Dispatch(&IntContext{Vector: pageFaultVector, FaultAddr: 0x0FFFFFFF, Kind: fault.Read})
}

func TestDispatchHaltsOnUnknownVector(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Dispatch to halt on an unregistered vector")
		}
	}()
	tbl := NewTable(newFakeIntCtrl())
	tbl.Dispatch(&IntContext{Vector: 99})
}

func TestConnectHWEnablesAndDisconnectHWDisables(t *testing.T) {
	ctrl := newFakeIntCtrl()
	tbl := NewTable(ctrl)
	fired := false
	hw := &HWInterrupt{Vector: 32, Mode: platform.Edge, Handler: func() { fired = true }}

	tbl.ConnectHW(hw)
	if !ctrl.enabled[32] {
		t.Fatal("expected ConnectHW to enable the vector")
	}
	ctrl.connected[32]()
	if !fired {
		t.Fatal("expected the connected handler to run")
	}

	tbl.DisconnectHW(hw)
	if ctrl.enabled[32] {
		t.Fatal("expected DisconnectHW to disable the vector")
	}
	if _, ok := ctrl.connected[32]; ok {
		t.Fatal("expected DisconnectHW to remove the handler")
	}

	// Calling DisconnectHW again (already disconnected) must be a no-op,
	// not a nil-pointer panic.
	tbl.DisconnectHW(hw)
}
