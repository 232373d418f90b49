// Package trap implements the hardware-trap dispatch layer sitting above
// internal/platform: an exception table keyed by vector, and hardware
// interrupt objects routed through the platform's interrupt controller.
// It is grounded on gopher-os's irq package (ExceptionNum-keyed
// HandleException/HandleExceptionWithCode registration dispatched from a
// single trap entry point), generalized from its fixed exception-number
// constants and register-save-frame handler signature to a Table that
// also owns hardware interrupt objects, dispatched through
// internal/platform's controller abstraction instead of an x86 IDT so a
// hosted build and a future bare-metal build share the same table and
// handler signatures.
package trap

import (
	"fmt"

	"nexke/internal/diag"
	"nexke/internal/ipl"
	"nexke/internal/mm/addrspace"
	"nexke/internal/mm/fault"
	"nexke/internal/platform"
)

// IntContext is the trap frame delivered to a handler. A hosted build has
// no real register file to save; it carries only the fields the
// exception table and the page-fault path actually consult. A future
// bare-metal build would extend this with the full saved register set.
type IntContext struct {
	Vector    int
	FaultAddr uintptr
	Kind      fault.Kind
	PC        uintptr
}

// HandlerFunc handles one exception vector. It returns true if the
// condition was resolved and the faulting context may resume, false if
// the condition is fatal.
type HandlerFunc func(ctx *IntContext) bool

// Table is the kernel's single trap dispatch point: exceptions
// (divide error, page fault, general protection, ...) registered
// directly by vector, and hardware interrupts routed through the
// platform's interrupt controller via HWInterrupt/ConnectHW.
type Table struct {
	exceptions map[int]HandlerFunc
	intCtrl    platform.InterruptController
}

// NewTable builds an empty trap table dispatching hardware interrupts
// through intCtrl.
func NewTable(intCtrl platform.InterruptController) *Table {
	return &Table{exceptions: make(map[int]HandlerFunc), intCtrl: intCtrl}
}

// SetException registers h as the handler for vector, replacing any
// previous registration.
func (t *Table) SetException(vector int, h HandlerFunc) {
	t.exceptions[vector] = h
}

// Dispatch runs the handler registered for ctx.Vector. An unhandled
// vector, or a handler that returns false, is a fatal kernel condition:
// there is nothing below this layer to resolve it.
func (t *Table) Dispatch(ctx *IntContext) {
	h, ok := t.exceptions[ctx.Vector]
	if !ok {
		diag.Halt(fmt.Sprintf("trap: unhandled vector %d", ctx.Vector))
		return
	}
	if !h(ctx) {
		diag.Halt(fmt.Sprintf("trap: fatal condition at vector %d (fault addr 0x%x)", ctx.Vector, ctx.FaultAddr))
	}
}

// PageFaultHandler adapts an internal/mm/fault.Handler into a
// HandlerFunc bound to a single address space, for SetException
// registration against whatever vector the platform uses for page
// faults.
func PageFaultHandler(h *fault.Handler, space *addrspace.Space) HandlerFunc {
	return func(ctx *IntContext) bool {
		return h.Handle(space, ctx.FaultAddr, ctx.Kind)
	}
}

// HWInterrupt is a hardware interrupt object: a vector/GSI pair, its
// trigger mode, the IPL its handler runs at, and the handler itself,
// connected to and disconnected from the table's interrupt controller as
// a unit.
type HWInterrupt struct {
	Vector  int
	Gsi     int
	Flags   uint32
	Mode    platform.InterruptMode
	IPL     ipl.Level
	Handler func()

	connected bool
}

// ConnectHW wires hw into the table's interrupt controller and enables
// its vector.
func (t *Table) ConnectHW(hw *HWInterrupt) {
	t.intCtrl.Connect(hw.Vector, hw.Mode, hw.Handler)
	t.intCtrl.Enable(hw.Vector)
	hw.connected = true
}

// DisconnectHW disables and unwires hw. It is a no-op if hw was never
// connected through this table.
func (t *Table) DisconnectHW(hw *HWInterrupt) {
	if !hw.connected {
		return
	}
	t.intCtrl.Disable(hw.Vector)
	t.intCtrl.Disconnect(hw.Vector)
	hw.connected = false
}
