// Package platform defines the narrow set of hooks the kernel core needs
// from whatever is actually running underneath it: a clock, a one-shot
// timer, and an interrupt controller. internal/trap consumes
// InterruptController directly; internal/ktime declares its own Clock and
// Timer interfaces with the same method sets, which the backends here
// satisfy. Nothing in the core ever names a
// concrete backend (internal/platform/hosted, or eventually a real
// bare-metal driver) by import.
package platform

import "nexke/internal/ipl"

// Clock reports elapsed ticks since some fixed epoch, and the duration of
// one tick in nanoseconds. Its method set matches internal/ktime.Clock so
// any Clock here can be installed directly into a ktime.List.
type Clock interface {
	GetTime() uint64
	Precision() uint64
}

// Timer is a single-shot alarm that invokes its callback once delta ticks
// have elapsed after Arm. Its method set matches internal/ktime.Timer.
type Timer interface {
	Arm(delta uint64)
	SetCallback(cb func())
	Precision() uint64
}

// InterruptMode is a hardware interrupt's trigger mode.
type InterruptMode int

const (
	Edge InterruptMode = iota
	Level
)

// InterruptController is the platform's dispatch contract for hardware
// interrupts (spec section on trap dispatch): the kernel core never talks
// to a specific controller (APIC, PIC, GIC, or a hosted stand-in) by name,
// only through begin/end/enable/disable/set_ipl/connect/disconnect.
type InterruptController interface {
	// Begin acknowledges delivery of vector, before its handler runs.
	Begin(vector int)
	// End signals completion of vector's handler (EOI).
	End(vector int)
	// Enable unmasks vector.
	Enable(vector int)
	// Disable masks vector.
	Disable(vector int)
	// SetIPL sets the controller's current interrupt priority level,
	// masking any vector at or below it.
	SetIPL(level ipl.Level)
	// Connect routes vector to handler with the given trigger mode.
	Connect(vector int, mode InterruptMode, handler func())
	// Disconnect removes whatever handler Connect installed for vector.
	Disconnect(vector int)
}

// Platform bundles the three hooks the core consumes. It is installed
// once at boot (by cmd/nexke, or by a test harness) and reached through
// this struct rather than free-standing package-level globals scattered
// across internal/ktime and internal/trap.
type Platform struct {
	Clock   Clock
	Timer   Timer
	IntCtrl InterruptController
}

var current *Platform

// Install sets the process-wide platform. Called once during boot.
func Install(p *Platform) { current = p }

// Current returns the installed platform, or nil if Install has not run.
func Current() *Platform { return current }
