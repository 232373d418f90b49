// Package diag provides the kernel's diagnostic surface: assertion
// failures, caller-chain dumps and panic register/disassembly dumps. It
// uses golang.org/x/arch/x86/x86asm to disassemble faulting instruction
// bytes and golang.org/x/text/message to format register and byte-count
// output for boot and panic reports.
//
// diag is intentionally a leaf package: nothing it imports can itself
// fail through diag, so every other nexke package can call into it to
// report fatal conditions without risking an import cycle.
package diag

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// haltHooks are run by Halt and their output appended to the panic
// message, so a subsystem that can't import diag's callers (to avoid a
// cycle) can still get its counters into the panic dump: it registers a
// hook instead of diag importing it back.
var haltHooks []func() string

// RegisterHaltHook adds a function whose returned string is appended to
// every future Halt's panic message, in registration order.
func RegisterHaltHook(h func() string) {
	haltHooks = append(haltHooks, h)
}

// Assert panics with expression, file, line and function if cond is false.
func Assert(cond bool, expr string) {
	if cond {
		return
	}
	pc, file, line, _ := runtime.Caller(1)
	fn := runtime.FuncForPC(pc)
	name := "?"
	if fn != nil {
		name = fn.Name()
	}
	panic(fmt.Sprintf("assertion failed: %s\n\tat %s:%d in %s", expr, file, line, name))
}

// Callerdump returns the call stack starting at the given depth, one frame
// per line, as a string so callers can route it through klog or a panic
// message uniformly.
func Callerdump(start int) string {
	var b strings.Builder
	i := start
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if i > start {
			b.WriteString("\t<-")
		}
		fmt.Fprintf(&b, "%s:%d\n", f, l)
		i++
	}
	return b.String()
}

// RegisterDump formats a register frame for a panic report. regs is
// ordered so callers can control presentation (e.g. rip, rsp, rflags
// first); values are grouped the way x/text/message formats large counts.
func RegisterDump(regs []RegPair) string {
	var b strings.Builder
	b.WriteString("registers:\n")
	for _, r := range regs {
		printer.Fprintf(&b, "  %-6s = 0x%016x (%d)\n", r.Name, r.Value, r.Value)
	}
	return b.String()
}

// RegPair is one named register value in a RegisterDump.
type RegPair struct {
	Name  string
	Value uint64
}

// Disassemble decodes up to the first few instructions found in code
// (which should be a small window of bytes copied from around a faulting
// PC) and returns a human-readable listing. It never panics: malformed or
// truncated bytes just stop decoding early, since this path itself runs
// from the panic handler and must not fault again.
func Disassemble(code []uint8, pc uint64, mode int) string {
	var b strings.Builder
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			fmt.Fprintf(&b, "  0x%016x: <decode error: %v>\n", pc+uint64(off), err)
			break
		}
		fmt.Fprintf(&b, "  0x%016x: %s\n", pc+uint64(off), x86asm.GNUSyntax(inst, pc+uint64(off), nil))
		if inst.Len == 0 {
			break
		}
		off += inst.Len
	}
	return b.String()
}

// FormatBytes renders a byte count the way the boot log reports pool
// sizes, e.g. FormatBytes(134217728) == "134,217,728 bytes (128 MB)".
func FormatBytes(n int64) string {
	return printer.Sprintf("%d bytes (%d MB)", n, n/(1<<20))
}

// Halt is the terminal action after a panic dump has been printed: in the
// hosted build this is a real Go panic (tests can recover it); a
// bare-metal build would instead cli+hlt loop forever, which is why this
// indirection exists as a named function rather than inline panic() calls
// scattered through the tree.
func Halt(reason string) {
	var b strings.Builder
	b.WriteString("nexke: halt: ")
	b.WriteString(reason)
	for _, h := range haltHooks {
		b.WriteString("\n")
		b.WriteString(h())
	}
	panic(b.String())
}
