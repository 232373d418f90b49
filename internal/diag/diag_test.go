package diag

import (
	"strings"
	"testing"
)

func TestAssertPassesWhenTrue(t *testing.T) {
	Assert(true, "should never fire") // must not panic
}

func TestAssertPanicsWhenFalse(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected Assert(false, ...) to panic")
		}
		if !strings.Contains(r.(string), "oops") {
			t.Fatalf("panic message %q missing expression text", r)
		}
	}()
	Assert(false, "oops")
}

func TestRegisterDumpFormatsEachPair(t *testing.T) {
	out := RegisterDump([]RegPair{{Name: "rip", Value: 0x1000}, {Name: "rsp", Value: 0x2000}})
	if !strings.Contains(out, "rip") || !strings.Contains(out, "rsp") {
		t.Fatalf("RegisterDump output missing register names: %q", out)
	}
}

func TestFormatBytesIncludesMB(t *testing.T) {
	out := FormatBytes(134217728)
	if !strings.Contains(out, "MB") {
		t.Fatalf("FormatBytes output missing MB suffix: %q", out)
	}
}

func TestHaltPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Halt to panic")
		}
	}()
	Halt("test reason")
}

func TestCallerdumpIncludesThisFile(t *testing.T) {
	out := Callerdump(0)
	if !strings.Contains(out, "diag_test.go") {
		t.Fatalf("Callerdump output missing this file: %q", out)
	}
}
