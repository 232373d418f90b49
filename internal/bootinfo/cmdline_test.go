package bootinfo

import "testing"

func TestParseCmdLine(t *testing.T) {
	c := ParseCmdLine("root=/dev/sda1 quiet loglevel=3")
	if v, ok := c.Get("root"); !ok || v != "/dev/sda1" {
		t.Fatalf("root = %q, %v", v, ok)
	}
	if v, ok := c.Get("loglevel"); !ok || v != "3" {
		t.Fatalf("loglevel = %q, %v", v, ok)
	}
	if !c.Flag("quiet") {
		t.Fatalf("expected quiet flag set")
	}
	if c.Flag("nosuch") {
		t.Fatalf("unexpected flag set")
	}
	if got := c.GetDefault("missing", "x"); got != "x" {
		t.Fatalf("default = %q", got)
	}
}

func TestTotalFree(t *testing.T) {
	info := &Info{MemoryMap: []MemRegion{
		{Base: 0, Length: 640 * 1024, Type: MemFree},
		{Base: 1 << 20, Length: 127 << 20, Type: MemFree},
		{Base: 0xf0000000, Length: 0x1000, Type: MemReserved},
	}}
	want := uint64(640*1024 + 127*(1<<20))
	if got := info.TotalFree(); got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}
