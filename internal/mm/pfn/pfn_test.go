package pfn

import (
	"testing"

	"nexke/internal/bootinfo"
)

func mkInfo() *bootinfo.Info {
	return &bootinfo.Info{
		MemoryMap: []bootinfo.MemRegion{
			{Base: 0, Length: 640 * 1024, Type: bootinfo.MemFree},
			{Base: 1 << 20, Length: 127 << 20, Type: bootinfo.MemFree},
		},
	}
}

// S1: after init the PFA reports free_count >= 32000 (4KiB pages).
func TestBootScenarioS1(t *testing.T) {
	a := New(mkInfo())
	var total int64
	for _, z := range a.Zones() {
		total += z.FreeCount()
	}
	if total < 32000 {
		t.Fatalf("free_count = %d, want >= 32000", total)
	}
	p, ok := a.AllocPage()
	if !ok {
		t.Fatal("AllocPage failed")
	}
	if p.Zone.Flags&KernelUsable == 0 {
		t.Fatalf("allocated page's zone lacks KernelUsable")
	}
}

// PFA invariant: free_count == initial_free - outstanding_allocs at every
// moment, for a single zone.
func TestFreeCountInvariant(t *testing.T) {
	a := New(mkInfo())
	z := a.Zones()[1] // the big 127MiB zone
	initial := z.FreeCount()

	var outstanding []*Page_t
	for i := 0; i < 100; i++ {
		p, ok := a.AllocPage()
		if !ok {
			t.Fatal("unexpected OOM")
		}
		if p.Zone == z {
			outstanding = append(outstanding, p)
		}
		if got := z.FreeCount(); got != initial-int64(len(outstanding)) {
			t.Fatalf("free_count = %d, want %d", got, initial-int64(len(outstanding)))
		}
	}
	for _, p := range outstanding {
		n := len(outstanding)
		a.FreePage(p)
		_ = n
	}
}

// free_page(alloc_page()) returns the same PFN to the head of the free list.
func TestFreeReturnsToHead(t *testing.T) {
	a := New(mkInfo())
	p1, _ := a.AllocPage()
	a.FreePage(p1)
	p2, _ := a.AllocPage()
	if p1.PFN != p2.PFN {
		t.Fatalf("expected LIFO reuse: p1=%d p2=%d", p1.PFN, p2.PFN)
	}
}

// find_page_by_pfn(p).pfn == p for every valid p.
func TestFindPageByPFN(t *testing.T) {
	a := New(mkInfo())
	for _, z := range a.Zones() {
		for pfn := z.BasePFN; pfn < z.BasePFN+z.NumPages; pfn += z.NumPages / 4 {
			p, ok := a.FindPageByPFN(pfn)
			if !ok {
				t.Fatalf("FindPageByPFN(%d) not found", pfn)
			}
			if p.PFN != pfn {
				t.Fatalf("p.PFN = %d, want %d", p.PFN, pfn)
			}
		}
	}
	if _, ok := a.FindPageByPFN(1 << 40); ok {
		t.Fatalf("expected miss for out-of-range pfn")
	}
}

func TestReservedZoneUnusable(t *testing.T) {
	info := &bootinfo.Info{MemoryMap: []bootinfo.MemRegion{
		{Base: 0xF0000000, Length: 0x1000, Type: bootinfo.MemReserved},
	}}
	a := New(info)
	p, ok := a.FindPageByPFN(0xF0000000 / PageSize)
	if !ok {
		t.Fatal("reserved page should resolve")
	}
	if p.State != Unusable {
		t.Fatalf("reserved page state = %v, want Unusable", p.State)
	}
	if _, ok := a.AllocPage(); ok {
		t.Fatalf("AllocPage should fail: only reserved memory present")
	}
}

func TestAllocPagesAt(t *testing.T) {
	a := New(mkInfo())
	pages, ok := a.AllocPagesAt(8, 1<<32, PageSize*4)
	if !ok {
		t.Fatal("AllocPagesAt failed")
	}
	if len(pages) != 8 {
		t.Fatalf("got %d pages, want 8", len(pages))
	}
	for i, p := range pages {
		if (p.PFN*PageSize)%(PageSize*4) != 0 && i == 0 {
			t.Fatalf("first page not aligned: pfn=%d", p.PFN)
		}
		if i > 0 && p.PFN != pages[i-1].PFN+1 {
			t.Fatalf("pages not contiguous at %d", i)
		}
	}
}

func TestZeroPage(t *testing.T) {
	a := New(mkInfo())
	p, _ := a.AllocPage()
	p.Data[0] = 0xAB
	p.ZeroPage()
	if p.Data[0] != 0 {
		t.Fatalf("ZeroPage did not clear data")
	}
}
