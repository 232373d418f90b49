package mul

import (
	"testing"

	"nexke/internal/bootinfo"
	"nexke/internal/mm/pfn"
)

func mkAllocator() *pfn.Allocator {
	return pfn.New(&bootinfo.Info{MemoryMap: []bootinfo.MemRegion{
		{Base: 0, Length: 32 << 20, Type: bootinfo.MemFree},
	}})
}

func TestMapThenGetMapping(t *testing.T) {
	a := mkAllocator()
	l := Init(a)
	s := l.CreateSpace()
	p, _ := a.AllocPage()

	l.Map(s, 0x1000, p, PermRead|PermWrite)
	got, perm, ok := l.GetMapping(s, 0x1000)
	if !ok {
		t.Fatal("GetMapping miss after Map")
	}
	if got != p {
		t.Fatalf("GetMapping returned wrong page")
	}
	if !perm.Has(PermRead) || !perm.Has(PermWrite) || !perm.Has(PermPresent) {
		t.Fatalf("perm = %v, missing expected bits", perm)
	}
}

func TestUnmapReturnsPageAndClearsEntry(t *testing.T) {
	a := mkAllocator()
	l := Init(a)
	s := l.CreateSpace()
	p, _ := a.AllocPage()

	l.Map(s, 0x2000, p, PermRead)
	got, ok := l.Unmap(s, 0x2000)
	if !ok || got != p {
		t.Fatalf("Unmap did not return the mapped page")
	}
	if _, _, ok := l.GetMapping(s, 0x2000); ok {
		t.Fatalf("mapping still present after Unmap")
	}
}

func TestUserPermIntoKernelHalfAborts(t *testing.T) {
	a := mkAllocator()
	l := Init(a)
	s := l.CreateSpace()
	p, _ := a.AllocPage()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic inserting a user PTE into the kernel half")
		}
	}()
	l.Map(s, KernelBase+0x1000, p, PermRead|PermWrite) // no PermKernel bit
}

func TestChangePerm(t *testing.T) {
	a := mkAllocator()
	l := Init(a)
	s := l.CreateSpace()
	p, _ := a.AllocPage()

	l.Map(s, 0x3000, p, PermRead)
	if !l.ChangePerm(s, 0x3000, PermRead|PermWrite) {
		t.Fatal("ChangePerm reported miss on an existing mapping")
	}
	_, perm, _ := l.GetMapping(s, 0x3000)
	if !perm.Has(PermWrite) {
		t.Fatalf("perm not updated: %v", perm)
	}
	if l.ChangePerm(s, 0x9999000, PermRead) {
		t.Fatal("ChangePerm reported success on a nonexistent mapping")
	}
}

func TestTableAllocationTracked(t *testing.T) {
	a := mkAllocator()
	l := Init(a)
	s := l.CreateSpace()
	p1, _ := a.AllocPage()
	p2, _ := a.AllocPage()

	l.Map(s, 0x1000, p1, PermRead)
	l.Map(s, 0x2000, p2, PermRead) // same table region as 0x1000

	if len(s.TablePages()) != 1 {
		t.Fatalf("expected one shared table page for two mappings in the same region, got %d", len(s.TablePages()))
	}

	far := uintptr(1) << 22 // outside the first table region
	p3, _ := a.AllocPage()
	l.Map(s, far, p3, PermRead)
	if len(s.TablePages()) != 2 {
		t.Fatalf("expected a second table page for a distant mapping, got %d", len(s.TablePages()))
	}
}

func TestKernelMappingBumpsVersion(t *testing.T) {
	a := mkAllocator()
	l := Init(a)
	s := l.CreateSpace()
	p, _ := a.AllocPage()

	before := KernelVersion()
	l.Map(s, KernelBase+0x1000, p, PermRead|PermKernel)
	if KernelVersion() == before {
		t.Fatal("kernel mapping did not bump the kernel generation")
	}
}

func TestDestroySpaceReturnsTablePages(t *testing.T) {
	a := mkAllocator()
	z := a.Zones()[0]
	l := Init(a)
	s := l.CreateSpace()
	p, _ := a.AllocPage()
	l.Map(s, 0x4000, p, PermRead)

	before := z.FreeCount()
	l.DestroySpace(s)
	if got := z.FreeCount(); got <= before {
		t.Fatalf("expected table pages to return to the free list, free count = %d", got)
	}
}
