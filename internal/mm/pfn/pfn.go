// Package pfn implements the page frame allocator: the owner of every
// physical page frame, grouped into zones by purpose. Zones are classified
// KernelUsable, MMIO, Reserved, or Reclaimable rather than treated as one
// big pool, so the rest of the kernel can reason about what a given frame
// is for before touching it.
package pfn

import (
	"sync"
	"sync/atomic"

	"nexke/internal/bootinfo"
	"nexke/internal/diag"
	"nexke/internal/kstat"
	"nexke/internal/kutil"
)

// PageShift and PageSize are the frame granularity the whole memory
// subsystem works in.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// State is a physical page's place in the system: free, owned by exactly
// one memory object, or permanently unusable for generic allocation
// (reserved/MMIO ranges, which are still addressable for mapping).
type State int

const (
	Free State = iota
	InObject
	Unusable
)

// ZoneFlags classifies a zone's purpose.
type ZoneFlags uint8

const (
	KernelUsable ZoneFlags = 1 << iota
	MMIO
	Reserved
	Reclaimable
	Allocatable
	NoGenericAlloc
)

func (f ZoneFlags) Has(bit ZoneFlags) bool { return f&bit != 0 }

// Page_t is one physical page descriptor. It is either linked into its
// zone's free list (via next) or, once InObject, has Offset set to its
// position within the owning object; Mappings tracks every (space,
// vaddr) back-reference so an unmap can walk straight to every PTE that
// needs clearing instead of searching every address space.
type Page_t struct {
	PFN    uint64
	Zone   *Zone
	State  State
	Offset uint64 // offset within the owning memory object

	// Data is this frame's content. A bare-metal build would instead
	// reach it through the MUL page-table cache; the hosted build keeps
	// content inline on the descriptor since there is no separate
	// physical address space to map into.
	Data [PageSize]byte

	next *Page_t // free-list link, LIFO

	mapMu    sync.Mutex
	mappings *Mapping
}

// Mapping is one back-reference from a physical page to a virtual address
// in some address space. Space is an opaque key (the address space's
// identity) supplied by the MUL/address-space layer; pfn itself has no
// notion of what an address space is, only that pages can be multiply
// mapped and that unmapping needs to find every mapping quickly.
type Mapping struct {
	Space any
	VAddr uintptr
	next  *Mapping
}

// AddMapping records that va in space now maps this page.
func (p *Page_t) AddMapping(space any, va uintptr) {
	p.mapMu.Lock()
	defer p.mapMu.Unlock()
	p.mappings = &Mapping{Space: space, VAddr: va, next: p.mappings}
}

// RemoveMapping deletes the (space, va) back-reference, if present.
func (p *Page_t) RemoveMapping(space any, va uintptr) {
	p.mapMu.Lock()
	defer p.mapMu.Unlock()
	var prev *Mapping
	for m := p.mappings; m != nil; m = m.next {
		if m.Space == space && m.VAddr == va {
			if prev == nil {
				p.mappings = m.next
			} else {
				prev.next = m.next
			}
			return
		}
		prev = m
	}
}

// Mappings returns a snapshot of every (space, vaddr) currently mapping
// this page, for TLB shootdown / unmap-all paths.
func (p *Page_t) Mappings() []Mapping {
	p.mapMu.Lock()
	defer p.mapMu.Unlock()
	out := make([]Mapping, 0, 4)
	for m := p.mappings; m != nil; m = m.next {
		out = append(out, Mapping{Space: m.Space, VAddr: m.VAddr})
	}
	return out
}

// Zone is a contiguous run of PFNs sharing a purpose classification. Its
// free list is a LIFO, push/pop-at-head, for O(1) alloc/free.
type Zone struct {
	BasePFN   uint64
	NumPages  uint64
	Flags     ZoneFlags
	pages     []Page_t
	mu        sync.Mutex
	freeHead  *Page_t
	freeCount int64

	Allocs kstat.Counter_t
	Frees  kstat.Counter_t
}

// FreeCount returns the zone's current free-page count.
func (z *Zone) FreeCount() int64 { return atomic.LoadInt64(&z.freeCount) }

func (z *Zone) indexOf(pfn uint64) (int, bool) {
	if pfn < z.BasePFN || pfn >= z.BasePFN+z.NumPages {
		return 0, false
	}
	return int(pfn - z.BasePFN), true
}

func (z *Zone) pop() *Page_t {
	z.mu.Lock()
	defer z.mu.Unlock()
	p := z.freeHead
	if p == nil {
		return nil
	}
	z.freeHead = p.next
	p.next = nil
	p.State = InObject
	atomic.AddInt64(&z.freeCount, -1)
	return p
}

func (z *Zone) push(p *Page_t) {
	z.mu.Lock()
	defer z.mu.Unlock()
	p.State = Free
	p.Offset = 0
	p.next = z.freeHead
	z.freeHead = p
	atomic.AddInt64(&z.freeCount, 1)
}

// Allocator owns every zone in the system and is the sole entry point for
// physical-page alloc/free.
type Allocator struct {
	zones []*Zone
}

// New builds zones from a boot memory map: each Free region becomes an
// Allocatable|KernelUsable zone; every other region type becomes a
// non-allocatable zone carrying the matching flag, so FindPageByPFN can
// still resolve addresses inside it (e.g. for MMIO windows) without ever
// handing those frames out from a free list.
func New(info *bootinfo.Info) *Allocator {
	a := &Allocator{}
	for _, r := range info.MemoryMap {
		base := kutil.Roundup(r.Base, uint64(PageSize))
		end := kutil.Rounddown(r.Base+r.Length, uint64(PageSize))
		if end <= base {
			continue
		}
		n := (end - base) / PageSize
		z := &Zone{BasePFN: base / PageSize, NumPages: n, pages: make([]Page_t, n)}
		switch r.Type {
		case bootinfo.MemFree:
			z.Flags = KernelUsable | Allocatable
		case bootinfo.MemAcpiReclaim, bootinfo.MemBootReclaim:
			z.Flags = Reclaimable | NoGenericAlloc
		default:
			z.Flags = Reserved | NoGenericAlloc
		}
		for i := range z.pages {
			z.pages[i] = Page_t{PFN: z.BasePFN + uint64(i), Zone: z, State: Free}
			if z.Flags.Has(Allocatable) {
				z.pages[i].next = z.freeHead
				z.freeHead = &z.pages[i]
			} else {
				z.pages[i].State = Unusable
			}
		}
		if z.Flags.Has(Allocatable) {
			z.freeCount = int64(n)
		}
		a.zones = append(a.zones, z)
	}
	return a
}

// AddMMIOZone registers a non-allocatable zone covering an MMIO window so
// FindPageByPFN can resolve addresses inside device register ranges that
// never appeared in the boot memory map.
func (a *Allocator) AddMMIOZone(basePFN, numPages uint64) *Zone {
	z := &Zone{BasePFN: basePFN, NumPages: numPages, Flags: MMIO | NoGenericAlloc, pages: make([]Page_t, numPages)}
	for i := range z.pages {
		z.pages[i] = Page_t{PFN: basePFN + uint64(i), Zone: z, State: Unusable}
	}
	a.zones = append(a.zones, z)
	return z
}

// AllocPage pops a page from the first zone with a free page, preferring
// zones in registration order. It returns (nil, false) on OOM.
func (a *Allocator) AllocPage() (*Page_t, bool) {
	for _, z := range a.zones {
		if !z.Flags.Has(Allocatable) {
			continue
		}
		if p := z.pop(); p != nil {
			z.Allocs.Inc()
			return p, true
		}
	}
	return nil, false
}

// MustAllocPage allocates or panics with the kernel OOM abort, for callers
// that cannot make progress without a page and have no recovery path.
func (a *Allocator) MustAllocPage() *Page_t {
	p, ok := a.AllocPage()
	if !ok {
		diag.Halt("out of memory: page frame allocator exhausted")
	}
	return p
}

// FreePage returns p to its zone's free list. Calling FreePage twice on
// the same page, or on a page still InObject under external bookkeeping,
// is a caller error; pfn does not itself track object membership.
func (a *Allocator) FreePage(p *Page_t) {
	diag.Assert(p.State != Free, "p.State != pfn.Free")
	p.Zone.push(p)
	p.Zone.Frees.Inc()
}

// FindPageByPFN resolves a physical frame number to its descriptor. A PFN
// inside a Reserved/MMIO zone still resolves (with State == Unusable) so
// callers can map it, but it is never reachable via AllocPage.
func (a *Allocator) FindPageByPFN(pfn uint64) (*Page_t, bool) {
	for _, z := range a.zones {
		if idx, ok := z.indexOf(pfn); ok {
			return &z.pages[idx], true
		}
	}
	return nil, false
}

// AllocPagesAt scans for n contiguous allocatable pages whose base address
// is below maxPhys and aligned to align bytes. This is an O(zones*pages)
// scan, acceptable only for rare DMA-style allocations that need
// contiguity or an address ceiling; the common path is AllocPage.
func (a *Allocator) AllocPagesAt(n int, maxPhys uint64, align uint64) ([]*Page_t, bool) {
	if n <= 0 {
		return nil, false
	}
	alignPages := align / PageSize
	if alignPages == 0 {
		alignPages = 1
	}
	for _, z := range a.zones {
		if !z.Flags.Has(Allocatable) {
			continue
		}
		z.mu.Lock()
		run := make([]*Page_t, 0, n)
		for i := 0; i < len(z.pages); i++ {
			pfnAddr := (z.BasePFN + uint64(i)) * PageSize
			if len(run) == 0 && pfnAddr%align != 0 {
				continue
			}
			if pfnAddr >= maxPhys {
				break
			}
			p := &z.pages[i]
			if p.State != Free {
				run = run[:0]
				continue
			}
			run = append(run, p)
			if len(run) == n {
				break
			}
		}
		if len(run) == n {
			for _, p := range run {
				unlinkFree(z, p)
				p.State = InObject
				atomic.AddInt64(&z.freeCount, -1)
				z.Allocs.Inc()
			}
			z.mu.Unlock()
			return run, true
		}
		z.mu.Unlock()
	}
	return nil, false
}

// unlinkFree removes p from z's free list; caller holds z.mu.
func unlinkFree(z *Zone, p *Page_t) {
	if z.freeHead == p {
		z.freeHead = p.next
		p.next = nil
		return
	}
	for cur := z.freeHead; cur != nil; cur = cur.next {
		if cur.next == p {
			cur.next = p.next
			p.next = nil
			return
		}
	}
}

// ZeroPage fills the page with zero bytes. Zeroing is always the caller's
// responsibility: AllocPage never zeroes on its own, so the allocator
// itself never needs a permanent identity map of all RAM and instead
// reaches pages through the MUL page-table cache. The call-site discipline
// (always zero through this method, never assume AllocPage zeroed) is kept
// even though the hosted build's "physical" pages are ordinary Go memory
// and could technically be addressed directly.
func (p *Page_t) ZeroPage() {
	for i := range p.Data {
		p.Data[i] = 0
	}
}

// Zones returns the registered zones in registration order, for boot
// reporting and tests.
func (a *Allocator) Zones() []*Zone { return a.zones }
