// Package mul implements the hardware-agnostic page-table interface: map,
// unmap, change-permission, and lookup per virtual address, plus a private
// page-table cache used to touch page tables without keeping them
// permanently mapped. A real build would walk architecture page-table
// formats through a small mapped window; the hosted build represents each
// space's table as an ordinary Go map and simulates the window with a
// fixed number of cache slots callers block on, so the "at most N
// concurrent table edits" and pending-flush bookkeeping are exercised the
// same way they would be on real hardware.
package mul

import (
	"sync"

	"nexke/internal/diag"
	"nexke/internal/ipl"
	"nexke/internal/mm/pfn"
)

// Perm is the small set of orthogonal permission bits MUL translates into
// the architecture's native PTE encoding.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermKernel
	PermExecutable
	PermCacheDisable
	PermWriteThrough
	PermPresent
)

func (p Perm) Has(bit Perm) bool { return p&bit != 0 }

// KernelBase is the lowest virtual address considered part of the kernel
// half. A mapping is a "kernel address" mapping iff its vaddr is >= this.
const KernelBase = 0xFFFF_8000_0000_0000

// pte is one simulated page-table entry.
type pte struct {
	page *pfn.Page_t
	perm Perm
}

// Space is one MUL address space: opaque to callers of the VM layer above,
// but concrete here since this package is the one place that needs to see
// inside it. KernelVersion lets per-process spaces detect a newly linked
// kernel table page and shadow it on next context switch.
type Space struct {
	mu            sync.Mutex
	entries       map[uintptr]*pte
	tableOf       map[uintptr]*pfn.Page_t // table-region base -> backing table page
	tablePages    []*pfn.Page_t           // every table page this space owns, in allocation order
	kernelVersion uint64
	pendingFlush  bool
	active        bool
}

// tableRegionBits groups virtual addresses into table regions the size of
// one intermediate table's coverage; a first write into a region triggers
// a table allocation the way a real walk would on a missing intermediate
// level.
const tableRegionBits = 21 // 2MiB, one typical intermediate-table span

func tableRegionOf(virt uintptr) uintptr {
	return virt &^ ((1 << tableRegionBits) - 1)
}

// kernelVersion is bumped by Map for every mapping at or above KernelBase
// (which covers every kernel-half table allocation), so every non-active
// Space can notice it is stale.
var kernelVersion uint64
var kernelVersionMu sync.Mutex

// Layer owns every address space's page tables and the shared page-table
// cache used to edit them.
type Layer struct {
	pfa   *pfn.Allocator
	cache *ptcache
}

// Init constructs the MUL layer after the page frame allocator has
// finished initializing.
func Init(pfa *pfn.Allocator) *Layer {
	return &Layer{pfa: pfa, cache: newPTCache(4)}
}

// CreateSpace allocates a fresh, empty address space.
func (l *Layer) CreateSpace() *Space {
	return &Space{entries: make(map[uintptr]*pte), tableOf: make(map[uintptr]*pfn.Page_t)}
}

// DestroySpace releases every table page the space owns back to the page
// frame allocator. It does not touch the memory objects backing any
// mapping; callers tear those down separately.
func (l *Layer) DestroySpace(s *Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.tablePages {
		l.pfa.FreePage(p)
	}
	s.tablePages = nil
	s.tableOf = nil
	s.entries = nil
}

// TablePages returns every table page this space currently owns, in
// allocation order.
func (s *Space) TablePages() []*pfn.Page_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pfn.Page_t, len(s.tablePages))
	copy(out, s.tablePages)
	return out
}

// ensureTable allocates and zeroes a backing table page for virt's table
// region if one doesn't already exist, recording it on the space. It does
// not touch the kernel generation; Map bumps that for every mapping at or
// above KernelBase. Caller holds l and must NOT already hold s.mu.
func (l *Layer) ensureTable(s *Space, virt uintptr) {
	region := tableRegionOf(virt)
	s.mu.Lock()
	_, ok := s.tableOf[region]
	s.mu.Unlock()
	if ok {
		return
	}
	page := l.pfa.MustAllocPage()
	l.ZeroPage(page)
	s.mu.Lock()
	if s.tableOf[region] == nil {
		s.tableOf[region] = page
		s.tablePages = append(s.tablePages, page)
	} else {
		// another caller raced us; drop the page we allocated.
		s.mu.Unlock()
		l.pfa.FreePage(page)
		s.mu.Lock()
	}
	s.mu.Unlock()
}

// MapEarly installs a mapping directly, for use before the page-table
// cache is ready (early boot identity maps). It bypasses the cache and
// writes straight into the space's entry table.
func (l *Layer) MapEarly(s *Space, virt uintptr, page *pfn.Page_t, perm Perm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[virt] = &pte{page: page, perm: perm | PermPresent}
}

// GetPhysEarly resolves a virtual address installed via MapEarly.
func (l *Layer) GetPhysEarly(s *Space, virt uintptr) (*pfn.Page_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[virt]
	if !ok {
		return nil, false
	}
	return e.page, true
}

// Map installs a mapping for virt -> page with perm. A user-permission
// mapping into the kernel half is a hard abort, never a returned error.
func (l *Layer) Map(s *Space, virt uintptr, page *pfn.Page_t, perm Perm) {
	isKernelAddr := virt >= KernelBase
	isUserPerm := !perm.Has(PermKernel)
	diag.Assert(!(isKernelAddr && isUserPerm), "!(isKernelAddr && isUserPerm)")

	l.ensureTable(s, virt)

	guard := ipl.Boot().Raise(ipl.High)
	defer guard.Lower()

	win := l.cache.acquire(s)
	defer l.cache.release(win)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[uintptr]*pte)
	}
	s.entries[virt] = &pte{page: page, perm: perm | PermPresent}

	if isKernelAddr {
		bumpKernelVersion()
		l.flushImmediate(virt)
	} else if s.active {
		l.flushImmediate(virt)
	} else {
		s.pendingFlush = true
	}
}

// Unmap removes any mapping at virt, returning the page that was mapped
// there (if any) so the caller can drop its back-mapping.
func (l *Layer) Unmap(s *Space, virt uintptr) (*pfn.Page_t, bool) {
	guard := ipl.Boot().Raise(ipl.High)
	defer guard.Lower()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[virt]
	if !ok {
		return nil, false
	}
	delete(s.entries, virt)
	if virt >= KernelBase {
		l.flushImmediate(virt)
	} else if s.active {
		l.flushImmediate(virt)
	} else {
		s.pendingFlush = true
	}
	return e.page, true
}

// ChangePerm updates the permission bits of an existing mapping.
func (l *Layer) ChangePerm(s *Space, virt uintptr, perm Perm) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[virt]
	if !ok {
		return false
	}
	e.perm = perm | PermPresent
	return true
}

// GetMapping looks up the page currently mapped at virt.
func (l *Layer) GetMapping(s *Space, virt uintptr) (*pfn.Page_t, Perm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[virt]
	if !ok {
		return nil, 0, false
	}
	return e.page, e.perm, true
}

// ZeroPage zeros a physical page via the page-table cache window, matching
// the convention that the PFA never zeroes on its own.
func (l *Layer) ZeroPage(p *pfn.Page_t) {
	win := l.cache.acquireBare(p)
	defer l.cache.release(win)
	p.ZeroPage()
}

// Activate marks s as the currently active space on this (virtual) CPU,
// honoring any pending_flush by flushing now and clearing the flag; also
// shadows a newer kernel_version by noting the space is now current.
func (l *Layer) Activate(s *Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	if s.pendingFlush {
		l.flushAll()
		s.pendingFlush = false
	}
	kernelVersionMu.Lock()
	s.kernelVersion = kernelVersion
	kernelVersionMu.Unlock()
}

// Deactivate marks s as no longer the running space.
func (l *Layer) Deactivate(s *Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// flushImmediate and flushAll are no-ops in the hosted build (there is no
// real TLB to invalidate); they exist so the policy described above
// — single-page invalidate when active, deferred pending_flush when not —
// is visible and testable as call sites rather than folded away.
func (l *Layer) flushImmediate(virt uintptr) {}
func (l *Layer) flushAll()                   {}

func bumpKernelVersion() {
	kernelVersionMu.Lock()
	kernelVersion++
	kernelVersionMu.Unlock()
}

// KernelVersion returns the global kernel table generation counter.
func KernelVersion() uint64 {
	kernelVersionMu.Lock()
	defer kernelVersionMu.Unlock()
	return kernelVersion
}

// Stale reports whether s has not yet observed the current kernel
// generation and needs its top-level kernel entries refreshed.
func (s *Space) Stale() bool {
	kernelVersionMu.Lock()
	defer kernelVersionMu.Unlock()
	return s.kernelVersion != kernelVersion
}
