// Package addrspace implements address spaces: sorted, non-overlapping
// virtual-region lists with a fault-hint cache, built over the MUL layer
// and memory objects below it. It is grounded on the teacher's
// Vm_t/Vmregion_t pairing in vm/as.go (a locked struct owning both the
// region list and the page-table handle) but replaces Vmregion_t's
// internal representation with an explicit sentinel-bounded doubly-linked
// list, matching the "two sentinel entries" invariant spelled out for this
// component.
package addrspace

import (
	"sync"

	"nexke/internal/diag"
	"nexke/internal/kerr"
	"nexke/internal/mm/mul"
	"nexke/internal/mm/object"
	"nexke/internal/mm/pfn"
)

// Region is one [StartVAddr, StartVAddr+PageCount*PageSize) span, backed
// by a memory object. Regions never overlap and are kept in ascending
// StartVAddr order between two sentinel regions that are never removed.
type Region struct {
	StartVAddr uintptr
	PageCount  uint64
	Object     *object.Object

	prev, next *Region
}

// End returns the region's exclusive end address.
func (r *Region) End() uintptr {
	return r.StartVAddr + uintptr(r.PageCount)*pfn.PageSize
}

// Space is an address space: a sorted region list bounded by sentinels,
// an associated MUL space, and a cached fault hint.
type Space struct {
	mu sync.Mutex

	StartAddr, EndAddr uintptr
	head, tail         *Region // sentinels, never removed
	numEntries         int
	faultHint          *Region

	mulLayer *mul.Layer
	MulSpace *mul.Space
}

// Create builds an address space covering [start, end) with two sentinel
// regions at start and end holding no object.
func Create(mulLayer *mul.Layer, start, end uintptr) *Space {
	diag.Assert(start < end, "start < end")
	head := &Region{StartVAddr: start, PageCount: 0}
	tail := &Region{StartVAddr: end, PageCount: 0}
	head.next = tail
	tail.prev = head
	s := &Space{
		StartAddr: start,
		EndAddr:   end,
		head:      head,
		tail:      tail,
		mulLayer:  mulLayer,
		MulSpace:  mulLayer.CreateSpace(),
	}
	return s
}

// Destroy tears down every region's object reference and the underlying
// MUL space.
func (s *Space) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r := s.head.next; r != s.tail; {
		next := r.next
		if r.Object != nil {
			r.Object.Deref()
		}
		r = next
	}
	s.head.next = s.tail
	s.tail.prev = s.head
	s.numEntries = 0
	s.faultHint = nil
	s.mulLayer.DestroySpace(s.MulSpace)
}

// FindRegion returns the region containing vaddr, if any. Used by
// management paths that don't want to disturb the fault hint.
func (s *Space) FindRegion(vaddr uintptr) (*Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findRegionLocked(vaddr)
}

func (s *Space) findRegionLocked(vaddr uintptr) (*Region, bool) {
	for r := s.head.next; r != s.tail; r = r.next {
		if vaddr >= r.StartVAddr && vaddr < r.End() {
			return r, true
		}
	}
	return nil, false
}

// FindFaultRegion checks the cached fault hint first; on a miss it walks
// the list and updates the hint.
func (s *Space) FindFaultRegion(vaddr uintptr) (*Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.faultHint; h != nil && vaddr >= h.StartVAddr && vaddr < h.End() {
		return h, true
	}
	r, ok := s.findRegionLocked(vaddr)
	if ok {
		s.faultHint = r
	}
	return r, ok
}

// AllocSpace performs first-fit-with-hint region allocation: walk regions
// starting at or before hintVAddr, find the first gap >= nPages*PAGE. If
// none is found, restart from StartAddr so a hint never deprives the
// caller of valid space below it.
func (s *Space) AllocSpace(obj *object.Object, hintVAddr uintptr, nPages uint64) (*Region, kerr.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	need := uintptr(nPages) * pfn.PageSize

	start := s.head
	for start.next != s.tail && start.next.StartVAddr <= hintVAddr {
		start = start.next
	}

	if r, ok := s.scanFrom(start, need); ok {
		return s.insertAfter(r, obj, nPages), kerr.EOK
	}
	if r, ok := s.scanFrom(s.head, need); ok {
		return s.insertAfter(r, obj, nPages), kerr.EOK
	}
	return nil, kerr.ENOADDRSPACE
}

// scanFrom looks for the first gap >= need starting immediately after
// `from`, returning the region after which a new one should be inserted.
func (s *Space) scanFrom(from *Region, need uintptr) (*Region, bool) {
	for r := from; r.next != nil; r = r.next {
		gapStart := r.End()
		if r == s.head {
			gapStart = s.StartAddr
		}
		gapEnd := r.next.StartVAddr
		if gapEnd-gapStart >= need {
			return r, true
		}
	}
	return nil, false
}

func (s *Space) insertAfter(prev *Region, obj *object.Object, nPages uint64) *Region {
	start := prev.End()
	if prev == s.head {
		start = s.StartAddr
	}
	r := &Region{StartVAddr: start, PageCount: nPages, Object: obj}
	r.prev = prev
	r.next = prev.next
	prev.next.prev = r
	prev.next = r
	s.numEntries++
	obj.Ref()
	return r
}

// FreeSpace removes region from the space, dereferencing its object and
// clearing the fault hint if it pointed at this region.
func (s *Space) FreeSpace(r *Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	diag.Assert(r != s.head && r != s.tail, "r != s.head && r != s.tail")
	r.prev.next = r.next
	r.next.prev = r.prev
	s.numEntries--
	if s.faultHint == r {
		s.faultHint = nil
	}
	if r.Object != nil {
		r.Object.Deref()
	}
}

// NumEntries returns the count of non-sentinel regions, for tests and
// diagnostics.
func (s *Space) NumEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numEntries
}

// Regions returns a snapshot of the non-sentinel regions in ascending
// order, for tests and diagnostics.
func (s *Space) Regions() []*Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Region, 0, s.numEntries)
	for r := s.head.next; r != s.tail; r = r.next {
		out = append(out, r)
	}
	return out
}
