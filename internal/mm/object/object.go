// Package object implements memory objects: reference-counted containers
// of pages with a pluggable backend (anonymous zero-fill, kernel-resident).
// Resident pages are kept in a lock-striped hash keyed by offset, adapted
// from the teacher's hashtable package so that page-in/page-out on a large
// object doesn't serialize through one global lock.
package object

import (
	"sync"
	"sync/atomic"

	"nexke/internal/diag"
	"nexke/internal/kerr"
	"nexke/internal/mm/mul"
	"nexke/internal/mm/pfn"
)

// BackendKind names which page-in/page-out strategy an object uses.
type BackendKind int

const (
	// Anon is a private, zero-fill-on-demand backend: page_in allocates
	// and zeroes a fresh page the first time an offset is touched.
	Anon BackendKind = iota
	// KernelResident backs an object with pages supplied up front (e.g.
	// MMIO windows, pages carried over from the boot handoff); page_in
	// only ever returns what was pre-populated, never allocates.
	KernelResident
)

// Backend is the pluggable per-object strategy for producing and
// releasing pages.
type Backend interface {
	PageIn(o *Object, offset uint64) (*pfn.Page_t, kerr.Err_t)
	PageOut(o *Object, offset uint64)
	Init(o *Object)
	Destroy(o *Object)
}

const bucketCount = 16

type bucket struct {
	mu    sync.RWMutex
	pages map[uint64]*pfn.Page_t
}

// Object is a reference-counted container of pages with a pluggable
// backend. page_count/resident_count/ref_count are the invariant-bearing
// fields: resident_count <= page_count always, and ref_count > 0 while the
// object is reachable by any address-space region.
type Object struct {
	PageCount uint64
	Perm      mul.Perm

	resident  int64 // atomic, == count of non-nil entries across buckets
	refCount  int64 // atomic
	backend   Backend
	kind      BackendKind
	buckets   [bucketCount]bucket
	pfa       *pfn.Allocator
	kresident map[uint64]*pfn.Page_t // pre-populated pages for KernelResident
}

func bucketFor(offset uint64) uint64 { return offset % bucketCount }

// Create allocates a new object with ref_count == 1.
func Create(pfa *pfn.Allocator, numPages uint64, kind BackendKind, perm mul.Perm) *Object {
	o := &Object{PageCount: numPages, Perm: perm, refCount: 1, kind: kind, pfa: pfa}
	for i := range o.buckets {
		o.buckets[i].pages = make(map[uint64]*pfn.Page_t)
	}
	switch kind {
	case Anon:
		o.backend = anonBackend{}
	case KernelResident:
		o.kresident = make(map[uint64]*pfn.Page_t)
		o.backend = kernelResidentBackend{}
	default:
		panic("object: unknown backend kind")
	}
	o.backend.Init(o)
	return o
}

// Ref increments the object's reference count.
func (o *Object) Ref() { atomic.AddInt64(&o.refCount, 1) }

// Deref decrements the reference count; the last deref calls the backend's
// Destroy, which must release every resident page, clear back-mappings,
// and free backend state.
func (o *Object) Deref() {
	if atomic.AddInt64(&o.refCount, -1) == 0 {
		o.backend.Destroy(o)
	}
}

// RefCount returns the current reference count, for assertions and tests.
func (o *Object) RefCount() int64 { return atomic.LoadInt64(&o.refCount) }

// ResidentCount returns how many offsets currently have a resident page.
func (o *Object) ResidentCount() int64 { return atomic.LoadInt64(&o.resident) }

// Protect updates the object's permission. Existing mappings are not
// walked; the change takes effect on the next fault unless the
// address-space layer explicitly re-maps.
func (o *Object) Protect(newPerm mul.Perm) { o.Perm = newPerm }

// lookup returns the resident page at offset, if any.
func (o *Object) lookup(offset uint64) (*pfn.Page_t, bool) {
	b := &o.buckets[bucketFor(offset)]
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pages[offset]
	return p, ok
}

// insert records a newly resident page at offset.
func (o *Object) insert(offset uint64, p *pfn.Page_t) {
	b := &o.buckets[bucketFor(offset)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pages[offset]; !exists {
		atomic.AddInt64(&o.resident, 1)
	}
	b.pages[offset] = p
	p.State = pfn.InObject
	p.Offset = offset
}

// remove drops the resident entry at offset, returning it if present.
func (o *Object) remove(offset uint64) (*pfn.Page_t, bool) {
	b := &o.buckets[bucketFor(offset)]
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pages[offset]
	if !ok {
		return nil, false
	}
	delete(b.pages, offset)
	atomic.AddInt64(&o.resident, -1)
	return p, true
}

// PageIn consults the resident hash, returning the page if present;
// otherwise it asks the backend to produce one and inserts it.
func (o *Object) PageIn(offset uint64) (*pfn.Page_t, kerr.Err_t) {
	diag.Assert(offset < o.PageCount, "offset < o.PageCount")
	if p, ok := o.lookup(offset); ok {
		return p, kerr.EOK
	}
	p, err := o.backend.PageIn(o, offset)
	if !err.Ok() {
		return nil, err
	}
	o.insert(offset, p)
	return p, kerr.EOK
}

// PageOut removes the page at offset and lets the backend decide whether
// to free it.
func (o *Object) PageOut(offset uint64) {
	o.backend.PageOut(o, offset)
}

// eachResident invokes f for every currently resident (offset, page) pair.
// Used by Destroy paths; callers must not mutate the object concurrently.
func (o *Object) eachResident(f func(offset uint64, p *pfn.Page_t)) {
	for i := range o.buckets {
		b := &o.buckets[i]
		b.mu.Lock()
		for off, p := range b.pages {
			f(off, p)
		}
		b.pages = make(map[uint64]*pfn.Page_t)
		b.mu.Unlock()
	}
	atomic.StoreInt64(&o.resident, 0)
}

// anonBackend is zero-fill-on-demand: every first touch allocates and
// zeroes a fresh page.
type anonBackend struct{}

func (anonBackend) Init(o *Object)    {}
func (anonBackend) Destroy(o *Object) {
	o.eachResident(func(_ uint64, p *pfn.Page_t) {
		for _, m := range p.Mappings() {
			p.RemoveMapping(m.Space, m.VAddr)
		}
		o.pfa.FreePage(p)
	})
}

func (anonBackend) PageIn(o *Object, offset uint64) (*pfn.Page_t, kerr.Err_t) {
	p, ok := o.pfa.AllocPage()
	if !ok {
		return nil, kerr.EOOM
	}
	p.ZeroPage()
	return p, kerr.EOK
}

func (anonBackend) PageOut(o *Object, offset uint64) {
	if p, ok := o.remove(offset); ok {
		for _, m := range p.Mappings() {
			p.RemoveMapping(m.Space, m.VAddr)
		}
		o.pfa.FreePage(p)
	}
}

// kernelResidentBackend serves pages from a fixed pre-populated table
// (e.g. MMIO windows or pages handed over at boot); it never allocates.
type kernelResidentBackend struct{}

func (kernelResidentBackend) Init(o *Object) {}

func (kernelResidentBackend) Destroy(o *Object) {
	// Kernel-resident pages are owned by whoever populated them (e.g. the
	// boot handoff, a device's MMIO window); the object only forgets
	// about them, it never frees the frames.
	o.eachResident(func(_ uint64, p *pfn.Page_t) {
		for _, m := range p.Mappings() {
			p.RemoveMapping(m.Space, m.VAddr)
		}
	})
}

func (kernelResidentBackend) PageIn(o *Object, offset uint64) (*pfn.Page_t, kerr.Err_t) {
	p, ok := o.kresident[offset]
	if !ok {
		return nil, kerr.ENOTFOUND
	}
	return p, kerr.EOK
}

func (kernelResidentBackend) PageOut(o *Object, offset uint64) {
	o.remove(offset)
}

// Populate pre-installs page at offset for a KernelResident object, used
// by callers building MMIO windows or wiring in boot-supplied pages before
// any fault can occur.
func (o *Object) Populate(offset uint64, p *pfn.Page_t) {
	diag.Assert(o.kind == KernelResident, "o.kind == KernelResident")
	o.kresident[offset] = p
	o.insert(offset, p)
}
