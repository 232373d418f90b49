// Package slab implements the fixed-size object cache allocator, built on
// top of the page frame allocator but usable before it finishes
// initializing via a bootstrap BumpPool: a bump counter with no free,
// standing in for a statically reserved region until the real allocator
// takes over.
package slab

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"nexke/internal/bootinfo"
	"nexke/internal/diag"
	"nexke/internal/kstat"
	"nexke/internal/kutil"
	"nexke/internal/mm/pfn"
)

// PageSource is satisfied by both *pfn.Allocator and BumpPool, so a Cache
// can grow from whichever is available at the point it is used: caches
// exist and serve allocations before the page frame allocator finishes
// full init.
type PageSource interface {
	AllocPage() (*pfn.Page_t, bool)
}

// BumpPool is a minimal watermark allocator standing in for the small
// statically-reserved region the slab allocator bootstraps from. It never
// frees; once the page frame allocator completes full init, callers switch
// a Cache's source to the real allocator and any BumpPool-backed slabs
// already handed out simply live forever as a permanent early-boot
// reservation.
type BumpPool struct {
	mu      sync.Mutex
	basePFN uint64
	next    uint64
	limit   uint64
}

// NewBumpPool carves a BumpPool out of the boot handoff's early memory
// pool.
func NewBumpPool(pool bootinfo.EarlyPool) *BumpPool {
	base := uint64(pool.Base) / pfn.PageSize
	n := uint64(pool.Size) / pfn.PageSize
	return &BumpPool{basePFN: base, next: base, limit: base + n}
}

// AllocPage satisfies PageSource.
func (b *BumpPool) AllocPage() (*pfn.Page_t, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next >= b.limit {
		return nil, false
	}
	p := &pfn.Page_t{PFN: b.next, State: pfn.InObject}
	b.next++
	return p, true
}

// Object is a handle to one allocated slab object, returned by Cache.Alloc
// and consumed by Cache.Free. Bytes is the object's storage, sized to
// Cache's rounded-up object size.
type Object struct {
	Bytes []byte
	node  *slabNode
	idx   int
}

type slabNode struct {
	page      *pfn.Page_t
	freeSlots []uint16 // stack of free slot indices within page.Data
	used      int
	state     listState
	prev      *slabNode
	next      *slabNode
}

type listState int

const (
	listEmpty listState = iota
	listPartial
	listFull
)

// Cache is a fixed-size object allocator: new slabs are grown one page at
// a time from a PageSource and objects are handed out of whichever slab
// already has room. Allocation prefers a Partial slab, then moves an Empty
// slab to Partial; if neither exists, it grows one page.
type Cache struct {
	mu          sync.Mutex
	objSize     int // rounded up to 8
	objsPerSlab int
	ctor        func([]byte)
	dtor        func([]byte)
	src         PageSource
	growSem     *semaphore.Weighted

	empty, partial, full *slabNode

	Allocs kstat.Counter_t
	Frees  kstat.Counter_t
}

// CacheCreate builds a cache of objects of objSize bytes, rounded up to an
// 8-byte boundary so every handed-out address is aligned to at least its
// own size, sourcing new slabs from src. ctor/dtor may be nil.
func CacheCreate(objSize int, src PageSource, ctor, dtor func([]byte)) *Cache {
	if objSize <= 0 {
		panic("slab: non-positive object size")
	}
	rounded := kutil.Roundup(objSize, 8)
	perSlab := pfn.PageSize / rounded
	if perSlab < 1 {
		panic("slab: object larger than a page")
	}
	return &Cache{
		objSize:     rounded,
		objsPerSlab: perSlab,
		ctor:        ctor,
		dtor:        dtor,
		src:         src,
		// Bound concurrent slab growth from the page allocator: a burst
		// of simultaneous cache misses across many callers should queue
		// behind the PFA rather than stampede it (spec doesn't bound
		// this explicitly; nexke adds the bound as ambient backpressure,
		// grounded on the domain-stack wiring for golang.org/x/sync).
		growSem: semaphore.NewWeighted(4),
	}
}

func unlink(n *slabNode) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev, n.next = nil, nil
}

func push(head **slabNode, n *slabNode) {
	n.prev, n.next = nil, *head
	if *head != nil {
		(*head).prev = n
	}
	*head = n
}

func (c *Cache) listHead(s listState) **slabNode {
	switch s {
	case listEmpty:
		return &c.empty
	case listPartial:
		return &c.partial
	default:
		return &c.full
	}
}

func (c *Cache) moveTo(n *slabNode, to listState) {
	if n.state == to {
		return
	}
	// n may not be in any list yet (freshly grown).
	if n.prev != nil || n.next != nil || *c.listHead(n.state) == n {
		if *c.listHead(n.state) == n {
			*c.listHead(n.state) = n.next
		}
		unlink(n)
	}
	n.state = to
	push(c.listHead(to), n)
}

func (c *Cache) growLocked() *slabNode {
	c.growSem.Acquire(context.Background(), 1)
	defer c.growSem.Release(1)
	page, ok := c.src.AllocPage()
	if !ok {
		return nil
	}
	n := &slabNode{page: page, state: listEmpty}
	for i := c.objsPerSlab - 1; i >= 0; i-- {
		n.freeSlots = append(n.freeSlots, uint16(i))
	}
	push(&c.empty, n)
	return n
}

// Alloc returns a fresh object, or (nil, false) if the underlying page
// source is exhausted.
func (c *Cache) Alloc() (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.partial
	if n == nil {
		if c.empty != nil {
			n = c.empty
			c.moveTo(n, listPartial)
		} else {
			n = c.growLocked()
			if n == nil {
				return nil, false
			}
			c.moveTo(n, listPartial)
		}
	}

	diag.Assert(len(n.freeSlots) > 0, "len(n.freeSlots) > 0")
	idx := int(n.freeSlots[len(n.freeSlots)-1])
	n.freeSlots = n.freeSlots[:len(n.freeSlots)-1]
	n.used++
	if len(n.freeSlots) == 0 {
		c.moveTo(n, listFull)
	}

	obj := &Object{
		Bytes: n.page.Data[idx*c.objSize : idx*c.objSize+c.objSize],
		node:  n,
		idx:   idx,
	}
	if c.ctor != nil {
		c.ctor(obj.Bytes)
	}
	c.Allocs.Inc()
	return obj, true
}

// Free returns obj to its slab, migrating the slab between lists (spec
// section 4.2).
func (c *Cache) Free(obj *Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dtor != nil {
		c.dtor(obj.Bytes)
	}
	n := obj.node
	wasFull := len(n.freeSlots) == 0
	n.freeSlots = append(n.freeSlots, uint16(obj.idx))
	n.used--
	if wasFull {
		c.moveTo(n, listPartial)
	}
	if n.used == 0 {
		c.moveTo(n, listEmpty)
	}
	c.Frees.Inc()
}

// Destroy drops every slab the cache owns. Pages allocated from a real
// pfn.Allocator are returned to it; pages from a BumpPool are leaked by
// design (BumpPool never frees).
func (c *Cache) Destroy(freeFn func(*pfn.Page_t)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, head := range []*slabNode{c.empty, c.partial, c.full} {
		for n := head; n != nil; {
			next := n.next
			if freeFn != nil {
				freeFn(n.page)
			}
			n = next
		}
	}
	c.empty, c.partial, c.full = nil, nil, nil
}

// Utilization returns the fraction of slots in use across every slab the
// cache currently owns, used by tests to assert the empty/partial/full
// migration invariant.
func (c *Cache) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, used := 0, 0
	for _, head := range []*slabNode{c.empty, c.partial, c.full} {
		for n := head; n != nil; n = n.next {
			total += c.objsPerSlab
			used += n.used
		}
	}
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}
