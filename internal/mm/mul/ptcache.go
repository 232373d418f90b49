package mul

import (
	"sync"

	"nexke/internal/diag"
	"nexke/internal/mm/pfn"
)

// ptcache models the fixed-size window MUL uses to touch a page table (or
// any raw physical page) without a permanent linear map of all RAM. A real
// build maps a physical frame into one of N fixed kernel virtual slots; the
// hosted build tracks the same N-slot occupancy in a fixed slice of slots
// (a slot is held until released; nothing is evicted), so the "at most N
// concurrent table edits"
// invariant is still meaningful and testable.
type ptcache struct {
	mu    sync.Mutex
	slots []*window
}

// window is one occupied (or free) cache slot.
type window struct {
	inUse bool
	space *Space
	page  *pfn.Page_t
}

func newPTCache(slots int) *ptcache {
	if slots < 2 {
		slots = 2
	}
	c := &ptcache{slots: make([]*window, slots)}
	for i := range c.slots {
		c.slots[i] = &window{}
	}
	return c
}

// acquire reserves a slot for editing s's tables, spinning over the slot
// table until one is free. Holding mu only while scanning (not for the
// window's whole lifetime) is what lets up to len(slots) windows be in use
// at once.
func (c *ptcache) acquire(s *Space) *window {
	for {
		c.mu.Lock()
		for _, w := range c.slots {
			if !w.inUse {
				w.inUse = true
				w.space = s
				c.mu.Unlock()
				return w
			}
		}
		c.mu.Unlock()
	}
}

// acquireBare reserves a slot for editing an arbitrary page not tied to a
// particular address space (e.g. zeroing a freshly allocated table page).
func (c *ptcache) acquireBare(p *pfn.Page_t) *window {
	for {
		c.mu.Lock()
		for _, w := range c.slots {
			if !w.inUse {
				w.inUse = true
				w.page = p
				c.mu.Unlock()
				return w
			}
		}
		c.mu.Unlock()
	}
}

// release returns a slot to the free pool.
func (c *ptcache) release(w *window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	diag.Assert(w.inUse, "w.inUse")
	w.inUse = false
	w.space = nil
	w.page = nil
}
