// Package kerr defines the typed error kinds surfaced across the kernel
// core.
package kerr

import "fmt"

// Err_t is a small typed error kind. Subsystems that can fail return one
// of these rather than an opaque error, so callers can switch on cause.
type Err_t int

const (
	// EOK indicates success. Most functions that can fail return EOK
	// alongside a valid result; EOK is the zero value so a freshly
	// declared Err_t reads as success.
	EOK Err_t = iota
	// EOOM: the PFA or slab allocator is exhausted.
	EOOM
	// ENOADDRSPACE: region allocation failed, no gap large enough.
	ENOADDRSPACE
	// EINVALIDMAPPING: MUL rejected the request (e.g. user PTE into the
	// kernel half).
	EINVALIDMAPPING
	// EWOULDBLOCK: a non-blocking acquire could not proceed.
	EWOULDBLOCK
	// ETIMEDOUT: a bounded wait exceeded its deadline.
	ETIMEDOUT
	// ECLOSED: the wait object was torn down while the caller waited.
	ECLOSED
	// ENOTFOUND: find_region / find_page_by_pfn found no match.
	ENOTFOUND
	// EEMPTY: wake_wait_queue found no waiter to wake.
	EEMPTY
	// EFAULT: a page fault could not be resolved (segmentation fault).
	EFAULT
)

var names = map[Err_t]string{
	EOK:             "ok",
	EOOM:            "out of memory",
	ENOADDRSPACE:    "no address space",
	EINVALIDMAPPING: "invalid mapping",
	EWOULDBLOCK:     "would block",
	ETIMEDOUT:       "timed out",
	ECLOSED:         "closed",
	ENOTFOUND:       "not found",
	EEMPTY:          "empty",
	EFAULT:          "fault",
}

// Error implements the error interface so Err_t can be returned and
// compared directly (err == kerr.EOOM) without losing Go interop.
func (e Err_t) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("kerr: unknown(%d)", int(e))
}

// Ok reports whether e represents success.
func (e Err_t) Ok() bool {
	return e == EOK
}
