// Package fault implements the page-fault handler: the glue between a trap
// delivering a faulting address and kind, and the address-space/object/MUL
// layers below it. It is grounded on the teacher's Pgfault/Sys_pgfault in
// vm/as.go (resolve region, check permission, page in, install mapping) but
// is shaped around nexke's own Space/Object/Layer types instead of Vm_t.
package fault

import (
	"nexke/internal/kerr"
	"nexke/internal/mm/addrspace"
	"nexke/internal/mm/mul"
	"nexke/internal/mm/pfn"
)

// Kind names the access that triggered the fault.
type Kind int

const (
	Read Kind = iota
	Write
	Exec
)

// Handler resolves faults against a single address space and MUL layer.
// A real kernel would look the owning space up from the faulting CPU's
// current thread; nexke's core leaves that resolution to the caller and
// takes the space directly, since "kernel vs user by address range" is a
// platform-specific split outside this package's scope.
type Handler struct {
	mulLayer *mul.Layer
}

// New builds a fault handler over the given MUL layer.
func New(mulLayer *mul.Layer) *Handler {
	return &Handler{mulLayer: mulLayer}
}

// Handle resolves a fault at vaddr in space, of the given kind. It returns
// true on success, meaning the trap path may resume the faulting
// instruction; false means the fault is unresolvable and the caller must
// take it as a segmentation violation (terminate the context or panic,
// per the caller's own kernel-vs-user distinction).
//
// The whole body runs without taking a second fault on its own working
// memory: the address-space region list, the object's resident-page hash
// and the MUL table-region map are all ordinary heap structures already
// wired into the running Go program, never themselves reached through the
// page tables being edited here.
func (h *Handler) Handle(space *addrspace.Space, vaddr uintptr, kind Kind) bool {
	region, ok := space.FindFaultRegion(vaddr)
	if !ok {
		return false
	}
	if region.Object == nil {
		return false
	}
	if kind == Write && !region.Object.Perm.Has(mul.PermWrite) {
		return false
	}
	if kind == Exec && !region.Object.Perm.Has(mul.PermExecutable) {
		return false
	}

	offset := (uint64(vaddr) - uint64(region.StartVAddr)) / pfn.PageSize

	page, err := region.Object.PageIn(offset)
	if err != kerr.EOK {
		return false
	}

	h.mulLayer.Map(space.MulSpace, vaddr, page, region.Object.Perm)
	page.AddMapping(space.MulSpace, vaddr)
	return true
}
