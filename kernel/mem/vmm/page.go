package vmm

import "silicium/kernel/mem"

// pageOffsetMask isolates the in-page byte offset of a virtual address;
// its complement isolates the page-aligned base address.
const pageOffsetMask = uintptr(mem.PageSize - 1)

// Page is a zero-based index into the virtual address space, one unit per
// mem.PageSize bytes. It is the mapper's native unit of work: every
// map/unmap/protect call below operates on a whole Page, never a partial
// one.
type Page uintptr

// Address converts p back to the virtual address of its first byte.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page containing virtAddr, rounding a
// mid-page address down to the page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	aligned := virtAddr &^ pageOffsetMask
	return Page(aligned >> mem.PageShift)
}
