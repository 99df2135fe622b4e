// +build amd64

package vmm

import "math"

const (
	// pageLevels is the number of levels in the amd64 paging scheme
	// (PML4, PDPT, PD, PT).
	pageLevels = 4

	// ptePhysPageMask isolates the physical frame address bits of a page
	// table entry, excluding the flag bits at the top and bottom.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// tempMappingAddr is the last page below the recursive self-map slot
	// (table indices 510, 511, 511, 511). It is set aside for establishing short-lived mappings (e.g. to access
	// an inactive page table).
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr is the virtual address of the top-level page table
	// when accessed through the recursive (self-map) mapping installed
	// in the last entry of the PML4.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits holds the number of virtual address bits consumed by
	// each paging level, from the top-most level down.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts holds the bit offset of each paging level's index
	// field within a virtual address, from the top-most level down.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// PageTableEntryFlag values understood by the amd64 MMU.
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal

	// FlagCopyOnWrite is a software-defined flag (bit 9, available for
	// OS use in an otherwise-ignored region of the PTE) that marks a
	// read-only page whose first write fault should trigger a private
	// copy rather than a fatal fault.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagNoExecute disables instruction fetches from the mapped page.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
