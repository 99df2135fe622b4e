package vmm

import (
	"silicium/kernel"
	"silicium/kernel/cpu"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to the active PDT
	// lookup which will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to the PDT switch
	// which will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. Every address space (C8) owns exactly one PageDirectoryTable; the
// kernel's own table is bootstrapped once by setupPDTForKernel and cloned
// (with shared kernel-range entries) whenever a new address space is
// created.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Frame returns the physical frame backing this page directory table.
func (pdt PageDirectoryTable) Frame() pmm.Frame {
	return pdt.pdtFrame
}

// Init sets up the page table directory starting at the supplied physical
// frame. If the supplied frame does not match the currently active PDT then
// Init assumes this is a new, not-yet-active table that needs bootstrapping:
// it establishes a temporary mapping so it can clear the frame contents and
// install the recursive self-map entry in the table's last slot.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	mem.Memset(pdtPage.Address(), 0, mem.PageSize)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)))
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	unmapFn(pdtPage)
	return nil
}

// lastEntryAddr returns the virtual address of the active PDT's last (self
// mapping) entry, used to temporarily splice in a different table.
func lastEntryAddr(activeFrame pmm.Frame) uintptr {
	return activeFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mem.PointerShift)
}

// withSwapped temporarily splices pdt into the active PDT's self-map slot
// (if pdt is not already active) so that walk()-based helpers can reach its
// entries through the recursive mapping, runs fn, and restores the previous
// mapping.
func (pdt PageDirectoryTable) withSwapped(fn func() *kernel.Error) *kernel.Error {
	activeFrame := pmm.Frame(activePDTFn() >> mem.PageShift)
	if activeFrame == pdt.pdtFrame {
		return fn()
	}

	entryAddr := lastEntryAddr(activeFrame)
	entry := (*pageTableEntry)(unsafe.Pointer(entryAddr))
	entry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(entryAddr)

	err := fn()

	entry.SetFrame(activeFrame)
	flushTLBEntryFn(entryAddr)
	return err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT, even if it is not the currently active table.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return pdt.withSwapped(func() *kernel.Error {
		return mapFn(page, frame, flags)
	})
}

// Unmap removes a mapping previously installed by a call to Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return pdt.withSwapped(func() *kernel.Error {
		return unmapFn(page)
	})
}

// Activate enables this page directory table and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
