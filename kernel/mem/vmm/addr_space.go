package vmm

import (
	"reflect"
	"silicium/kernel"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/sync"
	"unsafe"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// tempMappingAddr which coincides with the end of the kernel address
	// space.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}

	errDropWhileNotCurrent = &kernel.Error{Module: "addr_space", Message: "address space dropped to zero references while not the active context"}

	// frameFreeFn and frameRefFn are registered by the frame allocator
	// once it comes online (see allocator.Init); KernelAddrSpace tears
	// down via Create before that point and never needs them.
	frameFreeFn = func(pmm.Frame) {}
	frameRefFn  = func(pmm.Frame) {}

	// currentAddrSpace tracks whichever *AddressSpace last called Set; a
	// Drop that reaches zero references must observe itself here.
	currentAddrSpace *AddressSpace

	// KernelAddrSpace is the address space backing the kernel's own,
	// always-present table. It is installed by Init and never dropped.
	KernelAddrSpace *AddressSpace
)

// SetFrameFreer registers the function used to release a physical frame
// once an address space tears down its root table or encounters a user
// mapping with no further references.
func SetFrameFreer(fn func(pmm.Frame)) { frameFreeFn = fn }

// SetFrameReferrer registers the function used to bump a physical frame's
// reference count when a clone shares it between two address spaces.
func SetFrameReferrer(fn func(pmm.Frame)) { frameRefFn = fn }

// AddressSpace is a refcounted handle over a PageDirectoryTable (C8). Every
// thread of a process shares its process's AddressSpace; the last dropper
// tears down the user half of the table and frees the root frame.
type AddressSpace struct {
	pdt      PageDirectoryTable
	refCount uint32
	lock     sync.Spinlock
}

// rootEntryCount is the number of slots in the top-most paging level.
// rootUserEntries is the number of those slots available to user mappings;
// the remainder (up to, but excluding, the self-map slot) is shared kernel
// space, installed once by setupPDTForKernel and never freed.
var (
	rootEntryCount  = uintptr(1) << pageLevelBits[0]
	rootUserEntries = (uintptr(1) << pageLevelBits[0]) / 2
)

// rootEntriesAddrFn returns the virtual address of the active table's
// top-level entries; overridden by tests to point at a fake in-memory
// table instead of the real self-map window.
var rootEntriesAddrFn = func() uintptr { return pdtVirtualAddr }

// rootEntries returns a slice over the 512 top-level page table entries of
// pdt, swapping pdt into the active table's self-map slot for the duration
// of fn if it is not already active.
func (pdt PageDirectoryTable) rootEntries(fn func(entries []pageTableEntry) *kernel.Error) *kernel.Error {
	return pdt.withSwapped(func() *kernel.Error {
		var hdr reflect.SliceHeader
		hdr.Data = rootEntriesAddrFn()
		hdr.Len = int(rootEntryCount)
		hdr.Cap = int(rootEntryCount)
		entries := *(*[]pageTableEntry)(unsafe.Pointer(&hdr))
		return fn(entries)
	})
}

// NewAddressSpace allocates a fresh root table, copies in the shared kernel
// half of entries from the currently active table, and installs the
// self-map slot. The returned context starts with a reference count of 1.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{refCount: 1}
	if err = as.pdt.Init(frame); err != nil {
		return nil, err
	}

	if currentAddrSpace != nil {
		err = currentAddrSpace.pdt.rootEntries(func(src []pageTableEntry) *kernel.Error {
			return as.pdt.rootEntries(func(dst []pageTableEntry) *kernel.Error {
				for i := rootUserEntries; i < rootEntryCount-1; i++ {
					dst[i] = src[i]
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	return as, nil
}

// CloneAddressSpace creates a new address space sharing src's user mappings
// under copy-on-write: every present user PDE in both src and the clone is
// marked writable=0 and the shared page-table frame's reference count is
// incremented. No content is copied: pageFaultHandler copies only leaf
// pages carrying FlagCopyOnWrite, and CloneAddressSpace sets that flag on
// no entry, so a write through a write-protected entry reaches
// nonRecoverablePageFault.
func CloneAddressSpace(src *AddressSpace) (*AddressSpace, *kernel.Error) {
	dst, err := NewAddressSpace()
	if err != nil {
		return nil, err
	}

	err = src.pdt.rootEntries(func(srcEntries []pageTableEntry) *kernel.Error {
		return dst.pdt.rootEntries(func(dstEntries []pageTableEntry) *kernel.Error {
			for i := uintptr(0); i < rootUserEntries; i++ {
				if !srcEntries[i].HasFlags(FlagPresent) {
					continue
				}
				srcEntries[i].ClearFlags(FlagRW)
				dstEntries[i] = srcEntries[i]
				frameRefFn(srcEntries[i].Frame())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return dst, nil
}

// Use increments the address space's reference count. Called whenever a new
// thread starts sharing an already-live context.
func (as *AddressSpace) Use() {
	as.lock.Acquire()
	as.refCount++
	as.lock.Release()
}

// Set installs as as the currently active address space on this core,
// flushing the entire TLB.
func (as *AddressSpace) Set() {
	as.pdt.Activate()
	currentAddrSpace = as
}

// RefCount returns the address space's current reference count.
func (as *AddressSpace) RefCount() uint32 {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.refCount
}

// Drop releases one reference to as. When the count reaches zero, as must
// be the currently active context (so the mapper's self-map window is
// valid); Drop then releases every present user mapping, restores the
// default kernel table, and frees the root frame. This ordering is why the
// scheduler always performs set(next) -> use(next) -> drop(prev).
func (as *AddressSpace) Drop() {
	as.lock.Acquire()
	as.refCount--
	dead := as.refCount == 0
	as.lock.Release()

	if !dead {
		return
	}

	if currentAddrSpace != as {
		panicFn(errDropWhileNotCurrent)
		return
	}

	as.pdt.rootEntries(func(entries []pageTableEntry) *kernel.Error {
		for i := uintptr(0); i < rootUserEntries; i++ {
			if !entries[i].HasFlags(FlagPresent) {
				continue
			}
			frameFreeFn(entries[i].Frame())
			entries[i] = 0
		}
		return nil
	})

	if KernelAddrSpace != nil && KernelAddrSpace != as {
		KernelAddrSpace.Set()
	}

	frameFreeFn(as.pdt.Frame())
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mem.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space. It should only be used during the early stages of kernel initialization.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
