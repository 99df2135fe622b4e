// Package kvmalloc carves the fixed kernel virtual-address window
// [VMALLOC_START, VMALLOC_END) into mapped and unmapped regions (C5). It
// sits above the virtual memory mapper (kernel/mem/vmm) and the frame
// allocator (kernel/mem/pmm/allocator), and below the slab allocator
// (kernel/mem/slab), whose backing-memory requests it services.
package kvmalloc

import (
	"silicium/kernel"
	"silicium/kernel/list"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/mem/slab"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/sync"
	"unsafe"
)

const (
	// VMALLOC_START is the first virtual address the kernel VA allocator
	// may hand out.
	VMALLOC_START = uintptr(0xffffff0000000000)

	// VMALLOC_END is the address immediately past the end of the kernel
	// VA allocator's window. It is chosen to leave the temporary-mapping
	// page and the self-map region (kernel/mem/vmm's tempMappingAddr and
	// the recursive slot above it) entirely outside this window.
	VMALLOC_END = uintptr(0xffffff7f00000000)

	// vmareaBootstrapSize is the size of the statically allocated chunk
	// used to back the very first slab of vmarea descriptors, before
	// this package's own Vmalloc can service a backing-memory request
	// for its own bookkeeping.
	vmareaBootstrapSize = 8 * mem.Kb

	// vmareaObjPerSlab sizes every slab drawn for the vmarea descriptor
	// pool once it outgrows the bootstrap chunk.
	vmareaObjPerSlab = 64
)

// Flags requested from Vmalloc.
type Flags uint8

const (
	// FlagMap backs the returned range with physical frames immediately.
	FlagMap Flags = 1 << iota
	// FlagZero zero-fills the backing memory. Requires FlagMap.
	FlagZero
)

// vmarea describes one region of the kernel-VA window, tiling it without
// gaps: every byte of [VMALLOC_START, VMALLOC_END) belongs to exactly one
// vmarea, either on the free list (mapped == false) or the used list
// (mapped == true, whether or not Vmalloc backed its pages with frames).
type vmarea struct {
	link   list.Head
	base   uintptr
	length mem.Size
	mapped bool
}

// vmareaBootstrapChunk is the "statically mapped hard-coded 8 KiB range"
// the component design calls for: a kernel BSS array, already mapped as
// part of the running kernel image, used to seed the vmarea descriptor
// pool's first slab before kvmalloc itself is online.
var vmareaBootstrapChunk [vmareaBootstrapSize]byte

var (
	vmareaPool *slab.Pool

	freeList list.List // searched first-fit from the front; Vmfree pushes freed areas to the front, so it is not kept sorted by base
	usedList list.List

	lock sync.Spinlock

	errExhausted      = &kernel.Error{Module: "kvmalloc", Message: "kernel VA window exhausted"}
	errNotFound       = &kernel.Error{Module: "kvmalloc", Message: "address is not the base of a live allocation"}
	errZeroRequiresMap = &kernel.Error{Module: "kvmalloc", Message: "FlagZero requires FlagMap"}
)

// entryHead recovers the owning *vmarea from a list.Head.
func entryHead(h *list.Head) *vmarea {
	return (*vmarea)(unsafe.Pointer(h))
}

// Init bootstraps the vmarea descriptor pool from the static chunk and
// seeds the free list with a single area spanning the entire kernel-VA
// window, then registers this package as the slab allocator's backing
// memory source.
func Init() *kernel.Error {
	freeList.Init()
	usedList.Init()

	var err *kernel.Error
	vmareaPool, err = slab.CreatePool(unsafe.Sizeof(vmarea{}), unsafe.Alignof(vmarea{}), 0, vmareaObjPerSlab, 0, slab.FlagLazy)
	if err != nil {
		return err
	}
	if err = slab.SeedSlab(vmareaPool, uintptr(unsafe.Pointer(&vmareaBootstrapChunk[0])), mem.Size(len(vmareaBootstrapChunk))); err != nil {
		return err
	}

	root, err := newArea(VMALLOC_START, mem.Size(VMALLOC_END-VMALLOC_START), false)
	if err != nil {
		return err
	}
	freeList.PushBack(&root.link)

	slab.SetBackingAllocator(Alloc)
	return nil
}

func newArea(base uintptr, length mem.Size, mapped bool) (*vmarea, *kernel.Error) {
	ptr, err := vmareaPool.Alloc()
	if err != nil {
		return nil, err
	}
	a := (*vmarea)(unsafe.Pointer(ptr))
	a.link = list.Head{}
	a.base, a.length, a.mapped = base, length, mapped
	return a, nil
}

func freeArea(a *vmarea) {
	vmareaPool.Free(uintptr(unsafe.Pointer(a)))
}

// Alloc carves out size bytes (rounded up to a whole number of pages) from
// the kernel-VA window and returns its base address, or 0 with an error if
// the window is exhausted. Plain Alloc never maps physical memory; it
// exists primarily so this package can serve as kernel/mem/slab's backing
// allocator, which only ever needs bare virtual address space that the
// caller fills in itself. Vmalloc is the richer, flag-driven entry point
// most callers should use.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	size = roundUpToPage(size)

	lock.Acquire()
	defer lock.Release()

	for h := freeList.Front(); h != nil; h = freeList.Next(h) {
		area := entryHead(h)
		if mem.Size(area.length) < size {
			continue
		}

		base := area.base
		exactFit := area.length == size
		if exactFit {
			list.Remove(h)
		} else {
			area.base += uintptr(size)
			area.length -= size
		}

		used, err := newArea(base, size, true)
		if err != nil {
			// Undo: restore the free area exactly as found.
			if exactFit {
				freeList.PushFront(h)
			} else {
				area.base, area.length = base, size+area.length
			}
			return 0, err
		}
		usedList.PushFront(&used.link)
		return base, nil
	}

	return 0, errExhausted
}

// Vmalloc reserves size bytes (rounded up to a whole page count) of kernel
// virtual address space and, when flags includes FlagMap, backs every page
// with a freshly allocated physical frame mapped read|write. FlagZero
// additionally zero-fills the backing memory and requires FlagMap. Returns
// 0 on failure; any frames mapped before the failure are unwound.
func Vmalloc(size mem.Size, flags Flags) (uintptr, *kernel.Error) {
	if flags&FlagZero != 0 && flags&FlagMap == 0 {
		return 0, errZeroRequiresMap
	}

	base, err := Alloc(size)
	if err != nil {
		return 0, err
	}

	if flags&FlagMap == 0 {
		return base, nil
	}

	rounded := roundUpToPage(size)
	pages := uintptr(rounded) >> mem.PageShift

	var mapped uintptr
	for page := vmm.PageFromAddress(base); mapped < pages; page, mapped = page+1, mapped+1 {
		frame, ferr := pmmAllocFrame()
		if ferr != nil {
			unwindVmalloc(base, mapped)
			return 0, ferr
		}
		if merr := vmm.Map(page, frame, vmm.FlagPresent|vmm.FlagRW); merr != nil {
			unwindVmalloc(base, mapped)
			return 0, merr
		}
	}

	if flags&FlagZero != 0 {
		mem.Memset(base, 0, mem.PageSize*mem.Size(pages))
	}

	return base, nil
}

// unwindVmalloc unmaps the first `mapped` pages starting at base and
// releases the reservation, used when Vmalloc fails partway through
// backing a region with physical frames.
func unwindVmalloc(base uintptr, mapped uintptr) {
	for i := uintptr(0); i < mapped; i++ {
		page := vmm.PageFromAddress(base + i*uintptr(mem.PageSize))
		if pa, err := vmm.Translate(page.Address()); err == nil {
			pmmFreeFrame(pmm.FrameFromAddress(pa))
		}
		vmm.Unmap(page)
	}
	Vmfree(base)
}

// Vmfree releases the allocation that starts at base, returning its range
// to the free list. Every page of the region is first unmapped, and each
// page that translates to a frame (a FlagMap allocation) has that frame
// released.
func Vmfree(base uintptr) {
	lock.Acquire()
	h := usedList.Front()
	var area *vmarea
	for ; h != nil; h = usedList.Next(h) {
		if a := entryHead(h); a.base == base {
			area = a
			break
		}
	}
	if area == nil {
		lock.Release()
		panicFn(errNotFound)
		return
	}
	list.Remove(h)
	wasMapped := area.mapped
	length := area.length
	lock.Release()

	if wasMapped {
		pages := uintptr(length) >> mem.PageShift
		for i := uintptr(0); i < pages; i++ {
			page := vmm.PageFromAddress(base + i*uintptr(mem.PageSize))
			if pa, err := vmm.Translate(page.Address()); err == nil {
				pmmFreeFrame(pmm.FrameFromAddress(pa))
			}
			vmm.Unmap(page)
		}
	}

	lock.Acquire()
	area.mapped = false
	// TODO: coalesce with an adjacent free area instead of a bare insert;
	// the free list can accumulate fragments that a neighbor-merge pass
	// would reclaim.
	freeList.PushFront(&area.link)
	lock.Release()
}

func roundUpToPage(size mem.Size) mem.Size {
	return (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
}

var (
	pmmAllocFrame = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errExhausted }
	pmmFreeFrame  = func(pmm.Frame) {}
	panicFn       = kernel.Panic
)

// SetFrameAllocator registers the physical frame allocator functions used
// to back FlagMap allocations and to release frames on Vmfree/unwind.
// Called once by kernel/mem/pmm/allocator.Init.
func SetFrameAllocator(alloc func() (pmm.Frame, *kernel.Error), free func(pmm.Frame)) {
	pmmAllocFrame = alloc
	pmmFreeFrame = free
}
