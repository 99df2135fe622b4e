package allocator

import (
	"reflect"
	"silicium/kernel"
	"silicium/kernel/boot"
	"silicium/kernel/kfmt/early"
	"silicium/kernel/list"
	"silicium/kernel/mem"
	"silicium/kernel/mem/kvmalloc"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/sync"
	"unsafe"
)

// zoneISABoundary/zoneBIOSBoundary mark the physical addresses below which
// a frame belongs to the ISA DMA zone and the BIOS/real-mode zone
// respectively; at or above zoneISABoundary a frame is in the normal zone.
const (
	zoneISABoundary  = uint64(16 * mem.Mb)
	zoneBIOSBoundary = uint64(1 * mem.Mb)
)

// Flags selects the zone a frame is drawn from and whether it must be
// zeroed before being handed back to the caller.
type Flags uint8

const (
	// FlagNone requests a frame from the normal zone.
	FlagNone Flags = 0
	// FlagBIOS requests a frame below the 1 MiB mark.
	FlagBIOS Flags = 1 << iota
	// FlagISA requests a frame below the 16 MiB mark.
	FlagISA
	// FlagClear requests that the returned frame be zero-filled.
	FlagClear
)

var (
	// FrameAllocator is the refcounted, zone-aware physical frame
	// allocator used by the rest of the kernel once boot is complete.
	FrameAllocator RefcountAllocator

	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
	mapTemporaryFn  = vmm.MapTemporary
	unmapFn         = vmm.Unmap

	// panicFn is mocked by tests so that a detected programming error
	// (double free, free of a reserved frame) can be observed without
	// tripping the real kernel.Panic halt sequence.
	panicFn = kernel.Panic

	errDoubleFree     = &kernel.Error{Module: "frame_alloc", Message: "double free (or refcount underflow) of physical frame"}
	errFreeOfReserved = &kernel.Error{Module: "frame_alloc", Message: "attempt to free a reserved frame"}
	errZonesExhausted = &kernel.Error{Module: "frame_alloc", Message: "all zones exhausted"}
)

// RefcountAllocator implements the C3 contract: refcounted 4 KiB frame
// allocation with BIOS (<1 MiB), ISA (<16 MiB) and normal zones. Each zone
// is a list.List of free Descriptors threaded through Descriptor.link; a
// single allocator-wide lock serializes free-list surgery across zones,
// while each Descriptor carries its own lock guarding Free against
// concurrent Lock/Unlock.
type RefcountAllocator struct {
	table pmm.Table

	freeLists [3]list.List // indexed by pmm.Zone
	freeCount [3]uint32

	lock sync.Spinlock
}

// zoneFor classifies a physical address into one of the three zones.
func zoneFor(physAddr uint64) pmm.Zone {
	switch {
	case physAddr < zoneBIOSBoundary:
		return pmm.ZoneBIOS
	case physAddr < zoneISABoundary:
		return pmm.ZoneISA
	default:
		return pmm.ZoneNormal
	}
}

// fallbackOrder lists, for each requested zone, the zones to try next when
// the requested zone has no free frames: normal -> isa -> bios.
var fallbackOrder = map[pmm.Zone][]pmm.Zone{
	pmm.ZoneNormal: {pmm.ZoneNormal, pmm.ZoneISA, pmm.ZoneBIOS},
	pmm.ZoneISA:    {pmm.ZoneISA, pmm.ZoneBIOS},
	pmm.ZoneBIOS:   {pmm.ZoneBIOS},
}

// init builds the per-frame descriptor table from the boot memory map,
// reserving the kernel image and every frame already consumed by the
// bootstrap allocator, then threads the remaining frames onto their zone's
// free list.
func (a *RefcountAllocator) init() *kernel.Error {
	var totalFrames uint64
	pageSizeMinus1 := uint64(mem.PageSize - 1)

	boot.VisitMemRegions(func(region *boot.MemRegion) bool {
		if region.Type != boot.MemAvailable {
			return true
		}
		endFrame := ((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mem.PageShift
		if endFrame > totalFrames {
			totalFrames = endFrame
		}
		return true
	})

	if totalFrames == 0 {
		return errZonesExhausted
	}

	sizeofDescriptor := unsafe.Sizeof(pmm.Descriptor{})
	tableBytes := mem.Size(totalFrames * uint64(sizeofDescriptor))
	tableVA, err := reserveRegionFn(tableBytes)
	if err != nil {
		return err
	}

	pages := (tableBytes + mem.PageSize - 1) >> mem.PageShift
	for page, i := vmm.PageFromAddress(tableVA), mem.Size(0); i < pages; page, i = page+1, i+1 {
		frame, err := earlyAllocFrame()
		if err != nil {
			return err
		}
		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	var hdr reflect.SliceHeader
	hdr.Data = tableVA
	hdr.Len = int(totalFrames)
	hdr.Cap = int(totalFrames)
	a.table.Descriptors = *(*[]pmm.Descriptor)(unsafe.Pointer(&hdr))

	for i := range a.table.Descriptors {
		a.table.Descriptors[i].Reset(pmm.Frame(i))
	}

	boot.VisitMemRegions(func(region *boot.MemRegion) bool {
		if region.Type != boot.MemAvailable {
			return true
		}
		startFrame := ((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift
		endFrame := ((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mem.PageShift
		for f := startFrame; f < endFrame && f < totalFrames; f++ {
			d := a.table.Entry(pmm.Frame(f))
			d.SetReserved(false)
			d.SetZone(zoneFor(f << mem.PageShift))
		}
		return true
	})

	// Kernel image frames and every frame the bootstrap allocator already
	// handed out must stay reserved: replay its allocation log exactly as
	// the bitmap allocator this is descended from does.
	a.reserveRange(earlyAllocator.kernelStartFrame, earlyAllocator.kernelEndFrame, totalFrames)
	a.reserveEarlyAllocatorFrames(totalFrames)

	// Thread every still-free frame onto its zone's free list.
	for f := uint64(0); f < totalFrames; f++ {
		d := a.table.Entry(pmm.Frame(f))
		if d.Reserved() {
			continue
		}
		a.freeLists[d.Zone()].PushBack(d.Link())
		a.freeCount[d.Zone()]++
	}

	a.printStats(totalFrames)
	return nil
}

func (a *RefcountAllocator) reserveRange(start, end pmm.Frame, totalFrames uint64) {
	for f := start; f <= end && uint64(f) < totalFrames; f++ {
		a.table.Entry(f).SetReserved(true)
	}
}

func (a *RefcountAllocator) reserveEarlyAllocatorFrames(totalFrames uint64) {
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		if uint64(frame) < totalFrames {
			a.table.Entry(frame).SetReserved(true)
		}
	}
}

func (a *RefcountAllocator) printStats(totalFrames uint64) {
	var free uint32
	for _, c := range a.freeCount {
		free += c
	}
	early.Printf("[frame_alloc] total frames: %d, free: %d (bios=%d isa=%d normal=%d)\n",
		totalFrames, free, a.freeCount[pmm.ZoneBIOS], a.freeCount[pmm.ZoneISA], a.freeCount[pmm.ZoneNormal])
}

// Alloc reserves a free frame matching flags, or InvalidFrame if the
// applicable zones are all exhausted. It never blocks. A frame that was
// previously freed with its cleared flag set skips the zeroing pass when
// FlagClear is requested again.
func (a *RefcountAllocator) Alloc(flags Flags) (pmm.Frame, *kernel.Error) {
	zone := pmm.ZoneNormal
	switch {
	case flags&FlagBIOS != 0:
		zone = pmm.ZoneBIOS
	case flags&FlagISA != 0:
		zone = pmm.ZoneISA
	}

	a.lock.Acquire()
	var d *pmm.Descriptor
	for _, z := range fallbackOrder[zone] {
		if h := a.freeLists[z].Front(); h != nil {
			list.Remove(h)
			a.freeCount[z]--
			d = pmm.EntryHead(h)
			break
		}
	}
	a.lock.Release()

	if d == nil {
		return pmm.InvalidFrame, errZonesExhausted
	}

	d.SetRefCount(1)

	if flags&FlagClear != 0 && !d.Cleared() {
		page, err := mapTemporaryFn(d.Index())
		if err != nil {
			return pmm.InvalidFrame, err
		}
		mem.Memset(page.Address(), 0, mem.PageSize)
		unmapFn(page)
		d.SetCleared(true)
	} else if flags&FlagClear == 0 {
		d.SetCleared(false)
	}

	return d.Index(), nil
}

// Free drops one reference to a frame; once its reference count reaches
// zero the frame is returned to its zone's free list. Freeing a reserved
// frame or a frame with a zero reference count is a programming error and
// panics.
func (a *RefcountAllocator) Free(f pmm.Frame) {
	d := a.table.Entry(f)

	d.Lock()
	if d.Reserved() {
		d.Unlock()
		panicFn(errFreeOfReserved)
		return
	}
	if d.RefCount() == 0 {
		d.Unlock()
		panicFn(errDoubleFree)
		return
	}
	d.DecRefCount()
	freed := d.RefCount() == 0
	d.Unlock()

	if !freed {
		return
	}

	a.lock.Acquire()
	a.freeLists[d.Zone()].PushFront(d.Link())
	a.freeCount[d.Zone()]++
	a.lock.Release()
}

// Reference increments a frame's reference count, used when a page table
// entry shares a frame across address spaces (COW clone).
func (a *RefcountAllocator) Reference(f pmm.Frame) {
	d := a.table.Entry(f)
	d.Lock()
	d.IncRefCount()
	d.Unlock()
}

// Counter returns the current reference count for f.
func (a *RefcountAllocator) Counter(f pmm.Frame) uint32 {
	return a.table.Entry(f).RefCount()
}

// Lock acquires the per-frame lock for f, serializing Free against
// in-progress mutations of the descriptor by other subsystems (e.g. the
// mapper updating dirty/accessed shadow state).
func (a *RefcountAllocator) Lock(f pmm.Frame) { a.table.Entry(f).Lock() }

// Unlock releases the per-frame lock acquired via Lock.
func (a *RefcountAllocator) Unlock(f pmm.Frame) { a.table.Entry(f).Unlock() }

// allocFrame adapts RefcountAllocator.Alloc to vmm.FrameAllocatorFn.
func allocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.Alloc(FlagNone)
}

// Init bootstraps the boot-time allocator, hands its frames to the vmm
// package until the refcounted allocator is ready, then builds the
// refcounted allocator's descriptor table and switches the vmm over to it.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame)
	if err := FrameAllocator.init(); err != nil {
		return err
	}
	vmm.SetFrameAllocator(allocFrame)
	vmm.SetFrameFreer(FrameAllocator.Free)
	vmm.SetFrameReferrer(FrameAllocator.Reference)

	kvmalloc.SetFrameAllocator(allocFrame, FrameAllocator.Free)
	return kvmalloc.Init()
}
