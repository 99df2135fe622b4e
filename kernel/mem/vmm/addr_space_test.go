package vmm

import (
	"runtime"
	"silicium/kernel"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
	"testing"
	"unsafe"
)

func TestEarlyReserveAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origLastUsed uintptr) {
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)

	earlyReserveLastUsed = 4096
	next, err := EarlyReserveRegion(42)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0); next != exp {
		t.Fatal("expected reservation request to be rounded to nearest page")
	}

	if _, err = EarlyReserveRegion(1); err != errEarlyReserveNoSpace {
		t.Fatalf("expected to get errEarlyReserveNoSpace; got %v", err)
	}
}

func resetAddrSpaceState() {
	currentAddrSpace = nil
	KernelAddrSpace = nil
	frameFreeFn = func(pmm.Frame) {}
	frameRefFn = func(pmm.Frame) {}
	frameAllocator = nil
	rootEntriesAddrFn = func() uintptr { return pdtVirtualAddr }
}

func TestAddressSpaceUseAndRefCount(t *testing.T) {
	defer resetAddrSpaceState()

	as := &AddressSpace{refCount: 1}
	if got := as.RefCount(); got != 1 {
		t.Fatalf("expected initial refcount 1; got %d", got)
	}

	as.Use()
	if got := as.RefCount(); got != 2 {
		t.Fatalf("expected refcount 2 after Use; got %d", got)
	}
}

func TestAddressSpaceDropWithoutReachingZero(t *testing.T) {
	defer resetAddrSpaceState()

	dropCalled := false
	frameFreeFn = func(pmm.Frame) { dropCalled = true }

	as := &AddressSpace{refCount: 2}
	as.Drop()

	if got := as.RefCount(); got != 1 {
		t.Fatalf("expected refcount 1 after Drop; got %d", got)
	}
	if dropCalled {
		t.Fatal("did not expect any frame to be freed while references remain")
	}
}

func TestAddressSpaceDropPanicsWhenNotCurrent(t *testing.T) {
	defer resetAddrSpaceState()

	var panicArg interface{}
	panicFn = func(e interface{}) { panicArg = e }
	defer func() { panicFn = kernel.Panic }()

	as := &AddressSpace{refCount: 1}
	currentAddrSpace = &AddressSpace{refCount: 1}

	as.Drop()

	if panicArg != errDropWhileNotCurrent {
		t.Fatalf("expected a panic with errDropWhileNotCurrent; got %v", panicArg)
	}
}

// TestAddressSpaceDropTearsDownUserMappings exercises the zero-refcount path
// of Drop: it must free every present user frame, switch to the kernel's
// default table and finally free its own root frame. as.pdt.pdtFrame is
// backed by a real in-process array so the no-swap branch of withSwapped
// (activeFrame == pdt.pdtFrame) can run without touching unmapped memory.
func TestAddressSpaceDropTearsDownUserMappings(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}
	defer resetAddrSpaceState()

	defer func(origActivePDT func() uintptr, origSwitchPDT func(uintptr)) {
		activePDTFn = origActivePDT
		switchPDTFn = origSwitchPDT
	}(activePDTFn, switchPDTFn)

	var (
		rootTable  [mem.PageSize >> mem.PointerShift]pageTableEntry
		rootFrame  = pmm.Frame(uintptr(unsafe.Pointer(&rootTable[0])) >> mem.PageShift)
		userFrameA = pmm.Frame(0xaa)
		userFrameB = pmm.Frame(0xbb)
	)

	rootTable[0].SetFlags(FlagPresent | FlagRW)
	rootTable[0].SetFrame(userFrameA)
	rootTable[5].SetFlags(FlagPresent | FlagRW)
	rootTable[5].SetFrame(userFrameB)

	activePDTFn = func() uintptr { return rootFrame.Address() }
	rootEntriesAddrFn = func() uintptr { return uintptr(unsafe.Pointer(&rootTable[0])) }

	as := &AddressSpace{pdt: PageDirectoryTable{pdtFrame: rootFrame}, refCount: 1}
	currentAddrSpace = as

	var kernTable [mem.PageSize >> mem.PointerShift]pageTableEntry
	kernFrame := pmm.Frame(uintptr(unsafe.Pointer(&kernTable[0])) >> mem.PageShift)
	KernelAddrSpace = &AddressSpace{pdt: PageDirectoryTable{pdtFrame: kernFrame}, refCount: 1}

	switchPDTCount := 0
	switchPDTFn = func(_ uintptr) { switchPDTCount++ }

	freed := map[pmm.Frame]int{}
	frameFreeFn = func(f pmm.Frame) { freed[f]++ }

	as.Drop()

	if freed[userFrameA] != 1 || freed[userFrameB] != 1 {
		t.Fatalf("expected both user frames to be freed exactly once; got %v", freed)
	}
	if freed[rootFrame] != 1 {
		t.Fatalf("expected the root frame to be freed; got %v", freed)
	}
	if rootTable[0].HasFlags(FlagPresent) || rootTable[5].HasFlags(FlagPresent) {
		t.Fatal("expected freed user entries to be cleared")
	}
	if currentAddrSpace != KernelAddrSpace {
		t.Fatal("expected the kernel address space to become current before the root frame was freed")
	}
	if switchPDTCount != 1 {
		t.Fatalf("expected a single switch to the kernel table; got %d", switchPDTCount)
	}
}

// TestNewAddressSpaceCopiesKernelHalf exercises NewAddressSpace's copy of the
// shared kernel-range entries from the currently active table into a freshly
// allocated one. rootEntriesAddrFn is stateful across the two nested
// rootEntries calls it makes (first against the active table, then against
// the new one once spliced into the self-map slot), mirroring how the
// self-map window would show different contents at each point in real
// hardware.
func TestNewAddressSpaceCopiesKernelHalf(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}
	defer resetAddrSpaceState()

	defer func(origActivePDT func() uintptr, origMapTemporary func(pmm.Frame) (Page, *kernel.Error), origUnmap func(Page) *kernel.Error, origFlush func(uintptr)) {
		activePDTFn = origActivePDT
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
		flushTLBEntryFn = origFlush
	}(activePDTFn, mapTemporaryFn, unmapFn, flushTLBEntryFn)

	var (
		activeTable [mem.PageSize >> mem.PointerShift]pageTableEntry
		activeFrame = pmm.Frame(uintptr(unsafe.Pointer(&activeTable[0])) >> mem.PageShift)
		newTable    [mem.PageSize >> mem.PointerShift]pageTableEntry
		newFrame    = pmm.Frame(uintptr(unsafe.Pointer(&newTable[0])) >> mem.PageShift)
	)

	// Mark a shared kernel-range entry present on the active table; it must
	// be copied, unmodified, to the new table's matching slot.
	kernSlot := rootUserEntries + 3
	activeTable[kernSlot].SetFlags(FlagPresent | FlagRW)
	activeTable[kernSlot].SetFrame(pmm.Frame(0x77))

	currentAddrSpace = &AddressSpace{pdt: PageDirectoryTable{pdtFrame: activeFrame}, refCount: 1}

	activePDTFn = func() uintptr { return activeFrame.Address() }
	flushTLBEntryFn = func(_ uintptr) {}
	mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) {
		if f != newFrame {
			t.Fatalf("unexpected call to MapTemporary with frame %v", f)
		}
		return PageFromAddress(uintptr(unsafe.Pointer(&newTable[0]))), nil
	}
	unmapFn = func(_ Page) *kernel.Error { return nil }

	frameAllocator = func() (pmm.Frame, *kernel.Error) { return newFrame, nil }

	callIdx := 0
	rootEntriesAddrFn = func() uintptr {
		defer func() { callIdx++ }()
		if callIdx == 0 {
			return uintptr(unsafe.Pointer(&activeTable[0]))
		}
		return uintptr(unsafe.Pointer(&newTable[0]))
	}

	as, err := NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	if !newTable[kernSlot].HasFlags(FlagPresent | FlagRW) {
		t.Fatal("expected the shared kernel entry to be copied to the new table")
	}
	if newTable[kernSlot].Frame() != pmm.Frame(0x77) {
		t.Fatalf("expected copied entry to point at frame 0x77; got %v", newTable[kernSlot].Frame())
	}
	if as.pdt.Frame() != newFrame {
		t.Fatalf("expected new address space to own frame %v; got %v", newFrame, as.pdt.Frame())
	}
	if as.RefCount() != 1 {
		t.Fatalf("expected a freshly created address space to start at refcount 1; got %d", as.RefCount())
	}
}

// TestCloneAddressSpaceMarksCOW exercises CloneAddressSpace's copy-on-write
// setup: every present user entry in src must have its RW flag cleared, the
// clone must receive an identical (also RW-cleared) copy, and the shared
// frame's reference count must be bumped exactly once per entry.
func TestCloneAddressSpaceMarksCOW(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}
	defer resetAddrSpaceState()

	defer func(origActivePDT func() uintptr, origMapTemporary func(pmm.Frame) (Page, *kernel.Error), origUnmap func(Page) *kernel.Error, origFlush func(uintptr)) {
		activePDTFn = origActivePDT
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
		flushTLBEntryFn = origFlush
	}(activePDTFn, mapTemporaryFn, unmapFn, flushTLBEntryFn)

	var (
		srcTable  [mem.PageSize >> mem.PointerShift]pageTableEntry
		srcFrame  = pmm.Frame(uintptr(unsafe.Pointer(&srcTable[0])) >> mem.PageShift)
		dstTable  [mem.PageSize >> mem.PointerShift]pageTableEntry
		dstFrame  = pmm.Frame(uintptr(unsafe.Pointer(&dstTable[0])) >> mem.PageShift)
		userFrame = pmm.Frame(0x99)
	)

	srcTable[0].SetFlags(FlagPresent | FlagRW)
	srcTable[0].SetFrame(userFrame)

	src := &AddressSpace{pdt: PageDirectoryTable{pdtFrame: srcFrame}, refCount: 1}
	currentAddrSpace = src

	activePDTFn = func() uintptr { return srcFrame.Address() }
	flushTLBEntryFn = func(_ uintptr) {}
	mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) {
		if f != dstFrame {
			t.Fatalf("unexpected call to MapTemporary with frame %v", f)
		}
		return PageFromAddress(uintptr(unsafe.Pointer(&dstTable[0]))), nil
	}
	unmapFn = func(_ Page) *kernel.Error { return nil }
	frameAllocator = func() (pmm.Frame, *kernel.Error) { return dstFrame, nil }

	refCount := map[pmm.Frame]int{}
	frameRefFn = func(f pmm.Frame) { refCount[f]++ }

	// Every rootEntries call against the still-active src table (even call
	// index: NewAddressSpace's kernel-half read, then CloneAddressSpace's
	// own src read) sees srcTable; every call against the freshly allocated,
	// not-yet-active dst table (odd call index) sees dstTable.
	callIdx := 0
	rootEntriesAddrFn = func() uintptr {
		defer func() { callIdx++ }()
		if callIdx%2 == 0 {
			return uintptr(unsafe.Pointer(&srcTable[0]))
		}
		return uintptr(unsafe.Pointer(&dstTable[0]))
	}

	dst, err := CloneAddressSpace(src)
	if err != nil {
		t.Fatal(err)
	}

	if srcTable[0].HasFlags(FlagRW) {
		t.Fatal("expected src entry to have its RW flag cleared for copy-on-write")
	}
	if !dstTable[0].HasFlags(FlagPresent) || dstTable[0].HasFlags(FlagRW) {
		t.Fatal("expected the cloned entry to be present and read-only")
	}
	if dstTable[0].Frame() != userFrame {
		t.Fatalf("expected the clone to share the same physical frame; got %v", dstTable[0].Frame())
	}
	if refCount[userFrame] != 1 {
		t.Fatalf("expected the shared frame's reference count to be bumped once; got %d", refCount[userFrame])
	}
	if dst.pdt.Frame() != dstFrame {
		t.Fatalf("expected the clone to own frame %v; got %v", dstFrame, dst.pdt.Frame())
	}
}
