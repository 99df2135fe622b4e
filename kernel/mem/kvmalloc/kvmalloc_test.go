package kvmalloc

import (
	"silicium/kernel"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
	"testing"
)

func resetState(t *testing.T) {
	t.Helper()
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestAllocSplitsAndReservesDistinctRanges(t *testing.T) {
	resetState(t)

	a, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if a == b {
		t.Fatal("expected two successive allocations to return distinct bases")
	}
	if a != VMALLOC_START {
		t.Fatalf("expected first-fit to hand out the window's base first; got 0x%x", a)
	}
	if b != a+uintptr(mem.PageSize) {
		t.Fatalf("expected the second allocation to start immediately after the first; got 0x%x, want 0x%x", b, a+uintptr(mem.PageSize))
	}
}

func TestAllocRoundsUpToPageSize(t *testing.T) {
	resetState(t)

	a, err := Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Alloc(1)
	if err != nil {
		t.Fatal(err)
	}

	if b-a != uintptr(mem.PageSize) {
		t.Fatalf("expected a sub-page request to consume one full page; got stride 0x%x", b-a)
	}
}

func TestVmfreeReturnsRangeToFreeList(t *testing.T) {
	resetState(t)

	a, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	Vmfree(a)

	// the freed range must be available again: a subsequent allocation of
	// the same size should be satisfiable without growing past the window
	// (first-fit will find the newly freed area at the front of the list).
	b, err := Alloc(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if b != a {
		t.Fatalf("expected the freed range to be reused by first-fit; got base 0x%x, want 0x%x", b, a)
	}
}

func TestVmfreeOfUnknownBasePanics(t *testing.T) {
	resetState(t)

	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	var panicked bool
	panicFn = func(interface{}) { panicked = true }

	Vmfree(VMALLOC_START + 7*uintptr(mem.PageSize))

	if !panicked {
		t.Fatal("expected Vmfree of a base that is not a live allocation to panic")
	}
}

func TestZeroFlagRequiresMapFlag(t *testing.T) {
	resetState(t)

	if _, err := Vmalloc(mem.PageSize, FlagZero); err == nil {
		t.Fatal("expected FlagZero without FlagMap to fail")
	}
}

func TestVmallocWithoutMapFlagNeverCallsFrameAllocator(t *testing.T) {
	resetState(t)

	defer SetFrameAllocator(pmmAllocFrame, pmmFreeFrame)
	SetFrameAllocator(
		func() (pmm.Frame, *kernel.Error) {
			t.Fatal("Vmalloc without FlagMap must not consult the frame allocator")
			return pmm.InvalidFrame, nil
		},
		func(pmm.Frame) {},
	)

	base, err := Vmalloc(mem.PageSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	if base == 0 {
		t.Fatal("expected a non-zero base for an unmapped reservation")
	}
}

func TestVmallocExhaustionWhenFrameAllocatorFails(t *testing.T) {
	resetState(t)

	errNoFrames := &kernel.Error{Module: "test", Message: "no frames"}
	defer SetFrameAllocator(pmmAllocFrame, pmmFreeFrame)
	SetFrameAllocator(
		func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, errNoFrames },
		func(pmm.Frame) {},
	)

	if _, err := Vmalloc(mem.PageSize, FlagMap); err == nil {
		t.Fatal("expected Vmalloc(FlagMap) to fail when the frame allocator is exhausted")
	}
}
