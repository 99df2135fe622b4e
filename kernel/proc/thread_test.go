package proc

import (
	"silicium/kernel"
	"silicium/kernel/list"
	"silicium/kernel/mem"
	"silicium/kernel/mem/kvmalloc"
	"testing"
	"unsafe"
)

// fakeHeap stands in for kvmalloc/kheap: it hands out successive chunks of
// a large Go-managed buffer so thread descriptor construction can be
// exercised without a real kernel VA allocator or page mapper.
func installFakeHeap(t *testing.T) {
	t.Helper()

	buf := make([]byte, 4<<20)
	offset := 0
	alloc := func(size int) uintptr {
		aligned := (offset + 63) &^ 63
		if aligned+size > len(buf) {
			t.Fatal("fake heap exhausted")
		}
		addr := uintptr(unsafe.Pointer(&buf[aligned]))
		offset = aligned + size
		return addr
	}

	origVmalloc, origVmfree, origMalloc, origFree := vmallocFn, vmfreeFn, mallocFn, freeFn
	vmallocFn = func(size mem.Size, flags kvmalloc.Flags) (uintptr, *kernel.Error) {
		return alloc(int(size)), nil
	}
	vmfreeFn = func(uintptr) {}
	mallocFn = func(n uintptr) (uintptr, *kernel.Error) {
		return alloc(int(n)), nil
	}
	freeFn = func(uintptr) bool { return true }

	t.Cleanup(func() {
		vmallocFn, vmfreeFn, mallocFn, freeFn = origVmalloc, origVmfree, origMalloc, origFree
	})
}

func resetThreadState(t *testing.T) {
	t.Helper()
	Init()
	globalThreads.Init()
	for i := range threadByTid {
		threadByTid[i] = nil
	}
	threadCount = 0
	nextTidHint = 1
	installFakeHeap(t)
}

func TestCreateKernelAssignsDistinctTids(t *testing.T) {
	resetThreadState(t)

	a, err := CreateKernel(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := CreateKernel(0x2000)
	if err != nil {
		t.Fatal(err)
	}

	if a.Tid() == 0 || b.Tid() == 0 {
		t.Fatal("expected non-zero tids; 0 is reserved for the idle thread")
	}
	if a.Tid() == b.Tid() {
		t.Fatal("expected two threads to receive distinct tids")
	}
	if a.Kind() != KindKernel || b.Kind() != KindKernel {
		t.Fatal("expected CreateKernel threads to report KindKernel")
	}
	if a.State() != StateCreated {
		t.Fatalf("expected a freshly created thread to be StateCreated; got %v", a.State())
	}
}

func TestCreateKernelInitializesRegisterFrame(t *testing.T) {
	resetThreadState(t)

	const entry = uintptr(0xdeadbeef)
	th, err := CreateKernel(entry)
	if err != nil {
		t.Fatal(err)
	}

	regs := th.Registers()
	if regs == nil {
		t.Fatal("expected a non-nil saved register frame")
	}
	if regs.Frame.RIP != uint64(entry) {
		t.Fatalf("expected RIP = 0x%x; got 0x%x", entry, regs.Frame.RIP)
	}
	if regs.Frame.RFlags&(1<<9) == 0 {
		t.Fatal("expected the interrupt-enable flag to be set")
	}
	if regs.Frame.RSP != uint64(th.StackTop()-sizeofRegisterFrame) {
		t.Fatal("expected the saved stack pointer to point at the register frame itself")
	}
}

func TestCloneRefusesKernelThread(t *testing.T) {
	resetThreadState(t)

	k, err := CreateKernel(0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Clone(k, &RegisterFrame{}); err == nil {
		t.Fatal("expected cloning a kernel thread to fail")
	}
}

func TestCloneProducesReadyUserThread(t *testing.T) {
	resetThreadState(t)

	u, err := CreateUser(0x1000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	u.SetFPUDirty(true)

	trap := RegisterFrame{}
	trap.Frame.RIP = 0x4242

	child, err := Clone(u, &trap)
	if err != nil {
		t.Fatal(err)
	}

	if child.Kind() != KindUser {
		t.Fatal("expected a cloned thread to be a user thread")
	}
	if child.State() != StateReady {
		t.Fatalf("expected a cloned thread to start ready; got %v", child.State())
	}
	if child.Registers().Frame.RIP != trap.Frame.RIP {
		t.Fatal("expected the cloned thread's register frame to copy the supplied trap frame")
	}
}

func TestGenerateTidNeverReturnsReservedIdleTid(t *testing.T) {
	resetThreadState(t)

	for i := 0; i < 50; i++ {
		tid := GenerateTid()
		if tid == 0 {
			t.Fatal("GenerateTid must never hand out tid 0")
		}
		threadByTid[tid] = &Thread{}
	}
}

func TestZombifyRequiresOffScheduler(t *testing.T) {
	resetThreadState(t)

	th, err := CreateKernel(0x1000)
	if err != nil {
		t.Fatal(err)
	}

	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	var panicked bool
	panicFn = func(interface{}) { panicked = true }

	var fakeRunQueue list.List
	fakeRunQueue.Init()
	fakeRunQueue.PushBack(th.SchedLink())
	Zombify(th, 0)
	if !panicked {
		t.Fatal("expected Zombify of a thread still linked onto a run queue to panic")
	}
}

func TestDestroyRequiresZombieState(t *testing.T) {
	resetThreadState(t)

	th, err := CreateKernel(0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if err := Destroy(th); err == nil {
		t.Fatal("expected Destroy of a non-zombie thread to fail")
	}

	th.SetState(StateZombie)
	if err := Destroy(th); err != nil {
		t.Fatalf("expected Destroy of a zombie thread to succeed: %v", err)
	}
	if GetThread(th.Tid()) != nil {
		t.Fatal("expected Destroy to remove the thread from the tid lookup table")
	}
}
