// Package proc implements the thread descriptor, kernel stack, and
// process aggregate (C9). A Thread is the scheduler's unit of dispatch; a
// Process aggregates the threads, address space, and credentials of one
// running program.
package proc

import (
	"silicium/kernel"
	"silicium/kernel/irq"
	"silicium/kernel/list"
	"silicium/kernel/mem"
	"silicium/kernel/mem/kheap"
	"silicium/kernel/mem/kvmalloc"
	"silicium/kernel/sync"
	"unsafe"
)

// Tid identifies a thread. Tid 0 is reserved for the per-core idle thread
// and is never handed out by GenerateTid.
type Tid uint32

// MaxThreads bounds the number of live threads the kernel will track at
// once; allocateThread refuses with errAgain once this many threads are
// live.
const MaxThreads = 4096

// KernelStackSize is the size of the kernel stack reserved for every
// thread, kernel or user.
const KernelStackSize = 8 * mem.Kb

// fpuStateSize/fpuStateAlign describe the save area used to hold the
// thread's floating point/SSE register file across a context switch
// (an FXSAVE-format area on amd64).
const (
	fpuStateSize  = 512
	fpuStateAlign = 16
)

// State is a thread's position in the created -> ready <-> running ->
// {sleeping, zombie} -> destroyed lifecycle.
type State uint8

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateSleeping
	StateZombie
)

// Kind distinguishes a kernel-only thread (never returns to user mode)
// from a user thread (has a user-mode entry point and user segment
// selectors in its initial register frame).
type Kind uint8

const (
	KindKernel Kind = iota
	KindUser
)

// RegisterFrame is the saved machine state for a thread that is not
// currently running: the general-purpose registers plus the same trap
// frame shape the interrupt dispatcher (C11) uses, so a thread can be
// started for the first time by the same low-level return-from-interrupt
// path used to resume a preempted thread.
type RegisterFrame struct {
	Regs  irq.Regs
	Frame irq.Frame
}

// Thread is the scheduler's unit of dispatch (C9).
//
// schedLink must remain the first field: ThreadFromSchedLink recovers a
// *Thread from a *list.Head obtained while walking the scheduler's run
// queue by casting, mirroring pmm.Descriptor's link-must-be-first
// convention.
type Thread struct {
	schedLink  list.Head
	globalLink list.Head

	tid   Tid
	state State
	kind  Kind

	quantum        uint32
	defaultQuantum uint32
	reschedule     bool

	stackBase, stackTop uintptr
	regs                *RegisterFrame
	fpuRaw              uintptr // pointer returned by kheap.Malloc, passed to kheap.Free
	fpuState            uintptr // fpuRaw rounded up to fpuStateAlign
	fpuDirty            bool

	proc *Process

	lock sync.Spinlock
}

var (
	errAgain            = &kernel.Error{Module: "proc", Message: "tid/pid space exhausted"}
	errInvalidClone     = &kernel.Error{Module: "proc", Message: "cannot clone a kernel thread"}
	errZombifyScheduled = &kernel.Error{Module: "proc", Message: "thread is still on the scheduler run queue"}
	errDestroyNotZombie = &kernel.Error{Module: "proc", Message: "thread is not a zombie"}

	panicFn = kernel.Panic

	globalThreads list.List
	threadCount   uint32
	nextTidHint   Tid = 1

	// threadByTid is a flat lookup table mirroring pmm.Table's
	// array-of-descriptors-by-index strategy: tid -> *Thread, so
	// GenerateTid's scan and GetThread's lookup never walk a list.
	threadByTid [MaxThreads]*Thread

	tidLock sync.Spinlock
)

// Init prepares the package's global thread list. Must be called once
// during boot before the first call to CreateKernel.
func Init() {
	globalThreads.Init()
}

// NewBareThread builds a Thread carrying the given tid, kind and quantum
// without reserving a kernel stack or FPU save area, and without publishing
// it to the global thread table. It is not part of the normal thread
// lifecycle; it exists so collaborators whose own tests only need a
// dispatchable stand-in (the scheduler's run-queue tests, chiefly) are not
// forced to drive the full kvmalloc/kheap-backed allocation path.
func NewBareThread(tid Tid, kind Kind, quantum uint32) *Thread {
	return &Thread{
		tid:            tid,
		kind:           kind,
		state:          StateReady,
		quantum:        quantum,
		defaultQuantum: quantum,
	}
}

// GenerateTid linearly scans from a rolling counter for a free tid below
// MaxThreads. It never itself fails; callers must check the global thread
// count against MaxThreads beforehand and return errAgain there, exactly
// as allocateThread does.
func GenerateTid() Tid {
	tidLock.Acquire()
	defer tidLock.Release()
	return generateTidLocked()
}

// generateTidLocked is GenerateTid's body, for callers that already hold
// tidLock (publish, notably) and must not reacquire it.
func generateTidLocked() Tid {
	for i := Tid(0); i < MaxThreads; i++ {
		cand := (nextTidHint + i) % MaxThreads
		if cand == 0 {
			continue // reserved for the idle thread
		}
		if threadByTid[cand] == nil {
			nextTidHint = cand + 1
			return cand
		}
	}
	// Unreachable if callers respect MaxThreads, per the component
	// contract; return the reserved idle tid rather than corrupt state.
	return 0
}

// GetThread returns the thread registered under tid, or nil.
func GetThread(tid Tid) *Thread {
	tidLock.Acquire()
	defer tidLock.Release()
	return threadByTid[tid]
}

// Tid returns the thread's id.
func (t *Thread) Tid() Tid { return t.tid }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.state
}

// SetState transitions the thread to a new state. Callers are responsible
// for only requesting transitions the lifecycle documented on State
// allows; this is a storage primitive, not a validator, mirroring how
// kernel/mem/vmm.AddressSpace.Set trusts its caller's ordering discipline.
func (t *Thread) SetState(s State) {
	t.lock.Acquire()
	t.state = s
	t.lock.Release()
}

// Kind returns whether this is a kernel or user thread.
func (t *Thread) Kind() Kind { return t.kind }

// Quantum returns the ticks remaining before this thread must yield.
func (t *Thread) Quantum() uint32 { return t.quantum }

// SetQuantum overwrites the remaining quantum, used by the scheduler's
// refill-everyone pass.
func (t *Thread) SetQuantum(q uint32) { t.quantum = q }

// DecQuantum decrements the remaining quantum by one tick and returns true
// if it reached zero.
func (t *Thread) DecQuantum() bool {
	if t.quantum == 0 {
		return true
	}
	t.quantum--
	return t.quantum == 0
}

// RescheduleRequested reports whether the tick handler has asked for this
// thread to be preempted at the next opportunity.
func (t *Thread) RescheduleRequested() bool { return t.reschedule }

// SetReschedule sets or clears the reschedule-on-return flag.
func (t *Thread) SetReschedule(v bool) { t.reschedule = v }

// Process returns the owning process, or nil for a thread not yet joined
// to one.
func (t *Thread) Process() *Process { return t.proc }

// Registers returns the thread's saved register frame, used by the
// architecture's save-and-switch primitive.
func (t *Thread) Registers() *RegisterFrame { return t.regs }

// StackTop returns the address the TSS's kernel-stack-pointer field should
// be set to whenever this thread is dispatched as a user thread.
func (t *Thread) StackTop() uintptr { return t.stackTop }

// FPUDirty reports whether the thread has used the FPU since it was last
// scheduled, i.e. whether its FPU state must be saved before switching
// away.
func (t *Thread) FPUDirty() bool { return t.fpuDirty }

// SetFPUDirty marks or clears the FPU-dirty flag.
func (t *Thread) SetFPUDirty(v bool) { t.fpuDirty = v }

// FPUStateAddr returns the address of the thread's FXSAVE-format save area.
func (t *Thread) FPUStateAddr() uintptr { return t.fpuState }

// SchedLink returns the list head used to thread this Thread onto the
// scheduler's run queue.
func (t *Thread) SchedLink() *list.Head { return &t.schedLink }

// ThreadFromSchedLink recovers the owning *Thread from a *list.Head
// obtained while walking a run queue built from SchedLink values.
func ThreadFromSchedLink(h *list.Head) *Thread {
	return (*Thread)(unsafe.Pointer(h))
}

// vmallocFn/vmfreeFn/mallocFn/freeFn indirect this package's calls into
// kvmalloc/kheap so tests can substitute an in-memory stand-in instead of
// driving the real kernel VA allocator and page mapper.
var (
	vmallocFn = kvmalloc.Vmalloc
	vmfreeFn  = kvmalloc.Vmfree
	mallocFn  = kheap.Malloc
	freeFn    = kheap.Free
)

// allocateThread reserves a descriptor, kernel stack, and FPU save area
// for a new thread. It does not register the thread in any list; callers
// finish construction (CreateKernel/CreateUser/Clone) before publishing
// it via GenerateTid's table.
func allocateThread() (*Thread, *kernel.Error) {
	tidLock.Acquire()
	exhausted := threadCount >= MaxThreads
	tidLock.Release()
	if exhausted {
		return nil, errAgain
	}

	stackBase, err := vmallocFn(KernelStackSize, kvmalloc.FlagMap|kvmalloc.FlagZero)
	if err != nil {
		return nil, err
	}

	fpuRaw, err := mallocFn(fpuStateSize + fpuStateAlign)
	if err != nil {
		vmfreeFn(stackBase)
		return nil, err
	}
	fpuAligned := (fpuRaw + fpuStateAlign - 1) &^ (fpuStateAlign - 1)

	t := &Thread{
		state:     StateCreated,
		stackBase: stackBase,
		stackTop:  stackBase + uintptr(KernelStackSize),
		fpuRaw:    fpuRaw,
		fpuState:  fpuAligned,
	}
	return t, nil
}

// publish assigns a tid and registers t in the global thread list and
// lookup table. Called once construction (register frame, kind) is
// complete.
func publish(t *Thread) {
	tidLock.Acquire()
	t.tid = generateTidLocked()
	threadByTid[t.tid] = t
	threadCount++
	tidLock.Release()

	globalThreads.PushBack(&t.globalLink)
}

// initRegisterFrame places a RegisterFrame at the top of the thread's
// kernel stack and points t.regs at it, with the given entry point, stack
// pointer, code/stack selectors, and an interrupt-enabled flags word.
func initRegisterFrame(t *Thread, entry, stackPtr uintptr, cs, ss uint64) {
	frameAddr := t.stackTop - uintptr(sizeofRegisterFrame)
	regs := (*RegisterFrame)(ptrAt(frameAddr))
	*regs = RegisterFrame{}
	regs.Frame.RIP = uint64(entry)
	regs.Frame.CS = cs
	regs.Frame.RFlags = rflagsInterruptEnable
	regs.Frame.RSP = uint64(stackPtr)
	regs.Frame.SS = ss
	t.regs = regs
}

const rflagsInterruptEnable = 1 << 9

// CreateKernel allocates and initializes a kernel thread whose saved
// register frame starts execution at entry with kernel-segment selectors,
// interrupts enabled, and a stack pointer equal to the frame's own
// address (the thread's kernel stack is its only stack).
func CreateKernel(entry uintptr) (*Thread, *kernel.Error) {
	t, err := allocateThread()
	if err != nil {
		return nil, err
	}
	t.kind = KindKernel
	initRegisterFrame(t, entry, t.stackTop-uintptr(sizeofRegisterFrame), kernelCS, kernelSS)
	publish(t)
	return t, nil
}

// CreateUser allocates and initializes a user thread whose saved register
// frame starts execution at entry on userStack with user-segment
// selectors and interrupts enabled.
func CreateUser(entry, userStack uintptr) (*Thread, *kernel.Error) {
	t, err := allocateThread()
	if err != nil {
		return nil, err
	}
	t.kind = KindUser
	initRegisterFrame(t, entry, userStack, userCS, userSS)
	publish(t)
	return t, nil
}

// Clone creates a new thread that copies src's FPU state and the supplied
// trap frame (the parent's register state at the moment of the clone
// request, e.g. a fork-like syscall's entry frame). Cloning a kernel
// thread is refused: kernel threads are an implementation detail of this
// core, not something user code forks. The child starts in the ready
// state.
func Clone(src *Thread, trap *RegisterFrame) (*Thread, *kernel.Error) {
	if src.kind == KindKernel {
		return nil, errInvalidClone
	}

	t, err := allocateThread()
	if err != nil {
		return nil, err
	}
	t.kind = KindUser

	mem.Memcopy(src.fpuState, t.fpuState, fpuStateSize)

	frameAddr := t.stackTop - uintptr(sizeofRegisterFrame)
	regs := (*RegisterFrame)(ptrAt(frameAddr))
	*regs = *trap
	t.regs = regs
	t.state = StateReady

	publish(t)
	return t, nil
}

// Zombify transitions a thread to the zombie state. The exit code is
// accepted but not stored. The thread must already be off the scheduler's run queue;
// zombifying a thread still reachable from a run queue would let the
// scheduler dispatch a thread mid-teardown.
func Zombify(t *Thread, code int32) *kernel.Error {
	if list.Linked(&t.schedLink) {
		panicFn(errZombifyScheduled)
		return errZombifyScheduled
	}
	t.lock.Acquire()
	t.state = StateZombie
	t.lock.Release()
	_ = code
	return nil
}

// Destroy frees a zombie thread's kernel stack, FPU save area, and
// descriptor, and removes it from the global thread list and lookup
// table. The thread must already be a zombie.
func Destroy(t *Thread) *kernel.Error {
	if t.State() != StateZombie {
		return errDestroyNotZombie
	}

	vmfreeFn(t.stackBase)
	freeFn(t.fpuRaw)

	tidLock.Acquire()
	threadByTid[t.tid] = nil
	threadCount--
	tidLock.Release()

	list.Remove(&t.globalLink)
	if t.proc != nil {
		t.proc.RemoveThread(t)
	}
	return nil
}
