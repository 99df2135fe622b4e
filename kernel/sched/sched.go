// Package sched implements the round-robin, quantum-accounted scheduler
// (C10). It owns the single run queue shared by every non-idle thread and
// the per-core idle thread dispatched when nothing else is ready.
package sched

import (
	"silicium/kernel"
	"silicium/kernel/irq"
	"silicium/kernel/list"
	"silicium/kernel/proc"
	"silicium/kernel/sync"
)

// DefaultQuantum is the number of ticks a freshly enqueued thread may run
// before its quantum reaches zero and it yields to the next ready thread.
const DefaultQuantum = 25

var (
	runQueue list.List
	rqLock   sync.Spinlock

	current *proc.Thread
	idle    *proc.Thread

	panicFn = kernel.Panic

	errScheduleWhilePreemptDisabled = &kernel.Error{Module: "sched", Message: "schedule called with preemption disabled"}

	switchFn         = archSwitch
	setKernelStackFn = archSetKernelStack
	saveFPUFn        = archSaveFPU
	restoreFPUFn     = archRestoreFPU
)

// Init installs idleThread as the thread dispatched whenever the run queue
// has no ready, quantum-positive thread, and as the initially current
// thread for this core. Must be called once, before the first Enqueue.
func Init(idleThread *proc.Thread) {
	runQueue.Init()
	idle = idleThread
	current = idleThread
	irq.SetRescheduleHook(MaybeSchedule)
}

// MaybeSchedule calls Schedule only if the current thread has asked to be
// preempted; this is the reschedule-on-return-path check the trap return
// path (C11) performs before restoring registers.
func MaybeSchedule() {
	if current.RescheduleRequested() {
		Schedule()
	}
}

// Current returns the thread presently dispatched on this core.
func Current() *proc.Thread { return current }

// Enqueue admits t to the run queue in the ready state. The idle thread is
// never enqueued: it is always implicitly resident and is returned by next
// only when no other ready thread has positive quantum.
func Enqueue(t *proc.Thread) {
	if t == idle {
		return
	}

	t.SetState(proc.StateReady)

	rqLock.Acquire()
	runQueue.PushBack(t.SchedLink())
	rqLock.Release()
}

// Dequeue removes t from the run queue, e.g. because it is about to sleep
// or be zombified. A no-op if t is not currently queued.
func Dequeue(t *proc.Thread) {
	rqLock.Acquire()
	if list.Linked(t.SchedLink()) {
		list.Remove(t.SchedLink())
	}
	rqLock.Release()
}

// next selects the first non-idle ready thread with quantum > 0. If every
// queued thread's quantum has reached zero, it refills everyone's quantum
// to DefaultQuantum and retries once; if the queue is simply empty, idle is
// returned.
func next() *proc.Thread {
	rqLock.Acquire()
	defer rqLock.Release()

	if t := firstRunnableLocked(); t != nil {
		return t
	}

	if !runQueue.Empty() {
		refillLocked()
		if t := firstRunnableLocked(); t != nil {
			return t
		}
	}

	return idle
}

func firstRunnableLocked() *proc.Thread {
	for h := runQueue.Front(); h != nil; h = runQueue.Next(h) {
		if t := proc.ThreadFromSchedLink(h); t.Quantum() > 0 {
			return t
		}
	}
	return nil
}

func refillLocked() {
	for h := runQueue.Front(); h != nil; h = runQueue.Next(h) {
		proc.ThreadFromSchedLink(h).SetQuantum(DefaultQuantum)
	}
}

// Tick decrements the current thread's quantum by one, treating the idle
// thread as always-expired, and sets the reschedule flag once it reaches
// zero. Called from the timer tick handler (C12) and the periodic
// interrupt's dispatch path.
func Tick() {
	if current == idle {
		current.SetReschedule(true)
		return
	}

	if current.DecQuantum() {
		current.SetReschedule(true)
	}
}

// Schedule is the preemption point. It requires preemption to be enabled
// (the preempt counter is zero); calling it otherwise is a programming
// error and panics. If the selected thread differs from current it saves
// FPU state if dirty, swaps address space context when crossing into a
// user thread with a different owning process, updates the TSS kernel
// stack pointer for the incoming user thread, and hands off via the
// architecture's save-and-switch primitive. Selecting the already-current
// thread is a no-op.
func Schedule() {
	if !sync.PreemptEnabled() {
		panicFn(errScheduleWhilePreemptDisabled)
		return
	}

	nextThread := next()
	prevThread := current
	if nextThread == prevThread {
		return
	}

	if prevThread.FPUDirty() {
		saveFPUFn(prevThread.FPUStateAddr())
		prevThread.SetFPUDirty(false)
	}

	prevProc := prevThread.Process()
	nextProc := nextThread.Process()
	if nextThread.Kind() == proc.KindUser && nextProc != nil && nextProc != prevProc {
		as := nextProc.AddressSpace()
		as.Set()
		as.Use()
		if prevProc != nil {
			prevProc.AddressSpace().Drop()
		}
	}

	if nextThread.Kind() == proc.KindUser {
		setKernelStackFn(nextThread.StackTop())
	}

	nextThread.SetReschedule(false)
	nextThread.SetState(proc.StateRunning)
	if prevThread.State() == proc.StateRunning {
		prevThread.SetState(proc.StateReady)
	}

	current = nextThread
	restoreFPUFn(nextThread.FPUStateAddr())

	prevRegs := prevThread.Registers()
	nextRegs := nextThread.Registers()
	switchFn(prevRegs, nextRegs)
}
