package sched

import (
	"silicium/kernel/proc"
	"silicium/kernel/sync"
	"testing"
)

func resetSchedState(t *testing.T) {
	t.Helper()

	runQueue.Init()
	idleThread := proc.NewBareThread(0, proc.KindKernel, 0)
	Init(idleThread)

	origSwitch, origStack, origSave, origRestore := switchFn, setKernelStackFn, saveFPUFn, restoreFPUFn
	switchFn = func(*proc.RegisterFrame, *proc.RegisterFrame) {}
	setKernelStackFn = func(uintptr) {}
	saveFPUFn = func(uintptr) {}
	restoreFPUFn = func(uintptr) {}
	t.Cleanup(func() {
		switchFn, setKernelStackFn, saveFPUFn, restoreFPUFn = origSwitch, origStack, origSave, origRestore
	})
}

func TestNextReturnsIdleWhenQueueEmpty(t *testing.T) {
	resetSchedState(t)

	if got := next(); got != idle {
		t.Fatal("expected next() to return the idle thread with an empty run queue")
	}
}

func TestNextPrefersPositiveQuantumThread(t *testing.T) {
	resetSchedState(t)

	a := proc.NewBareThread(1, proc.KindKernel, DefaultQuantum)
	Enqueue(a)

	if got := next(); got != a {
		t.Fatal("expected the single ready thread with positive quantum to be selected")
	}
}

func TestNextRefillsWhenEveryQuantumExpired(t *testing.T) {
	resetSchedState(t)

	a := proc.NewBareThread(1, proc.KindKernel, 0)
	b := proc.NewBareThread(2, proc.KindKernel, 0)
	Enqueue(a)
	Enqueue(b)

	got := next()
	if got == nil || got == idle {
		t.Fatal("expected next() to refill quanta and select a thread rather than fall back to idle")
	}
	if got.Quantum() != DefaultQuantum {
		t.Fatalf("expected the refilled thread to carry a full DefaultQuantum; got %d", got.Quantum())
	}
}

func TestTwoThreadRoundRobinFairness(t *testing.T) {
	resetSchedState(t)

	a := proc.NewBareThread(1, proc.KindKernel, DefaultQuantum)
	b := proc.NewBareThread(2, proc.KindKernel, DefaultQuantum)
	Enqueue(a)
	Enqueue(b)

	Schedule() // dispatches a (current starts as idle)
	if Current() != a {
		t.Fatalf("expected thread a to be dispatched first; got tid %d", Current().Tid())
	}

	for i := 0; i < int(DefaultQuantum); i++ {
		Tick()
		MaybeSchedule()
	}

	if Current() != b {
		t.Fatalf("expected thread b to be dispatched after a's quantum is exhausted; got tid %d", Current().Tid())
	}

	for i := 0; i < int(DefaultQuantum); i++ {
		Tick()
		MaybeSchedule()
	}

	if Current() != a {
		t.Fatalf("expected thread a to be dispatched again once both quanta are refilled; got tid %d", Current().Tid())
	}
}

func TestIdleOnlyDispatchedWithEmptyRunQueue(t *testing.T) {
	resetSchedState(t)

	// With the run queue empty, next() must fall back to idle directly.
	if got := next(); got != idle {
		t.Fatalf("expected idle with an empty run queue; got tid %d", got.Tid())
	}

	// A single enqueued thread never yields to idle: once its quantum is
	// exhausted, next()'s refill-and-retry makes it runnable again before
	// idle is ever considered.
	a := proc.NewBareThread(1, proc.KindKernel, 1)
	Enqueue(a)

	Schedule()
	if Current() != a {
		t.Fatal("expected a to be dispatched while it still has quantum")
	}

	Tick() // exhausts a's single tick of quantum
	MaybeSchedule()

	if Current() != a {
		t.Fatalf("expected the sole ready thread to be re-dispatched via quantum refill rather than falling back to idle; got tid %d", Current().Tid())
	}
}

func TestScheduleSameNextIsNoop(t *testing.T) {
	resetSchedState(t)

	a := proc.NewBareThread(1, proc.KindKernel, DefaultQuantum)
	Enqueue(a)
	Schedule()
	if Current() != a {
		t.Fatal("expected a dispatched")
	}

	switchCalled := false
	switchFn = func(*proc.RegisterFrame, *proc.RegisterFrame) { switchCalled = true }

	Schedule() // a is still the sole, quantum-positive ready thread
	if switchCalled {
		t.Fatal("expected Schedule to be a no-op when the selected thread is already current")
	}
}

func TestScheduleWhilePreemptDisabledPanics(t *testing.T) {
	resetSchedState(t)

	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	var panicked bool
	panicFn = func(interface{}) { panicked = true }

	var lock sync.Spinlock
	lock.Acquire()
	defer lock.Release()

	Schedule()
	if !panicked {
		t.Fatal("expected Schedule to panic when called with preemption disabled")
	}
}
