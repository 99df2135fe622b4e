// Package sync provides the kernel's spinlock and the preemption counter
// its acquisitions maintain.
package sync

import "sync/atomic"

var (
	// TODO: replace with real yield function when context-switching is implemented.
	yieldFn func()

	// preemptCount is incremented on every lock acquisition and decremented
	// on every release, so that nested lock holders never re-enable
	// preemption too early. It is per-CPU data on a multi-core port; this
	// core targets a single core and keeps it as one global counter.
	preemptCount uint32

	// disableInterruptsFn/enableInterruptsFn are overridden by tests. When
	// compiling the kernel they are inlined away to cpu.DisableInterrupts
	// and cpu.EnableInterrupts via SetInterruptControl.
	disableInterruptsFn = func() {}
	enableInterruptsFn  = func() {}
)

// SetInterruptControl wires the spinlock's preempt-disable discipline to the
// architecture's interrupt mask primitives. Called once during boot, before
// any Spinlock is acquired, to break the import cycle between this package
// and the cpu package it would otherwise need to import directly.
func SetInterruptControl(disable, enable func()) {
	disableInterruptsFn = disable
	enableInterruptsFn = enable
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Acquiring a Spinlock disables interrupts
// and increments the preemption counter; Release decrements it and only
// re-enables interrupts once the count reaches zero, so nested acquisitions
// compose correctly.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	disableInterruptsFn()
	atomic.AddUint32(&preemptCount, 1)
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise. On success, preemption is disabled exactly
// as in Acquire; on failure, the caller holds nothing and must not call
// Release.
func (l *Spinlock) TryToAcquire() bool {
	disableInterruptsFn()
	atomic.AddUint32(&preemptCount, 1)
	if atomic.SwapUint32(&l.state, 1) == 0 {
		return true
	}
	atomic.AddUint32(&preemptCount, ^uint32(0))
	if atomic.LoadUint32(&preemptCount) == 0 {
		enableInterruptsFn()
	}
	return false
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect on the lock state, but still
// decrements the preemption counter, so Acquire/Release calls must be
// strictly paired.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
	if atomic.AddUint32(&preemptCount, ^uint32(0)) == 0 {
		enableInterruptsFn()
	}
}

// PreemptCount returns the current nesting depth of held spinlocks. The
// scheduler's preemption point requires this to be zero before dispatching.
func PreemptCount() uint32 {
	return atomic.LoadUint32(&preemptCount)
}

// PreemptEnabled reports whether preemption is currently allowed, i.e. no
// Spinlock is held anywhere on this core.
func PreemptEnabled() bool {
	return PreemptCount() == 0
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
