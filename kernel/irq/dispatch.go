package irq

import (
	"silicium/kernel"
	"silicium/kernel/sync"
)

// TrapType classifies which of the three kinds of trap-frame-shaped event
// reached the common entry stub, decoded from the vector rather than via
// any form of runtime subclassing.
type TrapType uint8

const (
	TrapException TrapType = iota
	TrapIRQ
	TrapSyscall
)

// IRQNum identifies a hardware interrupt request line.
type IRQNum uint8

// IRQHandler services one hardware IRQ. It runs with interrupts disabled on
// entry to the dispatcher and must not block.
type IRQHandler func(IRQNum)

var (
	irqHandlers [256]IRQHandler
	irqLock     sync.Spinlock

	errIRQBusy = &kernel.Error{Module: "irq", Message: "irq already has a registered handler"}

	// ackIRQFn signals end-of-interrupt to the platform's interrupt
	// controller once a handler has run. The controller itself (PIC/APIC)
	// is out of scope for this core; seam so tests never touch hardware.
	ackIRQFn = ackIRQ

	// rescheduleFn is wired by the scheduler package (C10) during boot to
	// break the import cycle a direct dependency on sched would create.
	rescheduleFn = func() {}
)

// RegisterIRQ installs handler for num. At most one handler may be
// registered per IRQ; a conflicting registration returns errIRQBusy rather
// than overwriting the existing handler.
func RegisterIRQ(num IRQNum, handler IRQHandler) *kernel.Error {
	irqLock.Acquire()
	defer irqLock.Release()

	if irqHandlers[num] != nil {
		return errIRQBusy
	}
	irqHandlers[num] = handler
	return nil
}

// UnregisterIRQ removes whatever handler is registered for num, if any.
func UnregisterIRQ(num IRQNum) {
	irqLock.Acquire()
	irqHandlers[num] = nil
	irqLock.Release()
}

// DispatchIRQ is invoked by the common entry stub for a hardware interrupt
// vector. It looks up the registered handler, runs it if present, and
// always acknowledges the controller afterwards so a missing driver never
// wedges the interrupt line.
func DispatchIRQ(num IRQNum) {
	irqLock.Acquire()
	handler := irqHandlers[num]
	irqLock.Release()

	if handler != nil {
		handler(num)
	}
	ackIRQFn(num)
}

// SetRescheduleHook installs the function the return-from-trap path calls
// to give the scheduler a chance to run. Installed once by the scheduler
// package during boot.
func SetRescheduleHook(fn func()) {
	rescheduleFn = fn
}

// CheckReschedule is called on every trap return path, after the
// trap-specific dispatch (exception, IRQ, or syscall) has completed and
// before registers are restored and the return-from-trap instruction
// executes. It is a no-op unless preemption is enabled; the scheduler's own
// entry point re-checks this invariant and panics if violated, but calling
// it from inside a still-held spinlock's critical section must never
// happen, since that would attempt to reschedule with preemption disabled.
func CheckReschedule() {
	if !sync.PreemptEnabled() {
		return
	}
	rescheduleFn()
}
