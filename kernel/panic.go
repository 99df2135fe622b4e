package kernel

import (
	"silicium/kernel/cpu"
	"silicium/kernel/kfmt/early"
)

// panicBanner brackets the diagnostic message Panic prints, top and bottom.
const panicBanner = "-----------------------------------"

var (
	// cpuHaltFn stops the CPU forever. Tests substitute a no-op here so
	// Panic can be exercised without halting the test binary.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints a diagnostic banner for e (if not nil) to the console and
// halts the CPU forever. It doubles as the redirection target for the Go
// runtime's own panic() (resolved via runtime.gopanic), so a slice
// out-of-bounds or nil dereference inside kernel code fails the same
// fail-stop way an explicit invariant violation does.
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	err := asKernelError(e)

	early.Printf("\n%s\n", panicBanner)
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***\n%s\n", panicBanner)

	cpuHaltFn()
}

// asKernelError normalizes whatever panic() or an explicit Panic call
// supplied into this kernel's own error type. Plain strings and stdlib
// errors collapse onto the shared errRuntimePanic value under the "rt"
// module tag, since a fresh allocation may not be available at panic time.
func asKernelError(e interface{}) *Error {
	switch t := e.(type) {
	case *Error:
		return t
	case string:
		errRuntimePanic.Message = t
		return errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		return errRuntimePanic
	default:
		return nil
	}
}
