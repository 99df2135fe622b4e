// +build amd64

package sched

import "silicium/kernel/proc"

// archSwitch performs the final save-and-switch between two threads: it
// saves the processor state reachable from prev's RegisterFrame, loads
// next's, and resumes execution there. It does not return to its caller in
// the conventional sense when prev != next; execution continues wherever
// next last left off (its own return from a prior archSwitch, or its
// initial register frame for a thread that has never run).
func archSwitch(prev, next *proc.RegisterFrame)

// archSetKernelStack updates the TSS's ring-0 stack pointer (RSP0) field so
// that the next privilege-level transition into the kernel lands on top,
// which must point at the incoming user thread's kernel stack.
func archSetKernelStack(top uintptr)

// archSaveFPU writes the processor's current FXSAVE-format FPU/SSE state to
// dst, a 16-byte-aligned 512-byte area.
func archSaveFPU(dst uintptr)

// archRestoreFPU loads the processor's FPU/SSE state from src, a
// 16-byte-aligned 512-byte area previously populated by archSaveFPU.
func archRestoreFPU(src uintptr)
