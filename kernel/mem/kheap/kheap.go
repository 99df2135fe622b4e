// Package kheap implements the kernel's general-purpose allocator (C7): a
// size-class dispatch table over kernel/mem/slab pools, each lazily backed
// by kernel/mem/kvmalloc.
package kheap

import (
	"silicium/kernel"
	"silicium/kernel/kfmt"
	"silicium/kernel/mem/slab"
)

// sizeClasses lists the object sizes this allocator services, smallest
// first. malloc rounds a request up to the smallest class that fits it;
// free probes classes in the same order until one accepts the pointer.
var sizeClasses = [...]uintptr{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

// objPerSlab is a fixed fan-out used for every size class; larger classes
// simply consume more backing memory per slab.
const objPerSlab = 32

var (
	pools [len(sizeClasses)]*slab.Pool

	errTooLarge = &kernel.Error{Module: "kheap", Message: "allocation request exceeds the largest size class"}

	// printfSink forwards each write PrefixWriter makes to
	// kfmt.Printf, so errorLog below actually reaches the same console or
	// ring buffer every other kfmt.Printf call does.
	printfSink sinkFn = func(p []byte) { kfmt.Printf("%s", p) }

	// errorLog tags every caller-error message this package logs with the
	// component name, the way kfmt.PrefixWriter is meant to be used by any
	// subsystem that wants its diagnostic output attributable at a glance.
	errorLog = &kfmt.PrefixWriter{Sink: printfSink, Prefix: []byte("[kheap] ")}
)

// sinkFn adapts a plain function to io.Writer so errorLog can forward
// through kfmt.Printf without kheap depending on a concrete writer type.
type sinkFn func(p []byte)

func (f sinkFn) Write(p []byte) (int, error) {
	f(p)
	return len(p), nil
}

// Init creates the lazily-backed pool for every size class. Called once,
// after kernel/mem/kvmalloc.Init has registered itself as the slab
// package's backing allocator.
func Init() *kernel.Error {
	for i, size := range sizeClasses {
		p, err := slab.CreatePool(size, size, 0, objPerSlab, 0, slab.FlagLazy)
		if err != nil {
			return err
		}
		pools[i] = p
	}
	return nil
}

// classFor returns the index of the smallest size class able to hold n
// bytes, or -1 if n exceeds every class.
func classFor(n uintptr) int {
	for i, size := range sizeClasses {
		if n <= size {
			return i
		}
	}
	return -1
}

// Malloc allocates at least n bytes from the smallest size class that
// fits, returning 0 if n exceeds the largest class or the class's backing
// pool is exhausted. Requests above the largest class are a caller error,
// logged rather than silently satisfied by a larger-than-requested region.
func Malloc(n uintptr) (uintptr, *kernel.Error) {
	class := classFor(n)
	if class < 0 {
		kfmt.Fprintf(errorLog, "alloc request for %d bytes exceeds largest size class (%d)\n", n, sizeClasses[len(sizeClasses)-1])
		return 0, errTooLarge
	}
	return pools[class].Alloc()
}

// Free releases a pointer previously returned by Malloc. It probes size
// classes in ascending order until one recognizes the pointer as its own;
// a pointer not owned by any class is left untouched.
func Free(ptr uintptr) bool {
	for _, p := range pools {
		if p.Free(ptr) {
			return true
		}
	}
	return false
}
