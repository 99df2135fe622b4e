package module

import (
	"silicium/kernel/boot"
	"silicium/kernel/sync"
)

// symTableBuckets is the bucket count for the kernel's exported-symbol
// table, a chained-bucket hash keyed by name (C13).
const symTableBuckets = 256

type symEntry struct {
	name  string
	value uintptr
	next  *symEntry
}

var (
	buckets    [symTableBuckets]*symEntry
	symtabLock sync.Spinlock
)

// fnv1a is the hash used to bucket symbol names; chosen for being a
// single-pass, allocation-free string hash cheap enough to run on every
// lookup.
func fnv1a(name string) uint32 {
	const (
		offsetBasis = 2166136261
		prime       = 16777619
	)
	h := uint32(offsetBasis)
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= prime
	}
	return h
}

func bucketFor(name string) *symEntry {
	return buckets[fnv1a(name)%symTableBuckets]
}

func insertLocked(name string, value uintptr) {
	idx := fnv1a(name) % symTableBuckets
	buckets[idx] = &symEntry{name: name, value: value, next: buckets[idx]}
}

// BuildFromKernel populates the symbol table from the kernel's own symbol
// table as reported by the boot stage, filtering to globally visible
// function and object symbols (the kinds a module may legitimately import).
// Called once at boot, before the first module Load.
func BuildFromKernel() {
	symtabLock.Acquire()
	defer symtabLock.Release()

	for _, s := range boot.ElfSymbols() {
		if !s.Global || !(s.IsFunc || s.IsObj) {
			continue
		}
		insertLocked(s.Name, s.Value)
	}
}

// Add registers a single symbol directly, bypassing the kernel image scan.
// Unused by this core: newly loaded modules do not currently contribute
// symbols back to the global table (an open question the source leaves
// unresolved; see DESIGN.md). Kept so a future module-export policy has
// somewhere to plug in without changing the table's shape.
func Add(name string, value uintptr) {
	symtabLock.Acquire()
	defer symtabLock.Release()
	insertLocked(name, value)
}

// Get returns the value of name, or 0 if no such symbol is exported.
func Get(name string) uintptr {
	symtabLock.Acquire()
	defer symtabLock.Release()

	for e := bucketFor(name); e != nil; e = e.next {
		if e.name == name {
			return e.value
		}
	}
	return 0
}
