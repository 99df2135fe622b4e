package mem

import "silicium/kernel"

// Memset and Memcopy forward to the allocation-free primitives in the
// top-level kernel package (kernel/mem_util.go), so that code already
// importing this package for its Size/PageSize constants does not also
// need a second import just to touch raw memory.
func Memset(addr uintptr, value byte, size Size) {
	kernel.Memset(addr, value, uintptr(size))
}

func Memcopy(src, dst uintptr, size Size) {
	kernel.Memcopy(src, dst, uintptr(size))
}
