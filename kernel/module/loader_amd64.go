// +build amd64

package module

// callFn performs an indirect call to a module's init or exit entry point,
// a bare code address with no Go closure environment to carry.
func callFn(addr uintptr)
