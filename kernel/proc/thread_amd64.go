// +build amd64

package proc

import "unsafe"

// Segment selector values matching the flat GDT layout every x86-64
// kernel of this shape installs: a null descriptor followed by kernel
// code/data and user code/data descriptors, with the user selectors'
// low two bits set for ring 3 (RPL=3).
const (
	kernelCS uint64 = 0x08
	kernelSS uint64 = 0x10
	userCS   uint64 = 0x1b
	userSS   uint64 = 0x23
)

var sizeofRegisterFrame = unsafe.Sizeof(RegisterFrame{})

func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
