package early

import (
	"io"
	"silicium/kernel/cpu"
	"unsafe"
)

const (
	vgaCols = 80
	vgaRows = 25
	// vgaAddr is the identity-mapped physical/virtual address of the VGA
	// text-mode buffer. It is valid as soon as the bootloader hands off
	// control, long before the vmm has established any mappings of its
	// own.
	vgaAddr = uintptr(0xb8000)

	// serialPort is the I/O port of the first UART (COM1), used as a
	// second, line-oriented sink for early boot output so logs survive
	// even if the VGA buffer is never displayed (e.g. headless/qemu -nographic).
	serialPort = uint16(0x3f8)

	vgaAttr = byte(0x07) // light grey on black
)

type vgaBuffer [vgaRows * vgaCols * 2]byte

// vgaBufferFn returns the VGA text buffer to write to. Tests override it to
// point at a plain byte slice instead of the real hardware buffer.
var vgaBufferFn = func() *vgaBuffer {
	return (*vgaBuffer)(unsafe.Pointer(vgaAddr))
}

// serialWriteByteFn sends a single byte out over the serial port. Tests
// override it to avoid touching real I/O ports.
var serialWriteByteFn = func(b byte) {
	const lineStatusPort = serialPort + 5
	const txReadyBit = 1 << 5

	for cpu.Inb(lineStatusPort)&txReadyBit == 0 {
	}
	cpu.Outb(serialPort, b)
}

// console is the default early-boot output sink: every byte is mirrored to
// the VGA text buffer (for a locally attached display) and to the serial
// port (for headless/qemu logging).
type console struct {
	row, col int
}

var activeConsole = &console{}

// outputSink, when non-nil, receives every byte Printf would otherwise send
// to the VGA/serial console. Tests use SetOutputSink to capture output
// without touching real hardware registers; Panic and the boot path leave it
// nil so output always reaches the console.
var outputSink io.Writer

// SetOutputSink redirects Printf output to w instead of the VGA buffer and
// serial port. Passing nil restores the default console.
func SetOutputSink(w io.Writer) {
	outputSink = w
}

func emitByte(b byte) {
	if outputSink != nil {
		outputSink.Write([]byte{b})
		return
	}
	activeConsole.writeByte(b)
}

func emit(p []byte) {
	if outputSink != nil {
		outputSink.Write(p)
		return
	}
	activeConsole.Write(p)
}

func (c *console) Write(p []byte) (int, error) {
	for _, b := range p {
		c.writeByte(b)
	}
	return len(p), nil
}

func (c *console) writeByte(b byte) {
	serialWriteByteFn(b)

	if b == '\n' {
		c.row++
		c.col = 0
		c.scrollIfNeeded()
		return
	}

	cells := vgaBufferFn()
	offset := (c.row*vgaCols + c.col) * 2
	cells[offset] = b
	cells[offset+1] = vgaAttr

	c.col++
	if c.col >= vgaCols {
		c.col = 0
		c.row++
	}
	c.scrollIfNeeded()
}

func (c *console) scrollIfNeeded() {
	if c.row < vgaRows {
		return
	}

	cells := vgaBufferFn()
	copy(cells[0:], cells[vgaCols*2:])
	for i := (vgaRows - 1) * vgaCols * 2; i < vgaRows*vgaCols*2; i += 2 {
		cells[i] = ' '
		cells[i+1] = vgaAttr
	}
	c.row = vgaRows - 1
}
