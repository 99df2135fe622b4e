package early

import "testing"

func TestConsoleWrite(t *testing.T) {
	origVga, origSerial := vgaBufferFn, serialWriteByteFn
	defer func() { vgaBufferFn, serialWriteByteFn = origVga, origSerial }()

	var fb vgaBuffer
	vgaBufferFn = func() *vgaBuffer { return &fb }

	var serialOut []byte
	serialWriteByteFn = func(b byte) { serialOut = append(serialOut, b) }

	c := &console{}
	c.Write([]byte("hi"))

	if got := string(serialOut); got != "hi" {
		t.Errorf("expected serial mirror %q; got %q", "hi", got)
	}

	if fb[0] != 'h' || fb[2] != 'i' {
		t.Errorf("expected VGA cells to contain 'h','i'; got %q %q", fb[0], fb[2])
	}

	if c.col != 2 {
		t.Errorf("expected cursor column 2; got %d", c.col)
	}
}

func TestConsoleNewlineAndScroll(t *testing.T) {
	origVga, origSerial := vgaBufferFn, serialWriteByteFn
	defer func() { vgaBufferFn, serialWriteByteFn = origVga, origSerial }()

	var fb vgaBuffer
	vgaBufferFn = func() *vgaBuffer { return &fb }
	serialWriteByteFn = func(b byte) {}

	c := &console{}
	for i := 0; i < vgaRows+1; i++ {
		c.Write([]byte("x\n"))
	}

	if c.row != vgaRows-1 {
		t.Errorf("expected row to clamp at %d after scrolling; got %d", vgaRows-1, c.row)
	}
}
