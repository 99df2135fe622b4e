package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	missingArgText = []byte("(MISSING)")
	wrongTypeText  = []byte("%!(WRONGTYPE)")
	noVerbText     = []byte("%!(NOVERB)")
	extraArgText   = []byte("%!(EXTRA)")
	trueText       = []byte("true")
	falseText      = []byte("false")

	digitBuf = make([]byte, maxBufSize+1)

	// scratchByte is reused for every single-character emit below; walking
	// a format string or argument one byte at a time is the only way to
	// avoid the allocation a string-to-[]byte conversion would trigger.
	scratchByte = []byte{0}

	// preSinkBuffer holds whatever is printed before outputSink is set,
	// e.g. everything emitted while the console driver is still probing
	// hardware.
	preSinkBuffer ringBuffer

	// outputSink receives Printf's output once installed via
	// SetOutputSink; while nil, output goes to preSinkBuffer instead.
	outputSink io.Writer
)

// SetOutputSink installs w as the destination for future Printf calls and
// drains anything buffered in preSinkBuffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &preSinkBuffer)
	}
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go runtime has been properly initialized. This implementation
// does not allocate any memory.
//
// Similar to fmt.Printf, this version of printf supports the following
// subset of formatting verbs:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//              %o base 8
//              %d base 10
//              %x base 16, with lower-case letters for a-f
//
// Booleans:
//              %t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding
// the verb. If absent, the width is whatever is necessary to represent the
// value.
//
// String values with length less than the specified width will be
// left-padded with spaces. Integer values formatted as base-10 will also
// be left-padded with spaces. Integer values formatted as base-16 will be
// left-padded with zeroes.
//
// Printf supports all built-in string and integer types but assumes the Go
// itables have not been initialized yet, so it cannot check whether its
// arguments implement io.Stringer.
//
// Printf does not support printing pointers (%p): that requires importing
// reflect, and importing reflect makes the compiler emit calls to
// runtime.convT2E (which calls runtime.newobject) when assembling the
// argument slice, which would crash the kernel before memory management
// exists.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w. A nil w
// redirects to the pre-console ring buffer, same as an unset outputSink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		runStart, runEnd int
		argIdx           int
		fmtLen           = len(format)
	)

	flushRun := func(end int) {
		if runStart >= end {
			return
		}
		writeRun(w, format[runStart:end])
	}

	for runEnd < fmtLen {
		if format[runEnd] != '%' {
			runEnd++
			continue
		}

		flushRun(runEnd)

		verbStart := runEnd + 1
		width, verbIdx := scanWidth(format, verbStart)
		if verbIdx >= fmtLen {
			emit(w, noVerbText)
			runStart, runEnd = fmtLen, fmtLen
			break
		}

		switch verb := format[verbIdx]; {
		case verb == '%':
			emitByte(w, '%')
		case isKnownVerb(verb):
			if argIdx >= len(args) {
				emit(w, missingArgText)
			} else {
				applyVerb(w, verb, args[argIdx], width)
				argIdx++
			}
		default:
			emit(w, noVerbText)
		}

		runStart = verbIdx + 1
		runEnd = runStart
	}

	flushRun(runEnd)

	for ; argIdx < len(args); argIdx++ {
		emit(w, extraArgText)
	}
}

// scanWidth reads an optional decimal field-width prefix starting at idx
// and returns it along with the index of the verb byte that follows (which
// may be len(format) if the string ends mid-verb).
func scanWidth(format string, idx int) (width, verbIdx int) {
	for idx < len(format) {
		ch := format[idx]
		if ch < '0' || ch > '9' {
			return width, idx
		}
		width = width*10 + int(ch-'0')
		idx++
	}
	return width, idx
}

func isKnownVerb(verb byte) bool {
	switch verb {
	case 'd', 'x', 'o', 's', 't':
		return true
	default:
		return false
	}
}

// applyVerb dispatches a single formatting verb against arg, writing the
// result (padded to width where the verb supports it) to w.
func applyVerb(w io.Writer, verb byte, arg interface{}, width int) {
	switch verb {
	case 'o':
		writeInt(w, arg, 8, width)
	case 'd':
		writeInt(w, arg, 10, width)
	case 'x':
		writeInt(w, arg, 16, width)
	case 's':
		writeString(w, arg, width)
	case 't':
		writeBool(w, arg)
	}
}

// writeRun writes s one byte at a time so the string never needs a
// heap-allocating conversion to []byte.
func writeRun(w io.Writer, s string) {
	for i := 0; i < len(s); i++ {
		emitByte(w, s[i])
	}
}

func emitByte(w io.Writer, b byte) {
	scratchByte[0] = b
	emit(w, scratchByte)
}

func writeBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		emit(w, wrongTypeText)
		return
	}
	if b {
		emit(w, trueText)
	} else {
		emit(w, falseText)
	}
}

// writeString writes the uninterpreted bytes of a string or []byte,
// left-padding with spaces to width if the value is shorter.
func writeString(w io.Writer, v interface{}, width int) {
	switch val := v.(type) {
	case string:
		padWith(w, ' ', width-len(val))
		writeRun(w, val)
	case []byte:
		padWith(w, ' ', width-len(val))
		emit(w, val)
	default:
		emit(w, wrongTypeText)
	}
}

func padWith(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		emitByte(w, ch)
	}
}

// intMagnitude extracts the absolute value and sign of any built-in signed
// or unsigned integer type. ok is false for any other type.
func intMagnitude(v interface{}) (mag uint64, negative, ok bool) {
	switch val := v.(type) {
	case uint8:
		return uint64(val), false, true
	case uint16:
		return uint64(val), false, true
	case uint32:
		return uint64(val), false, true
	case uint64:
		return val, false, true
	case uintptr:
		return uint64(val), false, true
	case int8:
		return signedMagnitude(int64(val))
	case int16:
		return signedMagnitude(int64(val))
	case int32:
		return signedMagnitude(int64(val))
	case int64:
		return signedMagnitude(val)
	case int:
		return signedMagnitude(int64(val))
	default:
		return 0, false, false
	}
}

func signedMagnitude(v int64) (uint64, bool, bool) {
	if v < 0 {
		return uint64(-v), true, true
	}
	return uint64(v), false, true
}

// writeInt renders v in the requested base (8, 10, or 16), left-padded to
// width with zeroes (base 8/16) or spaces (base 10). It supports every
// built-in signed and unsigned integer type.
func writeInt(w io.Writer, v interface{}, base, width int) {
	mag, negative, ok := intMagnitude(v)
	if !ok {
		emit(w, wrongTypeText)
		return
	}

	if width >= maxBufSize {
		width = maxBufSize - 1
	}

	var padCh byte = ' '
	if base != 10 {
		padCh = '0'
	}

	pos := 0
	for {
		digit := mag % uint64(base)
		if digit < 10 {
			digitBuf[pos] = byte(digit) + '0'
		} else {
			digitBuf[pos] = byte(digit-10) + 'a'
		}
		pos++
		mag /= uint64(base)
		if mag == 0 {
			break
		}
	}

	for pos < width {
		digitBuf[pos] = padCh
		pos++
	}

	if negative {
		// Put the sign on the right-most blank slot if padding left room
		// for it; otherwise grow the buffer by one byte for it.
		blank := pos - 1
		for blank >= 0 && digitBuf[blank] == ' ' {
			blank--
		}
		if blank == pos-1 {
			pos++
		}
		digitBuf[blank+1] = '-'
	}

	reverseInPlace(digitBuf[:pos])
	emit(w, digitBuf[:pos])
}

func reverseInPlace(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// emit is a proxy that hides p from the compiler's escape analysis via
// hideFromEscapeAnalysis. Without this, the compiler cannot prove p does
// not escape through the not-yet-concrete io.Writer and conservatively
// flags it as escaping, which makes every call here route through
// runtime.convT2E (and the allocation that entails) before the Go
// allocator is initialized.
func emit(w io.Writer, p []byte) {
	emitNoEscape(w, hideFromEscapeAnalysis(unsafe.Pointer(&p)))
}

func emitNoEscape(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		preSinkBuffer.Write(p)
	}
}

// hideFromEscapeAnalysis is the runtime.noescape trick from
// runtime/stubs.go, reimplemented here since this package cannot import
// the runtime package's unexported helpers directly.
//go:nosplit
func hideFromEscapeAnalysis(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
