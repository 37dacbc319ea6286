// Package kfmt implements the kernel's logging and panic output. Everything in
// this package must work before the heap arena is ready, so none of it is
// allowed to allocate memory.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf = []byte("012345678901234567890123456789012")

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output emitted before an output
	// sink has been registered.
	earlyPrintBuffer earlyBuffer

	// outputSink is the io.Writer that receives Printf output. While nil,
	// output is captured by earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and replays
// any data accumulated in the early print buffer. If the buffer overflowed,
// the replay is preceded by a line reporting how many bytes were lost.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w == nil {
		return
	}

	if dropped := earlyPrintBuffer.dropped; dropped != 0 {
		earlyPrintBuffer.dropped = 0
		Fprintf(w, "[kfmt] %d bytes of early output lost\n", dropped)
	}
	earlyPrintBuffer.WriteTo(w)
}

// GetOutputSink returns the currently active output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that can be safely used
// before the heap arena and the Go allocator have been initialized.
//
// The following subset of fmt verbs is supported:
//
//	%s  string or []byte
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16 (lower-case)
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10 numbers
// are left-padded with spaces; base-8 and base-16 numbers with zeroes.
//
// Arguments are never checked for fmt.Stringer support as the itables may
// not have been initialized yet. Pointers (%p) are not supported since that
// would require the reflect package which makes the compiler emit allocating
// conversions for the argument slice.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		padLen   int
		fmtLen   = len(format)
	)

	for index := 0; index < fmtLen; index++ {
		if format[index] != '%' {
			writeByte(w, format[index])
			continue
		}

		// Scan the width digits till we hit the verb
		padLen = 0
		index++
		for ; index < fmtLen && format[index] >= '0' && format[index] <= '9'; index++ {
			padLen = (padLen * 10) + int(format[index]-'0')
		}

		if index == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[index]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'o':
			fmtInt(w, args[argIndex], 8, padLen)
		case 'd':
			fmtInt(w, args[argIndex], 10, padLen)
		case 'x':
			fmtInt(w, args[argIndex], 16, padLen)
		case 's':
			fmtString(w, args[argIndex], padLen)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		// converting the string to a byte slice triggers a memory
		// allocation so it is written out one byte at a time.
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

// toUint64 converts any built-in integer value into its magnitude and sign.
func toUint64(v interface{}) (magnitude uint64, negative, ok bool) {
	var sval int64

	switch castedVal := v.(type) {
	case uint8:
		return uint64(castedVal), false, true
	case uint16:
		return uint64(castedVal), false, true
	case uint32:
		return uint64(castedVal), false, true
	case uint64:
		return castedVal, false, true
	case uint:
		return uint64(castedVal), false, true
	case uintptr:
		return uint64(castedVal), false, true
	case int8:
		sval = int64(castedVal)
	case int16:
		sval = int64(castedVal)
	case int32:
		sval = int64(castedVal)
	case int64:
		sval = castedVal
	case int:
		sval = int64(castedVal)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	uval, negative, ok := toUint64(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// Digits are generated in reverse order and flipped at the end
	var right int
	for right < maxBufSize {
		digit := uval % uint64(base)
		if digit < 10 {
			numFmtBuf[right] = byte(digit) + '0'
		} else {
			numFmtBuf[right] = byte(digit-10) + 'a'
		}
		right++

		if uval /= uint64(base); uval == 0 {
			break
		}
	}

	for ; right < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	// The sign replaces the leftmost pad space if there is one; otherwise
	// it is appended as an extra character.
	if negative {
		end := right - 1
		for ; end >= 0 && numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}
		numFmtBuf[end+1] = '-'
	}

	for left, last := 0, right-1; left < last; left, last = left+1, last-1 {
		numFmtBuf[left], numFmtBuf[last] = numFmtBuf[last], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[:right])
}

// writeByte emits a single byte through the shared singleByte buffer.
func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without it the compiler cannot tell that p
// does not escape through the io.Writer interface call and makes every Printf
// call site allocate, which crashes the kernel when logging runs before the
// heap arena is ready.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
