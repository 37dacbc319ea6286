package kfmt

import "io"

// earlyBufferSize bounds the output retained before an output sink is
// attached. It must be a power of 2.
const earlyBufferSize = 2048

// earlyBuffer retains the most recent earlyBufferSize bytes written to it.
// It holds the log lines produced before the serial port is up; when the
// buffer is full the oldest bytes are discarded and counted.
type earlyBuffer struct {
	data [earlyBufferSize]byte

	// head indexes the oldest retained byte; count bytes follow it.
	head, count int

	// dropped counts the bytes discarded since the last drain.
	dropped int
}

// Write appends p to the buffer. It never fails.
func (b *earlyBuffer) Write(p []byte) (int, error) {
	for _, c := range p {
		b.data[(b.head+b.count)&(earlyBufferSize-1)] = c
		if b.count < earlyBufferSize {
			b.count++
			continue
		}

		b.head = (b.head + 1) & (earlyBufferSize - 1)
		b.dropped++
	}

	return len(p), nil
}

// WriteTo drains the retained bytes, oldest first, into w. Bytes that w
// accepts are removed from the buffer even if w later returns an error.
func (b *earlyBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64

	for b.count > 0 {
		chunk := b.count
		if b.head+chunk > earlyBufferSize {
			chunk = earlyBufferSize - b.head
		}

		n, err := w.Write(b.data[b.head : b.head+chunk])
		total += int64(n)
		b.head = (b.head + n) & (earlyBufferSize - 1)
		b.count -= n

		switch {
		case err != nil:
			return total, err
		case n < chunk:
			return total, io.ErrShortWrite
		}
	}

	b.head = 0
	return total, nil
}

// reset discards all retained bytes and clears the drop counter.
func (b *earlyBuffer) reset() {
	b.head, b.count, b.dropped = 0, 0, 0
}
