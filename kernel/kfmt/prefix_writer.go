package kfmt

import "io"

// PrefixWriter is an io.Writer that starts every line written through it with
// Prefix. The HAL hands one to each driver's init function so that the
// driver's log lines carry the driver name and version.
//
// Output sent to a PrefixWriter with a nil Sink is kept in the early print
// buffer and replayed once an output sink is registered.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set while the last byte written was not a line feed.
	midLine bool
}

// Write sends p to the sink, emitting Prefix before the first byte of each
// line. The returned count covers the bytes of p only.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if err := w.emit(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := len(p)
		for i, c := range p {
			if c == '\n' {
				lineLen = i + 1
				break
			}
		}

		n, err := w.sink().Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = p[lineLen-1] != '\n'
		p = p[lineLen:]
	}

	return written, nil
}

func (w *PrefixWriter) emit(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := w.sink().Write(p)
	return err
}

func (w *PrefixWriter) sink() io.Writer {
	if w.Sink == nil {
		return &earlyPrintBuffer
	}
	return w.Sink
}
