// Package kfmt implements the kernel's formatted output. Output is buffered in
// a ring buffer until an output sink is registered with SetOutputSink.
package kfmt

import (
	"fmt"
	"io"

	"github.com/veighnsche/LevitateOS-sub003/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink or, if no sink is registered, to the early print buffer.
//
// Subsystems prefix their messages with the module name in square brackets,
// e.g. "[pmm] ...".
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w. A nil w selects the
// early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	fmt.Fprintf(w, format, args...)
}

// sinkWriter forwards writes to the active output sink.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	outputLock.Acquire()
	defer outputLock.Release()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// PrefixedOutput returns a writer that sends its output to the active output
// sink and starts every line with prefix. Multi-line reports use it with
// Fprintf instead of repeating the module prefix in each format string.
func PrefixedOutput(prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: sinkWriter{}, Prefix: []byte(prefix)}
}
