package kfmt

import (
	"biboy/kernel"
	"biboy/kernel/cpu"
	"bytes"
	"errors"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		outputSink = nil
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
	)
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}
	SetOutputSink(&buf)

	const (
		frameTop    = "\n-----------------------------------\n"
		frameBottom = "*** kernel panic: system halted ***\n-----------------------------------\n"
	)

	specs := []struct {
		descr string
		arg   interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "heap", Message: "out of memory"},
			frameTop + "[heap] unrecoverable error: out of memory\n" + frameBottom,
		},
		{
			"with error",
			errors.New("go error"),
			frameTop + "[rt] unrecoverable error: go error\n" + frameBottom,
		},
		{
			"with string",
			"string error",
			frameTop + "[rt] unrecoverable error: string error\n" + frameBottom,
		},
		{
			"without error",
			nil,
			frameTop + frameBottom,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.arg)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}
