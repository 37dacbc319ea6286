package keyboard

import (
	"biboy/kernel/cpu"
	"testing"
)

// mockController replays a sequence of status bytes and hands out queued
// scancodes whenever the data port is read.
func mockController(status []uint8, data []uint8) (*[]uint8, func()) {
	portReadByteFn = func(port uint16) uint8 {
		switch port {
		case statusPort:
			if len(status) == 0 {
				return 0
			}
			s := status[0]
			status = status[1:]
			return s
		case dataPort:
			d := data[0]
			data = data[1:]
			return d
		}
		return 0
	}

	return &data, func() { portReadByteFn = cpu.PortReadByte }
}

func TestReadScancode(t *testing.T) {
	_, restore := mockController(
		[]uint8{0, statusOutputFull, statusOutputFull},
		[]uint8{ScancodeUp, ScancodeUp | releaseBit},
	)
	defer restore()

	var kbd PS2
	if _, ok := kbd.ReadScancode(); ok {
		t.Fatal("expected no scancode while the output buffer is empty")
	}

	specs := []struct {
		expCode     byte
		expReleased bool
	}{
		{ScancodeUp, false},
		{ScancodeUp, true},
	}

	for specIndex, spec := range specs {
		code, ok := kbd.ReadScancode()
		if !ok {
			t.Errorf("[spec %d] expected a scancode", specIndex)
			continue
		}

		key, released := Released(code)
		if key != spec.expCode || released != spec.expReleased {
			t.Errorf("[spec %d] expected key 0x%x (released: %t); got 0x%x (released: %t)", specIndex, spec.expCode, spec.expReleased, key, released)
		}
	}
}

func TestProbe(t *testing.T) {
	defer func() { portReadByteFn = cpu.PortReadByte }()

	specs := []struct {
		status    uint8
		expDriver bool
	}{
		{statusNoController, false},
		{0, true},
		{statusOutputFull, true},
	}

	for specIndex, spec := range specs {
		status := spec.status
		portReadByteFn = func(uint16) uint8 { return status }

		if drv := probeForPS2(); (drv != nil) != spec.expDriver {
			t.Errorf("[spec %d] expected driver present to be %t", specIndex, spec.expDriver)
		}
	}
}

func TestDriverInitDrainsBuffer(t *testing.T) {
	pending, restore := mockController(
		[]uint8{statusOutputFull, statusOutputFull, 0},
		[]uint8{0xfa, 0xaa},
	)
	defer restore()

	if err := ps2.DriverInit(nil); err != nil {
		t.Fatal(err)
	}

	if len(*pending) != 0 {
		t.Fatalf("expected DriverInit to drain the output buffer; %d bytes left", len(*pending))
	}

	if name := ps2.DriverName(); name != "ps2_keyboard" {
		t.Fatalf("unexpected driver name %q", name)
	}
}
