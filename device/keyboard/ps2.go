// Package keyboard provides polled access to a PS/2 keyboard controller.
package keyboard

import (
	"biboy/device"
	"biboy/kernel"
	"biboy/kernel/cpu"
	"io"
)

const (
	dataPort   = uint16(0x60)
	statusPort = uint16(0x64)

	statusOutputFull = 1 << 0

	// A floating bus reads as all ones when no controller is present.
	statusNoController = 0xff
)

// Set 1 make codes for the keys used as joypad input.
const (
	ScancodeRight  = 0x4d
	ScancodeLeft   = 0x4b
	ScancodeUp     = 0x48
	ScancodeDown   = 0x50
	ScancodeA      = 0x2c // Z
	ScancodeB      = 0x2d // X
	ScancodeSelect = 0x39 // space
	ScancodeStart  = 0x1c // enter

	// releaseBit is set on break codes.
	releaseBit = 0x80
)

var (
	portReadByteFn = cpu.PortReadByte

	ps2 PS2
)

// PS2 reads scancodes from the 8042 controller by polling.
type PS2 struct{}

// ReadScancode returns the next scancode if the controller output buffer
// holds one.
func (k *PS2) ReadScancode() (byte, bool) {
	if portReadByteFn(statusPort)&statusOutputFull == 0 {
		return 0, false
	}
	return portReadByteFn(dataPort), true
}

// Released reports whether code is a break code and returns the make code
// of the key it refers to.
func Released(code byte) (byte, bool) {
	return code &^ releaseBit, code&releaseBit != 0
}

// DriverName returns the name of this driver.
func (k *PS2) DriverName() string {
	return "ps2_keyboard"
}

// DriverVersion returns the version of this driver.
func (k *PS2) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit initializes this driver.
func (k *PS2) DriverInit(_ io.Writer) *kernel.Error {
	// Drain anything the firmware left in the output buffer.
	for {
		if _, ok := k.ReadScancode(); !ok {
			return nil
		}
	}
}

func probeForPS2() device.Driver {
	if portReadByteFn(statusPort) == statusNoController {
		return nil
	}
	return &ps2
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderNormal,
		Probe: probeForPS2,
	})
}
