// Package hal discovers the hardware the kernel talks to and hands out
// narrow capability interfaces for it.
package hal

import (
	"biboy/device"
	"biboy/device/serial"
	"biboy/device/video/fb"
	"biboy/kernel/kfmt"
	"bytes"
	"io"

	// Registers the keyboard driver.
	_ "biboy/device/keyboard"
)

// ByteIO is a byte-oriented, polled I/O channel.
type ByteIO interface {
	io.Writer
	WriteByte(byte) error
	ReadByte() (byte, bool)
}

// ScancodeReader returns raw keyboard scancodes without blocking.
type ScancodeReader interface {
	ReadScancode() (byte, bool)
}

// PixelSetter paints single pixels on an indexed framebuffer.
type PixelSetter interface {
	Set(x, y int, color uint8)
	Dimensions() (int, int)
}

// earlySerialPort is the subset of serial.Port used before any driver has
// been probed.
type earlySerialPort interface {
	ByteIO
	Init()
}

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	serial      ByteIO
	keyboard    ScancodeReader
	framebuffer PixelSetter

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	earlySerialFn = func() earlySerialPort { return serial.COM1Port() }
	driverListFn  = device.DriverList
)

// Serial returns the active serial port or nil.
func Serial() ByteIO {
	return devices.serial
}

// Keyboard returns the active keyboard or nil.
func Keyboard() ScancodeReader {
	return devices.keyboard
}

// Framebuffer returns the active framebuffer or nil.
func Framebuffer() PixelSetter {
	return devices.framebuffer
}

// InitEarlySerial programs COM1 and makes it the kfmt output sink. Anything
// logged before this call is replayed to the port.
func InitEarlySerial() {
	port := earlySerialFn()
	port.Init()

	devices.serial = port
	kfmt.SetOutputSink(port)
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers. Drivers that access memory-mapped hardware reach it through the
// physical memory window at physMemOffset.
func DetectHardware(physMemOffset uintptr) {
	fb.UsePhysMemOffset(physMemOffset)

	probe(driverListFn().Sorted())
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit records the first driver providing each capability.
func onDriverInit(drv device.Driver) {
	if port, ok := drv.(ByteIO); ok && devices.serial == nil {
		devices.serial = port
	}

	if kbd, ok := drv.(ScancodeReader); ok && devices.keyboard == nil {
		devices.keyboard = kbd
	}

	if pix, ok := drv.(PixelSetter); ok && devices.framebuffer == nil {
		devices.framebuffer = pix
	}
}
