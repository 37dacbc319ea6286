// Package serial drives a 16550-compatible UART.
package serial

import (
	"biboy/device"
	"biboy/kernel"
	"biboy/kernel/cpu"
	"biboy/kernel/kfmt"
	"io"
)

// COM1 is the I/O base port of the first serial port.
const COM1 = uint16(0x3f8)

// Register offsets relative to the port base.
const (
	regData         = 0 // DLL while DLAB is set
	regIntEnable    = 1 // DLM while DLAB is set
	regFIFOControl  = 2
	regLineControl  = 3
	regModemControl = 4
	regLineStatus   = 5
)

const (
	lineStatusDataReady   = 1 << 0
	lineStatusTxHoldEmpty = 1 << 5
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	// com1 is statically allocated so that it can serve as the kernel's
	// log sink before the heap is ready.
	com1 = Port{base: COM1}
)

// Port is a 16550 UART.
type Port struct {
	base uint16
}

// COM1Port returns the port at COM1.
func COM1Port() *Port {
	return &com1
}

// Init programs the UART for 38400 baud, 8 data bits, no parity and one
// stop bit with FIFOs enabled.
func (p *Port) Init() {
	portWriteByteFn(p.base+regIntEnable, 0x00)    // disable interrupts
	portWriteByteFn(p.base+regLineControl, 0x80)  // enable DLAB
	portWriteByteFn(p.base+regData, 0x03)         // divisor low byte: 38400 baud
	portWriteByteFn(p.base+regIntEnable, 0x00)    // divisor high byte
	portWriteByteFn(p.base+regLineControl, 0x03)  // 8N1, clear DLAB
	portWriteByteFn(p.base+regFIFOControl, 0xc7)  // enable and clear FIFOs, 14-byte threshold
	portWriteByteFn(p.base+regModemControl, 0x0b) // DTR, RTS, OUT2
}

// WriteByte blocks until the transmit holding register is empty and then
// sends b. It implements io.ByteWriter and never fails.
func (p *Port) WriteByte(b byte) error {
	for portReadByteFn(p.base+regLineStatus)&lineStatusTxHoldEmpty == 0 {
	}

	portWriteByteFn(p.base+regData, b)
	return nil
}

// Write sends each byte of data through the port.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		p.WriteByte(b)
	}
	return len(data), nil
}

// ReadByte returns the next received byte if one is available.
func (p *Port) ReadByte() (byte, bool) {
	if portReadByteFn(p.base+regLineStatus)&lineStatusDataReady == 0 {
		return 0, false
	}
	return portReadByteFn(p.base + regData), true
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "serial_16550"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit initializes this driver.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.Init()
	kfmt.Fprintf(w, "port 0x%x\n", p.base)
	return nil
}

func probeForCOM1() device.Driver {
	return COM1Port()
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForCOM1,
	})
}
