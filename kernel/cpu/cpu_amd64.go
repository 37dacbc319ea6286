// Package cpu exposes the privileged amd64 instructions used by the kernel.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns true if the interrupt flag (IF) is set in RFLAGS.
func InterruptsEnabled() bool

// Halt disables interrupts and stops instruction execution. Halt never
// returns.
func Halt()

// FlushTLBEntry invalidates the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (the contents of the CR3 register).
func ActivePDT() uintptr

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
