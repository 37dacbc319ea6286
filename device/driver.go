// Package device defines the contract between hardware drivers and the HAL.
package device

import (
	"biboy/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it or nil if the hardware is
// not present.
type ProbeFn func() Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the HAL. Lower values are probed first.
type DetectOrder int8

const (
	// DetectOrderEarly is used by drivers for devices that other drivers
	// log through, such as the serial port.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderNormal is the default order for drivers.
	DetectOrderNormal DetectOrder = 0

	// DetectOrderLast is used by drivers that depend on every other device
	// being up.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is passed to RegisterDriver by each driver package.
type DriverInfo struct {
	// Order selects the detection stage at which Probe runs.
	Order DetectOrder

	// Probe checks for the presence of the device and returns a driver
	// for it, or nil.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers.
type DriverInfoList []*DriverInfo

// Sorted returns a copy of the list ordered by DetectOrder. Drivers sharing
// an order keep their registration order, so probing is deterministic.
func (l DriverInfoList) Sorted() DriverInfoList {
	sorted := make(DriverInfoList, len(l))
	copy(sorted, l)

	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Order < sorted[j-1].Order; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	return sorted
}

// registeredDrivers holds the drivers in registration order.
var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list of registered drivers. Drivers
// register themselves from init blocks.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the registered drivers in registration order.
func DriverList() DriverInfoList {
	return registeredDrivers
}
