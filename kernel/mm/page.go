package mm

import (
	"biboy/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve a frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(AlignDown(physAddr, PageSize) >> PageShift)
}

// FrameAllocatorFn is a function that can allocate physical frames. Page
// table code receives one explicitly whenever it may need to create a table.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte of this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(AlignDown(virtAddr, PageSize) >> PageShift)
}

// PageCount returns the number of pages touched by the inclusive byte range
// [start, start+size-1]. A zero size touches no pages.
func PageCount(start, size uintptr) uintptr {
	if size == 0 {
		return 0
	}
	return uintptr(PageFromAddress(start+size-1)-PageFromAddress(start)) + 1
}
