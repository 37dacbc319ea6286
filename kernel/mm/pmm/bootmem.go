// Package pmm provides the physical frame allocator used while the kernel
// bootstraps its memory subsystem.
package pmm

import (
	"biboy/kernel"
	"biboy/kernel/boot"
	"biboy/kernel/kfmt"
	"biboy/kernel/mm"
	"io"
	"math"
)

var (
	// ErrOutOfFrames is returned by AllocFrame once every usable frame
	// has been handed out.
	ErrOutOfFrames = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

	// ErrTooManyExclusions is returned by Exclude when the exclusion table
	// is full.
	ErrTooManyExclusions = &kernel.Error{Module: "boot_mem_alloc", Message: "too many excluded regions"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which
// is used to bootstrap the kernel.
//
// The allocator treats the usable regions of the memory map as one ascending
// stream of page-aligned frames and returns the next entry of that stream on
// each call. Frames overlapping an excluded range (the kernel image, the boot
// information block) are skipped. Since it keeps no state other than a cursor
// it can run before any other allocator exists. Frames can never be freed.
type BootMemAllocator struct {
	memMap boot.MemoryMap

	// excluded holds the physical ranges that must never be handed out.
	excluded      [boot.MaxReservedRanges]boot.MemoryRegion
	excludedCount int

	// issued counts AllocFrame calls, including failed ones.
	issued uint64

	// cursor is the index of the next candidate frame in the stream.
	cursor uint64
}

// NewBootMemAllocator returns an allocator that hands out the usable frames of
// m. The returned value must be addressable to call AllocFrame.
func NewBootMemAllocator(m boot.MemoryMap) BootMemAllocator {
	return BootMemAllocator{memMap: m}
}

// Exclude prevents the allocator from returning any frame that overlaps r.
// Empty regions are ignored.
func (alloc *BootMemAllocator) Exclude(r boot.MemoryRegion) *kernel.Error {
	if r.Size() == 0 {
		return nil
	}

	if alloc.excludedCount == len(alloc.excluded) {
		return ErrTooManyExclusions
	}

	alloc.excluded[alloc.excludedCount] = r
	alloc.excludedCount++
	return nil
}

// regionFrames returns the first frame index and frame count fully contained
// in r. Partial frames at either end are ignored.
func regionFrames(r boot.MemoryRegion) (first, count uint64) {
	const pageSizeMinus1 = uint64(mm.PageSize - 1)

	if r.Kind != boot.RegionUsable || r.Start > math.MaxUint64-pageSizeMinus1 {
		return 0, 0
	}

	first = (r.Start + pageSizeMinus1) >> mm.PageShift
	last := r.End >> mm.PageShift
	if last <= first {
		return 0, 0
	}

	return first, last - first
}

// candidate returns the frame at the supplied index of the usable frame
// stream.
func (alloc *BootMemAllocator) candidate(index uint64) (mm.Frame, bool) {
	for i := 0; i < alloc.memMap.Len(); i++ {
		first, count := regionFrames(alloc.memMap.Region(i))
		if index < count {
			return mm.Frame(first + index), true
		}
		index -= count
	}

	return mm.InvalidFrame, false
}

func (alloc *BootMemAllocator) isExcluded(frame mm.Frame) bool {
	frameRegion := boot.MemoryRegion{
		Start: uint64(frame.Address()),
		End:   uint64(frame.Address()) + uint64(mm.PageSize),
	}

	for i := 0; i < alloc.excludedCount; i++ {
		if alloc.excluded[i].Overlaps(frameRegion) {
			return true
		}
	}
	return false
}

// AllocFrame reserves the next free frame from the memory map.
//
// AllocFrame returns ErrOutOfFrames if no more memory can be allocated. Each
// call advances the internal cursor, even when it fails.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.issued++

	if alloc.memMap == nil {
		alloc.cursor++
		return mm.InvalidFrame, ErrOutOfFrames
	}

	for {
		frame, ok := alloc.candidate(alloc.cursor)
		alloc.cursor++

		if !ok {
			return mm.InvalidFrame, ErrOutOfFrames
		}

		if !alloc.isExcluded(frame) {
			return frame, nil
		}
	}
}

// Issued returns the number of AllocFrame calls made so far.
func (alloc *BootMemAllocator) Issued() uint64 {
	return alloc.issued
}

// TotalFrames returns the number of frames that the allocator can hand out
// in total.
func (alloc *BootMemAllocator) TotalFrames() uint64 {
	if alloc.memMap == nil {
		return 0
	}

	var total uint64
	for i := 0; i < alloc.memMap.Len(); i++ {
		first, count := regionFrames(alloc.memMap.Region(i))
		if alloc.excludedCount == 0 {
			total += count
			continue
		}

		for frame := first; frame < first+count; frame++ {
			if !alloc.isExcluded(mm.Frame(frame)) {
				total++
			}
		}
	}
	return total
}

// PrintMemoryMap writes the regions of m and the amount of usable memory to w.
func PrintMemoryMap(w io.Writer, m boot.MemoryMap) {
	kfmt.Fprintf(w, "[boot_mem_alloc] system memory map:\n")
	for i := 0; m != nil && i < m.Len(); i++ {
		region := m.Region(i)
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Start, region.End, region.Size(), region.Kind.String())
	}
	kfmt.Fprintf(w, "[boot_mem_alloc] available memory: %dKb\n", boot.UsableBytes(m)/uint64(mm.Kb))
}
