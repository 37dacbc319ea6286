package heap

import (
	"biboy/kernel"
	"biboy/kernel/mm"
)

const (
	// minBlockSize is the allocation granule. Every block start and size
	// is a multiple of it so a zero-sized request still gets a unique
	// address.
	minBlockSize = uintptr(16)

	// maxFreeExtents bounds the number of disjoint free extents that the
	// arena can track.
	maxFreeExtents = 256

	maxAddr = ^uintptr(0)
)

var (
	// ErrOutOfMemory is returned when the arena is not ready or cannot
	// satisfy an allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrAlreadyInitialized is returned when trying to initialize the arena
	// or the heap region more than once.
	ErrAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}

	// ErrInvalidRegion is returned by Arena.Init for an empty region or one
	// that wraps around the address space.
	ErrInvalidRegion = &kernel.Error{Module: "heap", Message: "invalid arena region"}

	// ErrInvalidAlignment is returned for alignments that are not a power
	// of two.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}

	// ErrInvalidFree is returned when a block passed to Deallocate does not
	// describe live memory owned by the arena.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "invalid free"}
)

// ArenaState describes the lifecycle of an Arena.
type ArenaState uint8

const (
	// ArenaEmpty is the initial state; all allocations fail.
	ArenaEmpty ArenaState = iota

	// ArenaReady is entered after a successful Init and never left.
	ArenaReady
)

// extent is the free address range [start, end).
type extent struct {
	start, end uintptr
}

// ArenaStats is a snapshot of the arena bookkeeping.
type ArenaStats struct {
	// Base and Size describe the region passed to Init.
	Base, Size uintptr

	// FreeBytes is the total size of all free extents.
	FreeBytes uintptr

	// LargestFree is the size of the largest free extent.
	LargestFree uintptr

	// Allocations is the number of live allocations.
	Allocations uint64

	// LeakedBytes counts freed bytes that could not be returned to the
	// free set because the extent table was full.
	LeakedBytes uintptr
}

// Arena is a first-fit allocator for a fixed address range. The free set is
// kept in an address-ordered extent table that lives inside the Arena value,
// so the arena never reads or writes the memory that it manages and needs no
// allocator of its own.
//
// An Arena is not safe for concurrent use; the package-level functions wrap
// the kernel's arena with an interrupt-safe spinlock.
type Arena struct {
	base, size uintptr
	state      ArenaState

	free      [maxFreeExtents]extent
	freeCount int

	allocations uint64
	leaked      uintptr
}

// State returns the current arena state.
func (a *Arena) State() ArenaState {
	return a.state
}

// Init hands the region [base, base+size) over to the arena and moves it to
// the ArenaReady state. The usable range is shrunk to minBlockSize boundaries.
func (a *Arena) Init(base, size uintptr) *kernel.Error {
	if a.state != ArenaEmpty {
		return ErrAlreadyInitialized
	}

	if size == 0 || base > maxAddr-size || base > maxAddr-(minBlockSize-1) {
		return ErrInvalidRegion
	}

	start, end := mm.AlignUp(base, minBlockSize), mm.AlignDown(base+size, minBlockSize)
	if end <= start {
		return ErrInvalidRegion
	}

	a.base, a.size = base, size
	a.free[0] = extent{start: start, end: end}
	a.freeCount = 1
	a.state = ArenaReady
	return nil
}

// blockSize rounds size up to the allocation granule. It returns false if
// the rounded size does not fit in a uintptr.
func blockSize(size uintptr) (uintptr, bool) {
	if size == 0 {
		return minBlockSize, true
	}

	if size > maxAddr-(minBlockSize-1) {
		return 0, false
	}

	return mm.AlignUp(size, minBlockSize), true
}

// Allocate reserves a block of at least size bytes whose address is a
// multiple of align. An align of 0 is treated as 1. Zero-sized requests are
// served with a minimum-sized block. Until the arena is Ready every request
// fails with ErrOutOfMemory, whatever its alignment.
func (a *Arena) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	if a.state != ArenaReady {
		return 0, ErrOutOfMemory
	}

	if align == 0 {
		align = 1
	}

	if !mm.IsPowerOfTwo(align) {
		return 0, ErrInvalidAlignment
	}

	size, ok := blockSize(size)
	if !ok {
		return 0, ErrOutOfMemory
	}

	if align < minBlockSize {
		align = minBlockSize
	}

	for i := 0; i < a.freeCount; i++ {
		e := a.free[i]
		if e.start > maxAddr-(align-1) {
			continue
		}

		blockStart := mm.AlignUp(e.start, align)
		if blockStart >= e.end || e.end-blockStart < size {
			continue
		}

		blockEnd := blockStart + size
		switch {
		case blockStart == e.start && blockEnd == e.end:
			a.removeExtent(i)
		case blockStart == e.start:
			a.free[i].start = blockEnd
		case blockEnd == e.end:
			a.free[i].end = blockStart
		default:
			// Carving out the middle of the extent needs one more
			// slot; skip the extent if the table is full.
			if a.freeCount == maxFreeExtents {
				continue
			}
			a.free[i].end = blockStart
			a.insertExtent(i+1, extent{start: blockEnd, end: e.end})
		}

		a.allocations++
		return blockStart, nil
	}

	return 0, ErrOutOfMemory
}

// Deallocate returns a block previously obtained from Allocate with the same
// size and align arguments. Neighbouring free extents are merged.
func (a *Arena) Deallocate(ptr, size, align uintptr) *kernel.Error {
	if align == 0 {
		align = 1
	}

	if a.state != ArenaReady || !mm.IsPowerOfTwo(align) || ptr%minBlockSize != 0 || ptr%align != 0 {
		return ErrInvalidFree
	}

	size, ok := blockSize(size)
	if !ok || ptr < a.base || ptr > maxAddr-size || ptr+size > a.base+a.size {
		return ErrInvalidFree
	}

	end := ptr + size

	// Find the first extent that starts at or after ptr.
	index := 0
	for ; index < a.freeCount && a.free[index].start < ptr; index++ {
	}

	if (index > 0 && a.free[index-1].end > ptr) || (index < a.freeCount && a.free[index].start < end) {
		return ErrInvalidFree
	}

	mergePrev := index > 0 && a.free[index-1].end == ptr
	mergeNext := index < a.freeCount && a.free[index].start == end

	switch {
	case mergePrev && mergeNext:
		a.free[index-1].end = a.free[index].end
		a.removeExtent(index)
	case mergePrev:
		a.free[index-1].end = end
	case mergeNext:
		a.free[index].start = ptr
	case a.freeCount == maxFreeExtents:
		a.leaked += size
	default:
		a.insertExtent(index, extent{start: ptr, end: end})
	}

	if a.allocations > 0 {
		a.allocations--
	}
	return nil
}

// Stats returns a snapshot of the arena bookkeeping.
func (a *Arena) Stats() ArenaStats {
	stats := ArenaStats{
		Base:        a.base,
		Size:        a.size,
		Allocations: a.allocations,
		LeakedBytes: a.leaked,
	}

	for i := 0; i < a.freeCount; i++ {
		extentSize := a.free[i].end - a.free[i].start
		stats.FreeBytes += extentSize
		if extentSize > stats.LargestFree {
			stats.LargestFree = extentSize
		}
	}

	return stats
}

func (a *Arena) insertExtent(index int, e extent) {
	copy(a.free[index+1:a.freeCount+1], a.free[index:a.freeCount])
	a.free[index] = e
	a.freeCount++
}

func (a *Arena) removeExtent(index int) {
	copy(a.free[index:a.freeCount-1], a.free[index+1:a.freeCount])
	a.freeCount--
	a.free[a.freeCount] = extent{}
}
