// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"biboy/kernel"
	"biboy/kernel/mm"
	"biboy/kernel/mm/heap"
	"sync/atomic"
	"unsafe"
)

var (
	tryAllocateFn = heap.TryAllocate
	deallocateFn  = heap.Deallocate

	// The runtime initializers are wired to the real runtime symbols when
	// building the kernel image; see runtime_linkname.go.
	mallocInitFn    = func() {}
	algInitFn       = func() {}
	modulesInitFn   = func() {}
	typeLinksInitFn = func() {}
	itabsInitFn     = func() {}

	// A seed for the pseudo-random number generator used by readRandom
	prngSeed = 0xdeadc0de

	errSysMapOutsideHeap = &kernel.Error{Module: "goruntime", Message: "sysMap called for a region outside the kernel heap"}
)

func pageRound(size uintptr) uintptr {
	return mm.AlignUp(size, mm.PageSize)
}

func statAdd(sysStat *uint64, delta int64) {
	if sysStat != nil {
		atomic.AddUint64(sysStat, uint64(delta))
	}
}

// sysReserve reserves address space for the Go allocator. The heap window is
// already backed by physical frames so reserving a region simply carves it
// out of the kernel heap arena. The address hint is ignored. A nil pointer is
// returned when the arena is exhausted.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	regionStartAddr, err := tryAllocateFn(pageRound(size), mm.PageSize)
	if err != nil {
		return nil
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMap commits a region previously obtained via sysReserve. Since the heap
// window is mapped read-write when the kernel boots, no page table changes
// are needed; the region is only checked against the heap window before it
// is accounted for.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	var (
		regionStart = uintptr(virtAddr)
		regionSize  = pageRound(size)
	)

	if regionStart < heap.HeapStart || regionSize > heap.HeapSize || regionStart-heap.HeapStart > heap.HeapSize-regionSize {
		panic(errSysMapOutsideHeap)
	}

	statAdd(sysStat, int64(regionSize))
}

// sysAlloc obtains a zero-filled, page-aligned region of at least size bytes
// from the kernel heap arena and returns a pointer to its start or nil if the
// request cannot be satisfied.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageRound(size)
	regionStartAddr, err := tryAllocateFn(regionSize, mm.PageSize)
	if err != nil {
		return nil
	}

	kernel.Memset(regionStartAddr, 0, regionSize)
	statAdd(sysStat, int64(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysFree returns a region obtained by sysAlloc back to the kernel heap arena.
//
// This function replaces runtime.sysFree.
//
//go:redirect-from runtime.sysFree
//go:nosplit
func sysFree(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	regionSize := pageRound(size)
	if err := deallocateFn(uintptr(virtAddr), regionSize, mm.PageSize); err != nil {
		return
	}

	statAdd(sysStat, -int64(regionSize))
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation until the kernel gains a clock source.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() int64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// readRandom populates the given slice with random data and returns the
// number of bytes written. The runtime reads the OS entropy source which does
// not exist here so a prng is used instead.
//
//go:redirect-from runtime.readRandom
func readRandom(r []byte) int {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
	return len(r)
}

// Init enables support for various Go runtime features. It must be called
// after heap.Init succeeds. After a call to Init the following runtime
// features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

// redirectTargets references the functions in this file that are only
// reached through redirects so the compiler does not optimize them away.
var redirectTargets = [...]interface{}{
	sysReserve,
	sysMap,
	sysAlloc,
	sysFree,
	nanotime,
	readRandom,
}
