// Package heap maps the kernel heap window and manages the global heap arena
// that backs every dynamic allocation once the kernel is up.
package heap

import (
	"biboy/kernel"
	"biboy/kernel/boot"
	"biboy/kernel/cpu"
	"biboy/kernel/kfmt"
	"biboy/kernel/mm"
	"biboy/kernel/mm/pmm"
	"biboy/kernel/mm/vmm"
	"biboy/kernel/sync"
)

const (
	// HeapStart is the virtual address of the first byte of the heap
	// window.
	HeapStart = uintptr(0x_4444_4444_0000)

	// HeapSize is the size of the heap window in bytes.
	HeapSize = 10 * mm.Mb
)

var (
	// kernelHeap is the process-wide arena. It only becomes usable after
	// Init maps the heap window.
	kernelHeap lockedArena

	// initStarted is set by the first call to Init.
	initStarted bool

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activeMapperFn      = vmm.ActiveMapper
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	allocErrorFn        = handleAllocError
	panicFn             = kfmt.Panic
)

// lockedArena guards an Arena with a spinlock. Interrupts are disabled while
// the lock is held so that an interrupt handler that allocates can never spin
// on a lock owned by the code it interrupted.
type lockedArena struct {
	lock  sync.Spinlock
	arena Arena
}

// acquire disables interrupts and grabs the lock. It reports whether
// interrupts were enabled on entry.
func (l *lockedArena) acquire() bool {
	restoreInterrupts := interruptsEnabledFn()
	disableInterruptsFn()
	l.lock.Acquire()
	return restoreInterrupts
}

func (l *lockedArena) release(restoreInterrupts bool) {
	l.lock.Release()
	if restoreInterrupts {
		enableInterruptsFn()
	}
}

func (l *lockedArena) init(base, size uintptr) *kernel.Error {
	restore := l.acquire()
	defer l.release(restore)
	return l.arena.Init(base, size)
}

func (l *lockedArena) allocate(size, align uintptr) (uintptr, *kernel.Error) {
	restore := l.acquire()
	defer l.release(restore)
	return l.arena.Allocate(size, align)
}

func (l *lockedArena) deallocate(ptr, size, align uintptr) *kernel.Error {
	restore := l.acquire()
	defer l.release(restore)
	return l.arena.Deallocate(ptr, size, align)
}

func (l *lockedArena) stats() (ArenaState, ArenaStats) {
	restore := l.acquire()
	defer l.release(restore)
	return l.arena.State(), l.arena.Stats()
}

// Allocate reserves size bytes aligned to align from the kernel heap. Failure
// is fatal: the allocation error handler logs the request and halts the CPU.
func Allocate(size, align uintptr) uintptr {
	ptr, err := kernelHeap.allocate(size, align)
	if err != nil {
		allocErrorFn(size, align, err)
		return 0
	}
	return ptr
}

// TryAllocate behaves like Allocate but returns allocation errors to the
// caller instead of halting.
func TryAllocate(size, align uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.allocate(size, align)
}

// Deallocate returns a block obtained from Allocate or TryAllocate to the
// kernel heap.
func Deallocate(ptr, size, align uintptr) *kernel.Error {
	return kernelHeap.deallocate(ptr, size, align)
}

// Stats returns a snapshot of the kernel heap bookkeeping.
func Stats() ArenaStats {
	_, stats := kernelHeap.stats()
	return stats
}

// Ready reports whether the kernel heap can service allocations.
func Ready() bool {
	state, _ := kernelHeap.stats()
	return state == ArenaReady
}

func handleAllocError(size, align uintptr, err *kernel.Error) {
	kfmt.Printf("[heap] allocation error: size=%d align=%d\n", size, align)
	panicFn(err)
}

// MapRegion maps every page touched by [start, start+size-1] to a fresh
// frame from frames, in ascending order. The same allocator provides the
// frames for any missing page tables. Each mapping is flushed as soon as it
// is installed.
//
// MapRegion stops at the first error; pages mapped up to that point stay
// mapped. The number of pages mapped is returned in both cases.
func MapRegion(mapper *vmm.Mapper, frames *pmm.BootMemAllocator, start, size uintptr) (int, *kernel.Error) {
	var (
		mapped    int
		pageCount = mm.PageCount(start, size)
		page      = mm.PageFromAddress(start)
	)

	for ; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frames.AllocFrame()
		if err != nil {
			return mapped, vmm.ErrFrameAllocationFailed
		}

		mapFlush, err := mapper.Map(page, frame, vmm.FlagPresent|vmm.FlagRW, frames.AllocFrame)
		if err != nil {
			return mapped, err
		}
		mapFlush.Flush()
		mapped++
	}

	return mapped, nil
}

// Init maps the heap window [HeapStart, HeapStart+HeapSize) using the usable
// frames from rec's memory map, skipping the ranges listed in rec.Reserved,
// and then readies the kernel heap arena. Init
// may only be called once; later calls fail with ErrAlreadyInitialized
// without touching the page tables. No code may allocate memory before Init
// returns successfully.
func Init(rec *boot.Record) *kernel.Error {
	if initStarted {
		return ErrAlreadyInitialized
	}
	initStarted = true

	var (
		mapper = activeMapperFn(rec.PhysicalMemoryOffset)
		frames = pmm.NewBootMemAllocator(rec.MemoryMap)
	)

	for _, r := range rec.Reserved {
		if err := frames.Exclude(r); err != nil {
			return err
		}
	}

	pmm.PrintMemoryMap(kfmt.GetOutputSink(), rec.MemoryMap)
	kfmt.Printf("[heap] mapping %dKb at 0x%16x\n", HeapSize/mm.Kb, HeapStart)

	mapped, err := MapRegion(&mapper, &frames, HeapStart, HeapSize)
	if err != nil {
		kfmt.Printf("[heap] mapped %d of %d pages before failing\n", mapped, mm.PageCount(HeapStart, HeapSize))
		return err
	}

	kfmt.Printf("[heap] mapped %d pages using %d frames\n", mapped, frames.Issued())

	return kernelHeap.init(HeapStart, HeapSize)
}
