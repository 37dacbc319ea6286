package kmain

import (
	"biboy/kernel"
	"biboy/kernel/boot"
	"biboy/kernel/cpu"
	"biboy/kernel/goruntime"
	"biboy/kernel/hal"
	"biboy/kernel/kfmt"
	"biboy/kernel/mm"
	"biboy/kernel/mm/heap"
	"biboy/multiboot"
)

var (
	// The following functions are mocked by tests.
	setInfoPtrFn      = multiboot.SetInfoPtr
	infoSizeFn        = multiboot.InfoSize
	initEarlySerialFn = hal.InitEarlySerial
	heapInitFn        = heap.Init
	runtimeInitFn     = goruntime.Init
	detectHardwareFn  = hal.DetectHardware
	panicFn           = kfmt.Panic
	cpuHaltFn         = cpu.Halt
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// use the stack allocated by the assembly code.
//
// The rt0 code passes the physical address of the multiboot info payload
// provided by the bootloader, the physical range occupied by the loaded kernel
// image (including its .bss and the boot page tables) and the virtual address
// at which the bootloader mapped all of physical memory.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset uintptr) {
	if err := bootstrap(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset); err != nil {
		panicFn(err)
		return
	}

	for {
		cpuHaltFn()
	}
}

// bootstrap brings up the heap, the Go runtime and the device drivers in
// that order. The first failure is returned and aborts the sequence.
func bootstrap(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset uintptr) *kernel.Error {
	setInfoPtrFn(physMemOffset + multibootInfoPtr)

	// Route diagnostics to COM1 before anything can fail.
	initEarlySerialFn()

	var err *kernel.Error
	if err = heapInitFn(&boot.Record{
		PhysicalMemoryOffset: physMemOffset,
		MemoryMap:            multiboot.MemoryMap{},
		Reserved:             reservedRanges(multibootInfoPtr, kernelStart, kernelEnd),
	}); err != nil {
		return err
	} else if err = runtimeInitFn(); err != nil {
		return err
	}

	detectHardwareFn(physMemOffset)
	kfmt.Printf("Starting\n")
	return nil
}

// reservedRanges lists the physical memory that is already in use when the
// kernel starts: the real-mode IVT/BDA frame, the kernel image and the
// multiboot info block. None of it may be handed out as a heap frame.
func reservedRanges(multibootInfoPtr, kernelStart, kernelEnd uintptr) [boot.MaxReservedRanges]boot.MemoryRegion {
	return [boot.MaxReservedRanges]boot.MemoryRegion{
		{Start: 0, End: uint64(mm.PageSize), Kind: boot.RegionReserved},
		{Start: uint64(kernelStart), End: uint64(kernelEnd), Kind: boot.RegionReserved},
		{Start: uint64(multibootInfoPtr), End: uint64(multibootInfoPtr) + uint64(infoSizeFn()), Kind: boot.RegionReserved},
	}
}
