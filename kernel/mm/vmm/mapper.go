// Package vmm installs virtual to physical page mappings in 4-level amd64
// page tables. The boot loader maps all of physical memory at a fixed virtual
// offset, so every table is reached through that offset rather than through a
// recursive mapping.
package vmm

import (
	"biboy/kernel"
	"biboy/kernel/cpu"
	"biboy/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrFrameAllocationFailed is returned when a frame for a page table
	// or a page could not be obtained.
	ErrFrameAllocationFailed = &kernel.Error{Module: "vmm", Message: "frame allocation failed"}

	// ErrAlreadyMapped is returned when the target page already has a
	// present mapping.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page already mapped"}

	// ErrParentEntryHugePage is returned when an intermediate entry on the
	// path to the page maps a huge page.
	ErrParentEntryHugePage = &kernel.Error{Module: "vmm", Message: "parent entry maps a huge page"}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// TLBFlusher invalidates the cached translation for a virtual address.
type TLBFlusher func(virtAddr uintptr)

// Mapper edits the page table hierarchy rooted at a top-level (P4) table.
// Tables are identified by their physical frame and accessed at
// physOffset + frame.Address().
type Mapper struct {
	physOffset uintptr
	pdtFrame   mm.Frame
	flushFn    TLBFlusher
}

// ActiveMapper returns a Mapper for the page table hierarchy currently loaded
// in CR3. physMemOffset is the virtual address at which the boot loader
// mapped physical memory.
func ActiveMapper(physMemOffset uintptr) Mapper {
	return NewMapper(physMemOffset, mm.FrameFromAddress(activePDTFn()), flushTLBEntryFn)
}

// NewMapper returns a Mapper for the hierarchy rooted at pdtFrame. A nil
// flushFn turns MapFlush.Flush into a no-op.
func NewMapper(physMemOffset uintptr, pdtFrame mm.Frame, flushFn TLBFlusher) Mapper {
	return Mapper{
		physOffset: physMemOffset,
		pdtFrame:   pdtFrame,
		flushFn:    flushFn,
	}
}

// PDTFrame returns the frame of the top-level table.
func (m *Mapper) PDTFrame() mm.Frame {
	return m.pdtFrame
}

// tableAddr returns the virtual address of the table stored in frame.
func (m *Mapper) tableAddr(frame mm.Frame) uintptr {
	return m.physOffset + frame.Address()
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level, starting at the top-level table. After walkFn returns, the walk
// descends into the table referenced by the entry, so walkFn may install a
// new table before the walk continues.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		tableFrame = m.pdtFrame
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = entryAt(m.tableAddr(tableFrame) + (entryIndex << mm.PointerShift))

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// MapFlush is returned by a successful Map call. The caller must invoke Flush
// before accessing the newly mapped page.
type MapFlush struct {
	page    mm.Page
	flushFn TLBFlusher
}

// Page returns the page whose mapping changed.
func (f MapFlush) Page() mm.Page {
	return f.page
}

// Flush invalidates the TLB entry for the mapped page.
func (f MapFlush) Flush() {
	if f.flushFn != nil {
		f.flushFn(f.page.Address())
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. The leaf entry receives flags|FlagPresent. Missing intermediate
// tables are allocated via allocFn, cleared and linked as present and
// writable.
//
// Map never rolls back: tables created before a failure stay linked.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, allocFn mm.FrameAllocatorFn) (MapFlush, *kernel.Error) {
	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = ErrParentEntryHugePage
				return false
			}
			return true
		}

		// Next table does not yet exist; allocate a frame for it and
		// clear its contents before linking it in.
		if allocFn == nil {
			err = ErrFrameAllocationFailed
			return false
		}

		newTableFrame, allocErr := allocFn()
		if allocErr != nil {
			err = ErrFrameAllocationFailed
			return false
		}

		kernel.Memset(m.tableAddr(newTableFrame), 0, mm.PageSize)
		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(FlagPresent | FlagRW)
		return true
	})

	if err != nil {
		return MapFlush{}, err
	}

	return MapFlush{page: page, flushFn: m.flushFn}, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Huge page mappings are resolved
// at the level where they occur.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr, err = pte.Frame().Address()+PageOffset(virtAddr), nil
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			if pteLevel == 0 {
				return false
			}

			hugePageMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr, err = (pte.Frame().Address()&^hugePageMask)+(virtAddr&hugePageMask), nil
			return false
		}

		return true
	})

	return physAddr, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
