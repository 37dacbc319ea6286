package main

import (
	"fmt"
	"unsafe"

	"biboy/kernel/boot"
	"biboy/kernel/mm"
	"biboy/kernel/mm/heap"
	"biboy/kernel/mm/pmm"
	"biboy/kernel/mm/vmm"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// machine runs the kernel memory code against simulated physical RAM. The
// RAM is an anonymous host mapping covering every region of the memory map
// plus one trailing frame that holds the top-level page table. The base
// address of the mapping plays the role of the physical memory offset.
type machine struct {
	cfg     *config
	regions boot.RegionList

	ram    []byte
	mapper vmm.Mapper
	frames pmm.BootMemAllocator

	flushed int
	mapped  int
}

// newMachine allocates the simulated RAM for cfg.
func newMachine(cfg *config) (*machine, error) {
	regions := cfg.memoryMap()

	var top uint64
	for i := 0; i < regions.Len(); i++ {
		if end := regions.Region(i).End; end > top {
			top = end
		}
	}

	pdtAddr := mm.AlignUp(uintptr(top), mm.PageSize)
	ramSize := pdtAddr + mm.PageSize

	ram, err := unix.Mmap(-1, 0, int(ramSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes of simulated RAM: %w", ramSize, err)
	}

	m := &machine{
		cfg:     cfg,
		regions: regions,
		ram:     ram,
		frames:  pmm.NewBootMemAllocator(regions),
	}
	m.mapper = vmm.NewMapper(m.physOffset(), mm.FrameFromAddress(pdtAddr), m.flush)

	logrus.WithFields(logrus.Fields{
		"ram_bytes": ramSize,
		"offset":    fmt.Sprintf("0x%x", m.physOffset()),
		"pdt":       fmt.Sprintf("0x%x", pdtAddr),
	}).Debug("simulated RAM ready")

	return m, nil
}

func (m *machine) physOffset() uintptr {
	return uintptr(unsafe.Pointer(&m.ram[0]))
}

func (m *machine) flush(virtAddr uintptr) {
	m.flushed++
	logrus.WithField("page", fmt.Sprintf("0x%x", virtAddr)).Trace("tlb flush")
}

// close releases the simulated RAM.
func (m *machine) close() error {
	return unix.Munmap(m.ram)
}

// mapHeap maps the configured heap window. On failure the pages mapped so
// far stay in place and are still counted.
func (m *machine) mapHeap() error {
	start, size := uintptr(m.cfg.HeapStart), uintptr(m.cfg.HeapSize)

	mapped, err := heap.MapRegion(&m.mapper, &m.frames, start, size)
	m.mapped = mapped
	if err != nil {
		return fmt.Errorf("mapped %d of %d heap pages: %w", mapped, mm.PageCount(start, size), err)
	}
	return nil
}

// allocResult records the outcome of one scripted allocation.
type allocResult struct {
	Size, Align uint64
	Addr        uintptr
	Freed       bool
	Err         string
}

// runScript readies an arena over the heap window and replays the
// allocation script against it.
func (m *machine) runScript(arena *heap.Arena) ([]allocResult, error) {
	if err := arena.Init(uintptr(m.cfg.HeapStart), uintptr(m.cfg.HeapSize)); err != nil {
		return nil, err
	}

	results := make([]allocResult, 0, len(m.cfg.Allocs))
	for _, a := range m.cfg.Allocs {
		res := allocResult{Size: a.Size, Align: a.Align}

		addr, err := arena.Allocate(uintptr(a.Size), uintptr(a.Align))
		if err != nil {
			res.Err = err.Error()
		} else {
			res.Addr = addr
			if a.Free {
				if err = arena.Deallocate(addr, uintptr(a.Size), uintptr(a.Align)); err != nil {
					return results, err
				}
				res.Freed = true
			}
		}

		results = append(results, res)
	}

	return results, nil
}

// verifyHeap translates every page of the heap window and checks that each
// one is backed by a distinct frame inside a usable region.
func (m *machine) verifyHeap() error {
	var (
		start     = uintptr(m.cfg.HeapStart)
		pageCount = mm.PageCount(start, uintptr(m.cfg.HeapSize))
		seen      = make(map[mm.Frame]mm.Page, pageCount)
	)

	for page := mm.PageFromAddress(start); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		physAddr, err := m.mapper.Translate(page.Address())
		if err != nil {
			return fmt.Errorf("page 0x%x: %w", page.Address(), err)
		}

		frame := mm.FrameFromAddress(physAddr)
		if other, dup := seen[frame]; dup {
			return fmt.Errorf("pages 0x%x and 0x%x share frame 0x%x", other.Address(), page.Address(), frame.Address())
		}
		seen[frame] = page

		if !m.usable(frame) {
			return fmt.Errorf("page 0x%x is backed by frame 0x%x outside any usable region", page.Address(), frame.Address())
		}
	}

	return nil
}

func (m *machine) usable(frame mm.Frame) bool {
	addr := uint64(frame.Address())
	for i := 0; i < m.regions.Len(); i++ {
		r := m.regions.Region(i)
		if r.Kind == boot.RegionUsable && addr >= r.Start && addr+uint64(mm.PageSize) <= r.End {
			return true
		}
	}
	return false
}
