// Package boot describes the information handed to the kernel by the boot
// loader: the physical memory offset at which all RAM is mapped and the
// firmware memory map.
package boot

// RegionKind classifies a physical memory region.
type RegionKind uint8

// The set of region kinds understood by the kernel. Anything the firmware
// reports that does not map to one of these is treated as RegionReserved.
const (
	RegionReserved RegionKind = iota
	RegionUsable
	RegionACPIReclaimable
	RegionNVS
)

var regionKindNames = [...]string{
	RegionReserved:        "reserved",
	RegionUsable:          "available",
	RegionACPIReclaimable: "ACPI (reclaimable)",
	RegionNVS:             "NVS",
}

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	if int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return regionKindNames[RegionReserved]
}

// MemoryRegion describes the physical address range [Start, End).
type MemoryRegion struct {
	Start uint64
	End   uint64
	Kind  RegionKind
}

// Size returns the length of the region in bytes.
func (r MemoryRegion) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// MemoryMap is a read-only view of the firmware memory map. Regions are
// returned in firmware order and the map may be iterated any number of times.
type MemoryMap interface {
	// Len returns the number of regions in the map.
	Len() int

	// Region returns the i-th region; i must be in [0, Len()).
	Region(i int) MemoryRegion
}

// RegionList is a MemoryMap backed by a slice.
type RegionList []MemoryRegion

// Len implements MemoryMap.
func (l RegionList) Len() int { return len(l) }

// Region implements MemoryMap.
func (l RegionList) Region(i int) MemoryRegion { return l[i] }

// MaxReservedRanges is the capacity of Record.Reserved.
const MaxReservedRanges = 4

// Record is the boot information consumed by the memory bootstrap code.
type Record struct {
	// PhysicalMemoryOffset is the virtual address at which the boot
	// loader mapped all physical memory.
	PhysicalMemoryOffset uintptr

	MemoryMap MemoryMap

	// Reserved lists physical ranges that are in use although the memory
	// map may report them as usable: the loaded kernel image, the boot
	// information block and the first frame. Empty entries are ignored.
	// A fixed-size array keeps the record free of heap allocations.
	Reserved [MaxReservedRanges]MemoryRegion
}

// Overlaps reports whether r and other share at least one byte. Empty
// regions overlap nothing.
func (r MemoryRegion) Overlaps(other MemoryRegion) bool {
	if r.Size() == 0 || other.Size() == 0 {
		return false
	}
	return r.Start < other.End && other.Start < r.End
}

// UsableBytes returns the total size of all usable regions in m. A nil map
// has no usable memory.
func UsableBytes(m MemoryMap) uint64 {
	var total uint64
	if m == nil {
		return 0
	}
	for i := 0; i < m.Len(); i++ {
		if r := m.Region(i); r.Kind == RegionUsable {
			total += r.Size()
		}
	}
	return total
}
