// Package multiboot reads the multiboot2 information block that the boot
// loader passes to the kernel.
package multiboot

import (
	"biboy/kernel/boot"
	"strings"
	"unsafe"
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header the precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// RegionKind converts a multiboot entry type into a boot.RegionKind. Types
// that the kernel does not recognize are treated as reserved.
func (t MemoryEntryType) RegionKind() boot.RegionKind {
	switch t {
	case MemAvailable:
		return boot.RegionUsable
	case MemAcpiReclaimable:
		return boot.RegionACPIReclaimable
	case MemNvs:
		return boot.RegionNVS
	default:
		return boot.RegionReserved
	}
}

// memoryMapEntry describes a memory region entry as laid out by the boot
// loader.
type memoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemoryMap is a boot.MemoryMap backed by the memory map tag of the
// multiboot info block. A missing tag yields an empty map. The zero value is
// ready to use once SetInfoPtr has been called.
type MemoryMap struct{}

// Len implements boot.MemoryMap.
func (MemoryMap) Len() int {
	curPtr, size := findTagByType(tagMemoryMap)
	if size < uint32(unsafe.Sizeof(mmapHeader{})) {
		return 0
	}

	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	if hdr.entrySize == 0 {
		return 0
	}
	return int((size - uint32(unsafe.Sizeof(mmapHeader{}))) / hdr.entrySize)
}

// Region implements boot.MemoryMap.
func (m MemoryMap) Region(i int) boot.MemoryRegion {
	curPtr, _ := findTagByType(tagMemoryMap)
	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	entry := (*memoryMapEntry)(unsafe.Pointer(curPtr + unsafe.Sizeof(mmapHeader{}) + uintptr(i)*uintptr(hdr.entrySize)))

	return boot.MemoryRegion{
		Start: entry.PhysAddress,
		End:   entry.PhysAddress + entry.Length,
		Kind:  entry.Type.RegionKind(),
	}
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// InfoSize returns the total size in bytes of the multiboot info block, as
// recorded in its fixed header. It returns 0 if no info pointer has been set.
func InfoSize() uint32 {
	if infoData == 0 {
		return 0
	}

	return *(*uint32)(unsafe.Pointer(infoData))
}

// GetFramebufferInfo returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func GetFramebufferInfo() *FramebufferInfo {
	var info *FramebufferInfo

	curPtr, size := findTagByType(tagFramebufferInfo)
	if size != 0 {
		info = (*FramebufferInfo)(unsafe.Pointer(curPtr))
	}

	return info
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. This function allocates and must only be invoked after the heap
// arena and the Go allocator are up.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	curPtr, size := findTagByType(tagBootCmdLine)
	if size > 1 {
		// The command line is a C-style NULL-terminated string
		cmdLine := unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), size-1)
		for _, pair := range strings.Fields(string(cmdLine)) {
			kv := strings.Split(pair, "=")
			switch len(kv) {
			case 2: // foo=bar
				cmdLineKV[kv[0]] = kv[1]
			case 1: // nofoo
				cmdLineKV[kv[0]] = kv[0]
			}
		}
	}

	return cmdLineKV
}

// findTagByType scans the multiboot info data looking for the start of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length excluding the tag header.
//
// If the tag is not present in the multiboot info, findTagByType returns
// (0, 0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
