package multiboot

import (
	"biboy/kernel/boot"
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

// infoBuilder assembles a multiboot2 information block in memory.
type infoBuilder struct {
	data []byte
}

func (b *infoBuilder) tag(t tagType, payload []byte) *infoBuilder {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(t))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(payload)))
	b.data = append(b.data, hdr[:]...)
	b.data = append(b.data, payload...)
	for len(b.data)%8 != 0 {
		b.data = append(b.data, 0)
	}
	return b
}

func (b *infoBuilder) memoryMap(entries ...memoryMapEntry) *infoBuilder {
	const entrySize = 24
	payload := make([]byte, 8+entrySize*len(entries))
	binary.LittleEndian.PutUint32(payload[0:], entrySize)
	for i, e := range entries {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(payload[off:], e.PhysAddress)
		binary.LittleEndian.PutUint64(payload[off+8:], e.Length)
		binary.LittleEndian.PutUint32(payload[off+16:], uint32(e.Type))
	}
	return b.tag(tagMemoryMap, payload)
}

// build terminates the tag list and copies the block into 8-byte aligned
// memory. The returned slice must be kept alive while the pointer is in use.
func (b *infoBuilder) build() ([]uint64, uintptr) {
	blob := append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, b.data...)
	blob = append(blob, 0, 0, 0, 0, 8, 0, 0, 0)
	binary.LittleEndian.PutUint32(blob[0:], uint32(len(blob)))

	backing := make([]uint64, len(blob)/8)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), len(blob)), blob)
	return backing, uintptr(unsafe.Pointer(&backing[0]))
}

func TestMemoryMap(t *testing.T) {
	defer SetInfoPtr(0)

	backing, ptr := new(infoBuilder).
		tag(tagBootLoaderName, []byte("GRUB 2.06\x00")).
		memoryMap(
			memoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable},
			memoryMapEntry{PhysAddress: 0x9fc00, Length: 0x400, Type: MemReserved},
			memoryMapEntry{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
			memoryMapEntry{PhysAddress: 0x7fe0000, Length: 0x20000, Type: MemAcpiReclaimable},
			memoryMapEntry{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemNvs},
			memoryMapEntry{PhysAddress: 0xfeffc000, Length: 0x4000, Type: MemoryEntryType(42)},
		).
		build()
	SetInfoPtr(ptr)

	exp := boot.RegionList{
		{Start: 0, End: 0x9fc00, Kind: boot.RegionUsable},
		{Start: 0x9fc00, End: 0xa0000, Kind: boot.RegionReserved},
		{Start: 0x100000, End: 0x7fe0000, Kind: boot.RegionUsable},
		{Start: 0x7fe0000, End: 0x8000000, Kind: boot.RegionACPIReclaimable},
		{Start: 0xfffc0000, End: 0x100000000, Kind: boot.RegionNVS},
		{Start: 0xfeffc000, End: 0xff000000, Kind: boot.RegionReserved},
	}

	var (
		m   boot.MemoryMap = MemoryMap{}
		got boot.RegionList
	)
	for i := 0; i < m.Len(); i++ {
		got = append(got, m.Region(i))
	}

	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("memory map mismatch (-want +got):\n%s", diff)
	}

	if exp, got := uint64(0x9fc00+0x7ee0000), boot.UsableBytes(m); got != exp {
		t.Fatalf("expected usable bytes to be 0x%x; got 0x%x", exp, got)
	}

	runtime.KeepAlive(backing)
}

func TestMemoryMapMissingTag(t *testing.T) {
	defer SetInfoPtr(0)

	if got := (MemoryMap{}).Len(); got != 0 {
		t.Fatalf("expected an empty map without an info pointer; got %d entries", got)
	}

	backing, ptr := new(infoBuilder).tag(tagBootLoaderName, []byte("GRUB\x00")).build()
	SetInfoPtr(ptr)

	if got := (MemoryMap{}).Len(); got != 0 {
		t.Fatalf("expected an empty map when the tag is missing; got %d entries", got)
	}

	if info := GetFramebufferInfo(); info != nil {
		t.Fatalf("expected no framebuffer info; got %+v", info)
	}

	runtime.KeepAlive(backing)
}

func TestGetFramebufferInfo(t *testing.T) {
	defer SetInfoPtr(0)

	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload[0:], 0xa0000)
	binary.LittleEndian.PutUint32(payload[8:], 320)
	binary.LittleEndian.PutUint32(payload[12:], 320)
	binary.LittleEndian.PutUint32(payload[16:], 200)
	payload[20] = 8
	payload[21] = byte(FramebufferTypeIndexed)

	backing, ptr := new(infoBuilder).tag(tagFramebufferInfo, payload).build()
	SetInfoPtr(ptr)

	info := GetFramebufferInfo()
	if info == nil {
		t.Fatal("expected framebuffer info to be present")
	}

	exp := FramebufferInfo{PhysAddr: 0xa0000, Pitch: 320, Width: 320, Height: 200, Bpp: 8, Type: FramebufferTypeIndexed}
	if diff := cmp.Diff(exp, *info); diff != "" {
		t.Fatalf("framebuffer info mismatch (-want +got):\n%s", diff)
	}

	runtime.KeepAlive(backing)
}

func TestGetBootCmdLine(t *testing.T) {
	defer SetInfoPtr(0)

	backing, ptr := new(infoBuilder).
		tag(tagBootCmdLine, []byte("fbscale=2 serial=com1 nokeyboard\x00")).
		build()
	SetInfoPtr(ptr)

	exp := map[string]string{
		"fbscale":    "2",
		"serial":     "com1",
		"nokeyboard": "nokeyboard",
	}

	if diff := cmp.Diff(exp, GetBootCmdLine()); diff != "" {
		t.Fatalf("command line mismatch (-want +got):\n%s", diff)
	}

	// results are cached until the info pointer changes
	SetInfoPtr(0)
	if got := GetBootCmdLine(); len(got) != 0 {
		t.Fatalf("expected an empty command line after resetting the info pointer; got %v", got)
	}

	runtime.KeepAlive(backing)
}

func TestMemoryEntryTypeRegionKind(t *testing.T) {
	specs := []struct {
		in  MemoryEntryType
		exp boot.RegionKind
	}{
		{0, boot.RegionReserved},
		{MemAvailable, boot.RegionUsable},
		{MemReserved, boot.RegionReserved},
		{MemAcpiReclaimable, boot.RegionACPIReclaimable},
		{MemNvs, boot.RegionNVS},
		{5, boot.RegionReserved},
	}

	for specIndex, spec := range specs {
		if got := spec.in.RegionKind(); got != spec.exp {
			t.Errorf("[spec %d] expected type %d to map to %v; got %v", specIndex, spec.in, spec.exp, got)
		}
	}
}

func TestInfoSize(t *testing.T) {
	defer SetInfoPtr(0)

	SetInfoPtr(0)
	if got := InfoSize(); got != 0 {
		t.Fatalf("expected size 0 without an info block; got %d", got)
	}

	backing, ptr := new(infoBuilder).
		tag(tagBootLoaderName, []byte("GRUB 2.06\x00")).
		memoryMap(memoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable}).
		build()
	SetInfoPtr(ptr)

	// 8 byte header + 24 byte loader name tag + 40 byte mmap tag + 8 byte end tag
	if exp, got := uint32(80), InfoSize(); got != exp {
		t.Fatalf("expected info block size %d; got %d", exp, got)
	}

	runtime.KeepAlive(backing)
}
