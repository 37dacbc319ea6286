package pmm

import (
	"biboy/kernel/boot"
	"biboy/kernel/mm"
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// qemuMemoryMap mirrors the map that qemu reports for a 128M machine.
var qemuMemoryMap = boot.RegionList{
	{Start: 0, End: 0x9fc00, Kind: boot.RegionUsable},
	{Start: 0x9fc00, End: 0xa0000, Kind: boot.RegionReserved},
	{Start: 0xf0000, End: 0x100000, Kind: boot.RegionReserved},
	{Start: 0x100000, End: 0x7fe0000, Kind: boot.RegionUsable},
	{Start: 0x7fe0000, End: 0x8000000, Kind: boot.RegionReserved},
	{Start: 0xfffc0000, End: 0x100000000, Kind: boot.RegionReserved},
}

func TestBootMemAllocator(t *testing.T) {
	specs := []struct {
		descr     string
		memMap    boot.RegionList
		expFrames uint64
	}{
		{
			"qemu memory map",
			qemuMemoryMap,
			// region 1 gets rounded down to [0, 0x9f000) and provides 159 frames;
			// region 4 provides 32480 frames starting at frame 256
			159 + 32480,
		},
		{
			"unaligned regions",
			boot.RegionList{
				{Start: 0x800, End: 0x3800, Kind: boot.RegionUsable},
				{Start: 0x10001, End: 0x10fff, Kind: boot.RegionUsable},
				{Start: 0x20000, End: 0x21000, Kind: boot.RegionUsable},
			},
			// [0x1000, 0x3000) yields 2 frames; the second region is smaller than a frame
			2 + 0 + 1,
		},
		{
			"no usable regions",
			boot.RegionList{
				{Start: 0, End: 0x100000, Kind: boot.RegionReserved},
				{Start: 0x100000, End: 0x200000, Kind: boot.RegionACPIReclaimable},
				{Start: 0x200000, End: 0x300000, Kind: boot.RegionNVS},
			},
			0,
		},
		{
			"empty map",
			nil,
			0,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			alloc := NewBootMemAllocator(spec.memMap)
			if got := alloc.TotalFrames(); got != spec.expFrames {
				t.Fatalf("expected TotalFrames to return %d; got %d", spec.expFrames, got)
			}

			var (
				allocCount uint64
				lastFrame  mm.Frame
			)
			for {
				frame, err := alloc.AllocFrame()
				if err != nil {
					if err != ErrOutOfFrames {
						t.Fatalf("[frame %d] unexpected allocator error: %v", allocCount, err)
					}
					if frame != mm.InvalidFrame {
						t.Fatalf("expected failed allocation to return InvalidFrame; got %d", frame)
					}
					break
				}

				if allocCount != 0 && frame <= lastFrame {
					t.Fatalf("[frame %d] expected frames to be strictly ascending; got %d after %d", allocCount, frame, lastFrame)
				}

				if !frameInUsableRegion(spec.memMap, frame) {
					t.Fatalf("[frame %d] frame 0x%x is not fully contained in a usable region", allocCount, frame.Address())
				}

				lastFrame = frame
				allocCount++
			}

			if allocCount != spec.expFrames {
				t.Fatalf("expected allocator to allocate %d frames; allocated %d", spec.expFrames, allocCount)
			}

			if exp, got := spec.expFrames+1, alloc.Issued(); got != exp {
				t.Fatalf("expected Issued to return %d; got %d", exp, got)
			}
		})
	}
}

func TestBootMemAllocatorFrameSequence(t *testing.T) {
	alloc := NewBootMemAllocator(boot.RegionList{
		{Start: 0x3000, End: 0x5000, Kind: boot.RegionUsable},
		{Start: 0x5000, End: 0x8000, Kind: boot.RegionReserved},
		{Start: 0x8000, End: 0x9000, Kind: boot.RegionUsable},
	})

	var got []uintptr
	for i := 0; i < 3; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("[frame %d] unexpected error: %v", i, err)
		}
		got = append(got, frame.Address())
	}

	if diff := cmp.Diff([]uintptr{0x3000, 0x4000, 0x8000}, got); diff != "" {
		t.Fatalf("frame sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestBootMemAllocatorCursorAdvancesOnFailure(t *testing.T) {
	regions := boot.RegionList{
		{Start: 0, End: 0x2000, Kind: boot.RegionUsable},
	}
	alloc := NewBootMemAllocator(regions)

	for i := 0; i < 2; i++ {
		if _, err := alloc.AllocFrame(); err != nil {
			t.Fatalf("[frame %d] unexpected error: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := alloc.AllocFrame(); err != ErrOutOfFrames {
			t.Fatalf("expected ErrOutOfFrames; got %v", err)
		}
	}

	if exp, got := uint64(5), alloc.Issued(); got != exp {
		t.Fatalf("expected the cursor to advance on every call; Issued() returned %d instead of %d", got, exp)
	}

	// The cursor is past the end of the stream so swapping in a larger
	// map only serves frames beyond the already-skipped indices.
	alloc.memMap = boot.RegionList{
		{Start: 0, End: 0x10000, Kind: boot.RegionUsable},
	}
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if exp := mm.Frame(5); frame != exp {
		t.Fatalf("expected next frame to be %d; got %d", exp, frame)
	}
}

func TestBootMemAllocatorAsFrameAllocatorFn(t *testing.T) {
	alloc := NewBootMemAllocator(boot.RegionList{
		{Start: 0x100000, End: 0x102000, Kind: boot.RegionUsable},
	})

	var allocFn mm.FrameAllocatorFn = alloc.AllocFrame
	frame, err := allocFn()
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.FrameFromAddress(0x100000); frame != exp {
		t.Fatalf("expected frame %d; got %d", exp, frame)
	}

	if got := alloc.Issued(); got != 1 {
		t.Fatalf("expected the method value to share the allocator cursor; Issued() returned %d", got)
	}
}

func TestPrintMemoryMap(t *testing.T) {
	var buf bytes.Buffer
	PrintMemoryMap(&buf, boot.RegionList{
		{Start: 0, End: 0x9fc00, Kind: boot.RegionUsable},
		{Start: 0x9fc00, End: 0xa0000, Kind: boot.RegionReserved},
		{Start: 0x100000, End: 0x7fe0000, Kind: boot.RegionUsable},
	})

	exp := "[boot_mem_alloc] system memory map:\n" +
		"\t[0x0000000000 - 0x000009fc00], size:     654336, type: available\n" +
		"\t[0x000009fc00 - 0x00000a0000], size:       1024, type: reserved\n" +
		"\t[0x0000100000 - 0x0007fe0000], size:  133038080, type: available\n" +
		"[boot_mem_alloc] available memory: 130559Kb\n"

	if diff := cmp.Diff(exp, buf.String()); diff != "" {
		t.Fatalf("memory map output mismatch (-want +got):\n%s", diff)
	}
}

func frameInUsableRegion(m boot.MemoryMap, frame mm.Frame) bool {
	start := uint64(frame.Address())
	end := start + uint64(mm.PageSize)
	for i := 0; i < m.Len(); i++ {
		if r := m.Region(i); r.Kind == boot.RegionUsable && start >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

func TestBootMemAllocatorExcludesKernelImage(t *testing.T) {
	var (
		// the loader places the kernel at 1M and passes the boot
		// information block right after it; both sit inside a region the
		// firmware reports as available
		kernelImage = boot.MemoryRegion{Start: 0x100000, End: 0x2f8123}
		bootInfo    = boot.MemoryRegion{Start: 0x2f9000, End: 0x2f9600}
		firstFrame  = boot.MemoryRegion{Start: 0, End: uint64(mm.PageSize)}
	)

	alloc := NewBootMemAllocator(qemuMemoryMap)
	for _, r := range []boot.MemoryRegion{firstFrame, kernelImage, bootInfo, {}} {
		if err := alloc.Exclude(r); err != nil {
			t.Fatal(err)
		}
	}

	// frame 0, 0x100-0x2f8 (505 frames) and 0x2f9 are excluded
	if exp, got := uint64(159+32480-1-505-1), alloc.TotalFrames(); got != exp {
		t.Fatalf("expected TotalFrames to return %d; got %d", exp, got)
	}

	var frames []mm.Frame
	for {
		frame, err := alloc.AllocFrame()
		if err != nil {
			break
		}
		frames = append(frames, frame)

		frameRegion := boot.MemoryRegion{Start: uint64(frame.Address()), End: uint64(frame.Address() + mm.PageSize)}
		for _, r := range []boot.MemoryRegion{firstFrame, kernelImage, bootInfo} {
			if r.Overlaps(frameRegion) {
				t.Fatalf("frame 0x%x overlaps excluded region %+v", frame.Address(), r)
			}
		}
	}

	if got := uint64(len(frames)); got != alloc.TotalFrames() {
		t.Fatalf("expected %d frames to be allocated; got %d", alloc.TotalFrames(), got)
	}

	specs := []struct {
		index   int
		expAddr uintptr
	}{
		{0, 0x1000},
		{157, 0x9e000},
		// the low region is exhausted; the next frame follows the kernel
		{158, 0x2f8000 + 0x2000},
		{159, 0x2fb000},
	}

	for specIndex, spec := range specs {
		if got := frames[spec.index].Address(); got != spec.expAddr {
			t.Errorf("[spec %d] expected frame #%d to be 0x%x; got 0x%x", specIndex, spec.index, spec.expAddr, got)
		}
	}
}

func TestBootMemAllocatorTooManyExclusions(t *testing.T) {
	alloc := NewBootMemAllocator(qemuMemoryMap)
	for i := 0; i < boot.MaxReservedRanges; i++ {
		r := boot.MemoryRegion{Start: uint64(i) * 0x10000, End: uint64(i)*0x10000 + 0x1000}
		if err := alloc.Exclude(r); err != nil {
			t.Fatalf("[exclusion %d] unexpected error: %v", i, err)
		}
	}

	if err := alloc.Exclude(boot.MemoryRegion{Start: 0x400000, End: 0x401000}); err != ErrTooManyExclusions {
		t.Fatalf("expected ErrTooManyExclusions; got %v", err)
	}
}

func TestPrintMemoryMapWithoutMap(t *testing.T) {
	var buf bytes.Buffer
	PrintMemoryMap(&buf, nil)

	exp := "[boot_mem_alloc] system memory map:\n" +
		"[boot_mem_alloc] available memory: 0Kb\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}
