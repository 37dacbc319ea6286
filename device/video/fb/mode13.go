// Package fb drives a linear 256-color framebuffer such as the one exposed
// by VGA mode 13h.
package fb

import (
	"biboy/device"
	"biboy/kernel"
	"biboy/kernel/kfmt"
	"biboy/multiboot"
	"io"
	"strconv"
	"unsafe"
)

const (
	// DefaultPhysAddr is the physical address of the VGA graphics window.
	DefaultPhysAddr = uintptr(0xa0000)

	// Mode 13h geometry.
	Width  = 320
	Height = 200

	cmdLineScaleKey = "fbscale"
)

var (
	getFramebufferInfoFn = multiboot.GetFramebufferInfo
	getBootCmdLineFn     = multiboot.GetBootCmdLine

	// physMemOffset is the virtual address at which physical memory is
	// mapped. The framebuffer is accessed through this window.
	physMemOffset uintptr
)

// UsePhysMemOffset sets the offset used to reach the framebuffer memory.
// It must be called before the driver is initialized.
func UsePhysMemOffset(offset uintptr) {
	physMemOffset = offset
}

// Mode13 is an indexed framebuffer with one byte per pixel. Logical pixels
// are drawn as scale x scale blocks.
type Mode13 struct {
	physAddr uintptr
	width    int
	height   int
	scale    int

	fb []uint8
}

// NewMode13 returns a framebuffer driver for the mode 13h buffer at
// physAddr. Scale values below 1 are treated as 1.
func NewMode13(physAddr uintptr, scale int) *Mode13 {
	if scale < 1 {
		scale = 1
	}

	return &Mode13{
		physAddr: physAddr,
		width:    Width,
		height:   Height,
		scale:    scale,
	}
}

// Dimensions returns the number of addressable logical pixels.
func (m *Mode13) Dimensions() (int, int) {
	return m.width / m.scale, m.height / m.scale
}

// Set paints the logical pixel at (x, y). Writes outside the visible area
// or before DriverInit are ignored.
func (m *Mode13) Set(x, y int, color uint8) {
	s := m.scale
	if m.fb == nil || x < 0 || y < 0 || (x+1)*s > m.width || (y+1)*s > m.height {
		return
	}

	for xo := 0; xo < s; xo++ {
		for yo := 0; yo < s; yo++ {
			m.fb[(x*s+xo)+(y*s+yo)*m.width] = color
		}
	}
}

// DrawLine paints row y using one 0xRRGGBB value per pixel, quantized
// with Palette4.
func (m *Mode13) DrawLine(y int, pixels []uint32) {
	for x, v := range pixels {
		m.Set(x, y, Palette4(v))
	}
}

// Palette4 maps the low byte of v onto the four grey entries of the
// default VGA palette.
func Palette4(v uint32) uint8 {
	switch b := v & 0xff; {
	case b < 64:
		return 0
	case b < 128:
		return 8
	case b < 192:
		return 7
	default:
		return 15
	}
}

// DriverName returns the name of this driver.
func (m *Mode13) DriverName() string {
	return "vga_mode13"
}

// DriverVersion returns the version of this driver.
func (m *Mode13) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit attaches the driver to the framebuffer memory and clears it.
func (m *Mode13) DriverInit(w io.Writer) *kernel.Error {
	m.fb = unsafe.Slice((*uint8)(unsafe.Pointer(physMemOffset+m.physAddr)), m.width*m.height)
	kernel.Memset(physMemOffset+m.physAddr, 0, uintptr(len(m.fb)))

	lw, lh := m.Dimensions()
	kfmt.Fprintf(w, "%dx%d at 0x%x, scale %d (%dx%d logical)\n", m.width, m.height, m.physAddr, m.scale, lw, lh)
	return nil
}

// scaleFromCmdLine parses the fbscale boot option.
func scaleFromCmdLine() int {
	v, ok := getBootCmdLineFn()[cmdLineScaleKey]
	if !ok {
		return 1
	}

	scale, err := strconv.Atoi(v)
	if err != nil || scale < 1 {
		return 1
	}
	return scale
}

func probeForMode13() device.Driver {
	physAddr := DefaultPhysAddr
	if info := getFramebufferInfoFn(); info != nil {
		if info.Type != multiboot.FramebufferTypeIndexed || info.Width != Width || info.Height != Height {
			return nil
		}
		physAddr = uintptr(info.PhysAddr)
	}

	return NewMode13(physAddr, scaleFromCmdLine())
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderNormal,
		Probe: probeForMode13,
	})
}
