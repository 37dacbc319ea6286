package mm

// Common memory block sizes.
const (
	Kb = uintptr(1024)
	Mb = 1024 * Kb
	Gb = 1024 * Mb
)

// AlignUp rounds value up to the next multiple of align which must be a power
// of two. The result wraps around to 0 if value is within align-1 bytes of the
// top of the address space.
func AlignUp(value, align uintptr) uintptr {
	return (value + align - 1) &^ (align - 1)
}

// AlignDown rounds value down to a multiple of align which must be a power of
// two.
func AlignDown(value, align uintptr) uintptr {
	return value &^ (align - 1)
}

// IsPowerOfTwo reports whether value is a non-zero power of two.
func IsPowerOfTwo(value uintptr) bool {
	return value != 0 && value&(value-1) == 0
}
