package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). Shifting an address right by
	// PageShift yields its frame or page index.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)
