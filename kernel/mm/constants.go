package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the translation granule and frame size in bytes.
	PageSize = uintptr(1 << PageShift)

	// BlockShift is equal to log2(BlockSize).
	BlockShift = uintptr(21)

	// BlockSize is the size of the region covered by a level 2 block
	// mapping.
	BlockSize = uintptr(1 << BlockShift)

	// MaxOrder is the largest buddy order. The biggest block handed out by
	// the frame allocator spans 1<<MaxOrder frames.
	MaxOrder = uint8(20)

	// KernelVirtBase is the first address of the upper (kernel) half of
	// the virtual address space. Physical memory is linearly mapped at
	// KernelVirtBase + physAddr.
	KernelVirtBase = uintptr(0xFFFF_8000_0000_0000)

	// UserSpaceEnd is the first address past the lower (user) half of the
	// virtual address space.
	UserSpaceEnd = uintptr(0x0000_8000_0000_0000)

	// UserStackTop is the initial stack pointer of a user process.
	UserStackTop = uintptr(0x0000_7FFF_FFFF_0000)
)
