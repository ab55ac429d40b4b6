package mm

// PhysToVirt returns the address at which physAddr is visible through the
// kernel's linear mapping of physical memory.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + KernelVirtBase
}

// VirtToPhys converts a linear-map address back into a physical address.
// Addresses in the lower half are identity mapped during boot and are
// returned unchanged.
func VirtToPhys(virtAddr uintptr) uintptr {
	if virtAddr >= KernelVirtBase {
		return virtAddr - KernelVirtBase
	}
	return virtAddr
}

// IsKernelAddress returns true if virtAddr belongs to the upper half of the
// virtual address space.
func IsKernelAddress(virtAddr uintptr) bool {
	return virtAddr >= KernelVirtBase
}

// AlignDown rounds addr down to a multiple of align, which must be a power
// of 2.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align, which must be a power of 2.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// Region describes the physical address range [Start, End).
type Region struct {
	Start uintptr
	End   uintptr
}

// Size returns the length of the region in bytes.
func (r Region) Size() uintptr {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Overlaps returns true if r and other share at least one byte.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End && other.Start < r.End
}

// Contains returns true if addr lies inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// FrameMemory provides access to the contents of physical memory.
type FrameMemory interface {
	// Bytes returns a slice aliasing the n bytes of physical memory that
	// start at physAddr or nil if the range is not backed by RAM.
	Bytes(physAddr, n uintptr) []byte
}

// FrameBytes returns the contents of frame f.
func FrameBytes(mem FrameMemory, f Frame) []byte {
	return mem.Bytes(f.Address(), PageSize)
}

// ZeroFrame clears the contents of frame f. It returns false if f is not
// backed by mem.
func ZeroFrame(mem FrameMemory, f Frame) bool {
	b := FrameBytes(mem, f)
	if b == nil {
		return false
	}
	for i := range b {
		b[i] = 0
	}
	return true
}
