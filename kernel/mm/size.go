package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
)

// Pages returns the number of frames needed to hold s bytes.
func (s Size) Pages() uint64 {
	return (uint64(s) + uint64(PageSize) - 1) >> PageShift
}

// Order returns the smallest buddy order whose block can hold s bytes.
func (s Size) Order() uint8 {
	var order uint8
	for pages := s.Pages(); uint64(1)<<order < pages; order++ {
	}
	return order
}
