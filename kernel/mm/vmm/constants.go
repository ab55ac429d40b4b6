package vmm

const (
	// pageLevels is the number of translation table levels (L0-L3) used
	// with a 4K granule and 48-bit virtual addresses.
	pageLevels = 4

	// blockLevel is the only level at which block mappings are created.
	blockLevel = uint8(2)

	// lastLevel is the level that holds page mappings.
	lastLevel = uint8(pageLevels - 1)

	// entriesPerTable is the number of descriptors in one table.
	entriesPerTable = 512

	entryIndexMask = uintptr(entriesPerTable - 1)
)

// pageLevelShifts defines the shift required to extract the table index of
// each level from a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// entryIndex returns the index of the descriptor that translates virtAddr in
// a table of the given level.
func entryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & entryIndexMask
}

// levelSize returns the size of the region translated by one descriptor of
// the given level.
func levelSize(level uint8) uintptr {
	return uintptr(1) << pageLevelShifts[level]
}

const (
	mairAttrNormal = uint64(0xFF) // inner/outer write-back, read/write-allocate
	mairAttrDevice = uint64(0x04) // device nGnRE

	attrIndexNormal = 0
	attrIndexDevice = 1

	// MAIRValue is the memory attribute indirection register value
	// matching the AttrIndx values written into descriptors.
	MAIRValue = mairAttrNormal<<(8*attrIndexNormal) | mairAttrDevice<<(8*attrIndexDevice)
)

const (
	tcrT0SZ   = uint64(64-48) << 0
	tcrIRGN0  = uint64(1) << 8
	tcrORGN0  = uint64(1) << 10
	tcrSH0    = uint64(3) << 12
	tcrTG0_4K = uint64(0) << 14
	tcrT1SZ   = uint64(64-48) << 16
	tcrIRGN1  = uint64(1) << 24
	tcrORGN1  = uint64(1) << 26
	tcrSH1    = uint64(3) << 28
	tcrTG1_4K = uint64(2) << 30
	tcrIPS48  = uint64(5) << 32

	// TCRValue configures 48-bit virtual address spaces for both halves
	// with 4K granules and inner shareable write-back table walks.
	TCRValue = tcrT0SZ | tcrIRGN0 | tcrORGN0 | tcrSH0 | tcrTG0_4K |
		tcrT1SZ | tcrIRGN1 | tcrORGN1 | tcrSH1 | tcrTG1_4K | tcrIPS48
)

// DefaultStaticPoolFrames is the number of table frames reserved for the
// bootstrap mappings.
const DefaultStaticPoolFrames = 16
