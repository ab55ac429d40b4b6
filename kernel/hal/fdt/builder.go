package fdt

import "encoding/binary"

// Builder assembles a flattened device tree blob. The hosted boot path uses
// it to describe the simulated machine to the kernel.
type Builder struct {
	reservations []MemoryRegion
	structure    []byte
	strtab       []byte
	nameOffsets  map[string]uint32
}

// NewBuilder returns a builder for an empty tree. Callers must open the
// root node with BeginNode("") before adding properties.
func NewBuilder() *Builder {
	return &Builder{nameOffsets: make(map[string]uint32)}
}

// AddReservation appends an entry to the memory reservation block.
func (b *Builder) AddReservation(physAddr, length uint64) *Builder {
	b.reservations = append(b.reservations, MemoryRegion{PhysAddress: physAddr, Length: length})
	return b
}

// BeginNode opens a child of the current node.
func (b *Builder) BeginNode(name string) *Builder {
	b.putU32(uint32(tokenBeginNode))
	b.structure = append(b.structure, name...)
	b.structure = append(b.structure, 0)
	b.pad()
	return b
}

// EndNode closes the current node.
func (b *Builder) EndNode() *Builder {
	b.putU32(uint32(tokenEndNode))
	return b
}

// Property adds a property with a raw value to the current node.
func (b *Builder) Property(name string, value []byte) *Builder {
	nameOff, ok := b.nameOffsets[name]
	if !ok {
		nameOff = uint32(len(b.strtab))
		b.nameOffsets[name] = nameOff
		b.strtab = append(b.strtab, name...)
		b.strtab = append(b.strtab, 0)
	}

	b.putU32(uint32(tokenProp))
	b.putU32(uint32(len(value)))
	b.putU32(nameOff)
	b.structure = append(b.structure, value...)
	b.pad()
	return b
}

// PropertyString adds a NUL-terminated string property.
func (b *Builder) PropertyString(name, value string) *Builder {
	return b.Property(name, append([]byte(value), 0))
}

// PropertyCells adds a property made of 32-bit cells.
func (b *Builder) PropertyCells(name string, cells ...uint32) *Builder {
	value := make([]byte, 4*len(cells))
	for i, cell := range cells {
		binary.BigEndian.PutUint32(value[i*4:], cell)
	}
	return b.Property(name, value)
}

// PropertyReg adds a reg property with two address and two size cells per
// region.
func (b *Builder) PropertyReg(regions ...MemoryRegion) *Builder {
	value := make([]byte, 16*len(regions))
	for i, region := range regions {
		binary.BigEndian.PutUint64(value[i*16:], region.PhysAddress)
		binary.BigEndian.PutUint64(value[i*16+8:], region.Length)
	}
	return b.Property("reg", value)
}

// Bytes returns the blob. All open nodes must have been closed.
func (b *Builder) Bytes() []byte {
	const rsvmapOff = headerSize

	var (
		structOff  = rsvmapOff + 16*(len(b.reservations)+1)
		structSize = len(b.structure) + 4
		stringsOff = structOff + structSize
		totalSize  = stringsOff + len(b.strtab)
		blob       = make([]byte, totalSize)
	)

	for i, v := range []uint32{
		fdtMagic, uint32(totalSize), uint32(structOff), uint32(stringsOff), rsvmapOff,
		17, minCompatVersion, 0, uint32(len(b.strtab)), uint32(structSize),
	} {
		binary.BigEndian.PutUint32(blob[i*4:], v)
	}

	for i, r := range b.reservations {
		binary.BigEndian.PutUint64(blob[rsvmapOff+i*16:], r.PhysAddress)
		binary.BigEndian.PutUint64(blob[rsvmapOff+i*16+8:], r.Length)
	}

	copy(blob[structOff:], b.structure)
	binary.BigEndian.PutUint32(blob[structOff+len(b.structure):], uint32(tokenEnd))
	copy(blob[stringsOff:], b.strtab)
	return blob
}

func (b *Builder) putU32(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

func (b *Builder) pad() {
	for len(b.structure)&3 != 0 {
		b.structure = append(b.structure, 0)
	}
}
