// Package fdt parses flattened device tree blobs passed to the kernel by the
// boot loader. It extracts the information required to bring up memory
// management: RAM regions, reserved regions and the boot command line.
package fdt

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/veighnsche/LevitateOS-sub003/kernel"
)

const (
	fdtMagic   = 0xd00dfeed
	headerSize = 40

	// The oldest blob version whose layout we understand.
	minCompatVersion = 16
)

type token uint32

const (
	tokenBeginNode token = 1
	tokenEndNode   token = 2
	tokenProp      token = 3
	tokenNop       token = 4
	tokenEnd       token = 9
)

var (
	// ErrInvalidHeader is returned when the blob does not start with a
	// valid device tree header.
	ErrInvalidHeader = &kernel.Error{Module: "fdt", Message: "invalid device tree header"}

	// ErrMalformed is returned when the structure or strings block
	// cannot be decoded.
	ErrMalformed = &kernel.Error{Module: "fdt", Message: "malformed device tree structure"}

	// ErrInitrdMissing is returned by InitrdRange if /chosen does not
	// specify both initrd bounds.
	ErrInitrdMissing = &kernel.Error{Module: "fdt", Message: "initrd properties missing from device tree"}
)

// header describes the blob header. All fields are big-endian.
type header struct {
	magic           uint32
	totalSize       uint32
	offStruct       uint32
	offStrings      uint32
	offMemRsvmap    uint32
	version         uint32
	lastCompVersion uint32
	bootCPUIDPhys   uint32
	sizeStrings     uint32
	sizeStruct      uint32
}

// MemoryRegion describes a physical address range listed in the device
// tree.
type MemoryRegion struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64
}

// Property is a named node property with its raw big-endian value.
type Property struct {
	Name  string
	Value []byte
}

// Node is a device tree node.
type Node struct {
	Name       string
	Properties []Property
	Children   []*Node

	parent *Node
}

// Tree is a parsed device tree.
type Tree struct {
	root         *Node
	reservations []MemoryRegion
}

// Parse decodes the flattened device tree in blob. Returned errors wrap
// ErrInvalidHeader or ErrMalformed; use errors.Cause to retrieve them.
func Parse(blob []byte) (*Tree, error) {
	hdr, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}
	blob = blob[:hdr.totalSize]

	tree := &Tree{}
	if tree.reservations, err = parseReservations(blob, hdr.offMemRsvmap); err != nil {
		return nil, err
	}

	if hdr.offStrings+hdr.sizeStrings > hdr.totalSize || hdr.offStrings+hdr.sizeStrings < hdr.offStrings {
		return nil, errors.Wrapf(ErrMalformed, "strings block [0x%x, +0x%x) exceeds blob size 0x%x", hdr.offStrings, hdr.sizeStrings, hdr.totalSize)
	}
	strtab := blob[hdr.offStrings : hdr.offStrings+hdr.sizeStrings]

	structEnd := hdr.offStruct + hdr.sizeStruct
	if hdr.sizeStruct == 0 {
		// Version 16 blobs do not record the structure block size.
		structEnd = hdr.totalSize
	}
	if structEnd > hdr.totalSize || structEnd < hdr.offStruct {
		return nil, errors.Wrapf(ErrMalformed, "structure block [0x%x, 0x%x) exceeds blob size 0x%x", hdr.offStruct, structEnd, hdr.totalSize)
	}

	if tree.root, err = parseStructure(blob[:structEnd], hdr.offStruct, strtab); err != nil {
		return nil, err
	}
	return tree, nil
}

func parseHeader(blob []byte) (*header, error) {
	if len(blob) < headerSize {
		return nil, errors.Wrapf(ErrInvalidHeader, "blob length %d is shorter than the header", len(blob))
	}

	field := func(index int) uint32 { return binary.BigEndian.Uint32(blob[index*4:]) }
	hdr := &header{
		magic:           field(0),
		totalSize:       field(1),
		offStruct:       field(2),
		offStrings:      field(3),
		offMemRsvmap:    field(4),
		version:         field(5),
		lastCompVersion: field(6),
		bootCPUIDPhys:   field(7),
		sizeStrings:     field(8),
		sizeStruct:      field(9),
	}

	switch {
	case hdr.magic != fdtMagic:
		return nil, errors.Wrapf(ErrInvalidHeader, "bad magic 0x%x", hdr.magic)
	case hdr.totalSize < headerSize || int(hdr.totalSize) > len(blob):
		return nil, errors.Wrapf(ErrInvalidHeader, "total size 0x%x does not fit blob length 0x%x", hdr.totalSize, len(blob))
	case hdr.lastCompVersion > 17 || hdr.version < minCompatVersion:
		return nil, errors.Wrapf(ErrInvalidHeader, "unsupported version %d (last compatible %d)", hdr.version, hdr.lastCompVersion)
	case hdr.offStruct < headerSize || hdr.offStruct >= hdr.totalSize || hdr.offStruct&3 != 0:
		return nil, errors.Wrapf(ErrInvalidHeader, "bad structure block offset 0x%x", hdr.offStruct)
	case hdr.offMemRsvmap < headerSize || hdr.offMemRsvmap >= hdr.totalSize || hdr.offMemRsvmap&7 != 0:
		return nil, errors.Wrapf(ErrInvalidHeader, "bad memory reservation block offset 0x%x", hdr.offMemRsvmap)
	}

	return hdr, nil
}

// parseReservations decodes the memory reservation block which is a list of
// (address, size) pairs terminated by an all-zero entry.
func parseReservations(blob []byte, offset uint32) ([]MemoryRegion, error) {
	var regions []MemoryRegion
	for off := int(offset); ; off += 16 {
		if off+16 > len(blob) {
			return nil, errors.Wrapf(ErrMalformed, "unterminated memory reservation block at offset 0x%x", off)
		}

		addr := binary.BigEndian.Uint64(blob[off:])
		size := binary.BigEndian.Uint64(blob[off+8:])
		if addr == 0 && size == 0 {
			return regions, nil
		}
		regions = append(regions, MemoryRegion{PhysAddress: addr, Length: size})
	}
}

// parseStructure decodes the structure block that starts at offset into a
// node tree.
func parseStructure(blob []byte, offset uint32, strtab []byte) (*Node, error) {
	var (
		root *Node
		cur  *Node
		off  = int(offset)
	)

	readU32 := func() (uint32, error) {
		if off+4 > len(blob) {
			return 0, errors.Wrapf(ErrMalformed, "structure block truncated at offset 0x%x", off)
		}
		v := binary.BigEndian.Uint32(blob[off:])
		off += 4
		return v, nil
	}

	for {
		tok, err := readU32()
		if err != nil {
			return nil, err
		}

		switch token(tok) {
		case tokenBeginNode:
			name, next, ok := cString(blob, off)
			if !ok {
				return nil, errors.Wrapf(ErrMalformed, "unterminated node name at offset 0x%x", off)
			}
			off = align4(next)

			node := &Node{Name: name, parent: cur}
			switch {
			case cur != nil:
				cur.Children = append(cur.Children, node)
			case root != nil:
				return nil, errors.Wrapf(ErrMalformed, "second root node %q at offset 0x%x", name, off)
			default:
				root = node
			}
			cur = node
		case tokenEndNode:
			if cur == nil {
				return nil, errors.Wrapf(ErrMalformed, "unbalanced end of node at offset 0x%x", off-4)
			}
			cur = cur.parent
		case tokenProp:
			length, err := readU32()
			if err != nil {
				return nil, err
			}
			nameOff, err := readU32()
			if err != nil {
				return nil, err
			}
			if cur == nil {
				return nil, errors.Wrapf(ErrMalformed, "property outside of a node at offset 0x%x", off-12)
			}
			if off+int(length) > len(blob) || int(length) < 0 {
				return nil, errors.Wrapf(ErrMalformed, "property value of length %d at offset 0x%x exceeds the structure block", length, off)
			}
			name, _, ok := cString(strtab, int(nameOff))
			if !ok {
				return nil, errors.Wrapf(ErrMalformed, "bad property name offset 0x%x in node %q", nameOff, cur.Name)
			}

			cur.Properties = append(cur.Properties, Property{Name: name, Value: blob[off : off+int(length)]})
			off = align4(off + int(length))
		case tokenNop:
		case tokenEnd:
			if root == nil || cur != nil {
				return nil, errors.Wrapf(ErrMalformed, "end of structure block at offset 0x%x with open nodes", off-4)
			}
			return root, nil
		default:
			return nil, errors.Wrapf(ErrMalformed, "unknown token 0x%x at offset 0x%x", tok, off-4)
		}
	}
}

// cString returns the NUL-terminated string that starts at off and the
// offset past its terminator.
func cString(b []byte, off int) (string, int, bool) {
	if off < 0 || off >= len(b) {
		return "", 0, false
	}
	for end := off; end < len(b); end++ {
		if b[end] == 0 {
			return string(b[off:end]), end + 1, true
		}
	}
	return "", 0, false
}

func align4(off int) int {
	return (off + 3) &^ 3
}
