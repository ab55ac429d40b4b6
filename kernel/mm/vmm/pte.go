package vmm

import "github.com/veighnsche/LevitateOS-sub003/kernel/mm"

// pageTableEntry is an AArch64 stage 1 translation table descriptor.
type pageTableEntry uint64

const (
	entryValid pageTableEntry = 1 << 0

	// entryTable distinguishes table descriptors from block descriptors
	// at levels 0-2. At level 3 it must be set for page descriptors.
	entryTable pageTableEntry = 1 << 1

	entryAttrIndexShift = 2
	entryAttrIndexMask  = pageTableEntry(7) << entryAttrIndexShift

	entryAPUser     pageTableEntry = 1 << 6
	entryAPReadOnly pageTableEntry = 1 << 7
	entrySHInner    pageTableEntry = 3 << 8
	entryAF         pageTableEntry = 1 << 10
	entryNG         pageTableEntry = 1 << 11
	entryPXN        pageTableEntry = 1 << 53
	entryUXN        pageTableEntry = 1 << 54

	entryAddrMask pageTableEntry = 0x0000_FFFF_FFFF_F000
)

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags pageTableEntry) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags pageTableEntry) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// Frame returns the physical page frame that this page table entry points
// to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & uintptr(entryAddrMask)) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical
// frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ uintptr(entryAddrMask)) | frame.Address())
}

type entryKind uint8

const (
	kindInvalid entryKind = iota
	kindTable
	kindBlock
	kindPage
	kindCorrupt
)

// kind classifies the entry according to the level of the table that holds
// it. A valid entry whose type bits are not legal for its level is reported
// as kindCorrupt.
func (pte pageTableEntry) kind(level uint8) entryKind {
	if !pte.HasFlags(entryValid) {
		return kindInvalid
	}

	isTable := pte.HasFlags(entryTable)
	switch {
	case level == lastLevel && isTable:
		return kindPage
	case level == lastLevel:
		return kindCorrupt
	case isTable:
		return kindTable
	case level == blockLevel:
		return kindBlock
	default:
		return kindCorrupt
	}
}

// leafEntry builds a block (level 2) or page (level 3) descriptor for
// physAddr.
func leafEntry(level uint8, physAddr uintptr, perm Perm) pageTableEntry {
	pte := perm.entryBits() | entryValid
	if level == lastLevel {
		pte.SetFlags(entryTable)
	}
	pte.SetFrame(mm.FrameFromAddress(physAddr))
	return pte
}

// tableEntry builds a descriptor pointing to the next level table stored in
// frame.
func tableEntry(frame mm.Frame) pageTableEntry {
	pte := entryValid | entryTable
	pte.SetFrame(frame)
	return pte
}

// Perm describes the access permissions and memory type of a mapping.
type Perm uint8

const (
	// PermRead allows loads. All valid mappings are readable.
	PermRead Perm = 1 << iota

	// PermWrite allows stores.
	PermWrite

	// PermExec allows instruction fetches. Kernel mappings are executable
	// by EL1 only and user mappings by EL0 only.
	PermExec

	// PermUser makes the mapping accessible from EL0. User mappings are
	// marked not-global so they are tagged per address space.
	PermUser

	// PermDevice selects the device-nGnRE memory type. Device mappings
	// are never executable.
	PermDevice
)

// entryBits encodes the permissions into descriptor attribute bits.
func (p Perm) entryBits() pageTableEntry {
	pte := entryAF

	if p&PermDevice != 0 {
		pte |= attrIndexDevice << entryAttrIndexShift
		pte |= entryPXN | entryUXN
	} else {
		pte |= attrIndexNormal<<entryAttrIndexShift | entrySHInner
		switch {
		case p&PermExec == 0:
			pte |= entryPXN | entryUXN
		case p&PermUser != 0:
			pte |= entryPXN
		default:
			pte |= entryUXN
		}
	}

	if p&PermWrite == 0 {
		pte |= entryAPReadOnly
	}

	if p&PermUser != 0 {
		pte |= entryAPUser | entryNG
	}

	return pte
}

// permOf decodes the permissions of a leaf descriptor.
func permOf(pte pageTableEntry) Perm {
	p := PermRead

	if !pte.HasFlags(entryAPReadOnly) {
		p |= PermWrite
	}

	user := pte.HasFlags(entryAPUser)
	if user {
		p |= PermUser
	}

	if (pte&entryAttrIndexMask)>>entryAttrIndexShift == attrIndexDevice {
		p |= PermDevice
	} else if (user && !pte.HasFlags(entryUXN)) || (!user && !pte.HasFlags(entryPXN)) {
		p |= PermExec
	}

	return p
}
