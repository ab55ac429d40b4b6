package vmm

import (
	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
)

// MapOption alters the behaviour of MapRange.
type MapOption uint8

const (
	// MapReplace allows a request to overwrite existing mappings of the
	// same granularity.
	MapReplace MapOption = 1 << iota

	// MapNoBlocks forces the use of 4K page mappings even when the range
	// is suitably aligned for 2M block mappings.
	MapNoBlocks
)

// MappingStats reports the work performed by MapRange.
type MappingStats struct {
	Blocks int
	Pages  int
	Tables int
}

// mappedChunk records a leaf written by MapRange so it can be rolled back.
type mappedChunk struct {
	virtAddr uintptr
	level    uint8
	old      pageTableEntry
}

// Map establishes a mapping of size bytes from virtAddr to physAddr in as.
// Missing tables are allocated from the active frame source and 2M block
// mappings are used wherever both addresses are suitably aligned. Map fails
// with ErrAlreadyMapped if any part of the range is already mapped.
func (m *Manager) Map(as *AddressSpace, virtAddr, physAddr, size uintptr, perm Perm) *kernel.Error {
	_, err := m.MapRange(as, virtAddr, physAddr, size, perm, 0)
	return err
}

// IdentityMap maps [physAddr, physAddr+size) at the same virtual address in
// the boot address space.
func (m *Manager) IdentityMap(physAddr, size uintptr, perm Perm) *kernel.Error {
	bootSpace := m.BootAddressSpace()
	if bootSpace == nil {
		return errNotInitialized
	}
	return m.Map(bootSpace, physAddr, physAddr, size, perm)
}

// MapDevice maps an MMIO range into the kernel half at its linear-map
// address and returns the virtual address of physAddr. Devices are always
// mapped in the shared kernel half so they remain reachable whichever user
// address space is active.
func (m *Manager) MapDevice(physAddr, size uintptr) (uintptr, *kernel.Error) {
	kernelSpace := m.KernelAddressSpace()
	if kernelSpace == nil {
		return 0, errNotInitialized
	}

	virtAddr := mm.PhysToVirt(physAddr)
	if err := m.Map(kernelSpace, virtAddr, physAddr, size, PermRead|PermWrite|PermDevice); err != nil {
		return 0, err
	}
	return virtAddr, nil
}

// MapRange is the general form of Map. With MapReplace, existing leaves in
// the range are overwritten. If a table cannot be allocated, every leaf
// written by the call is rolled back and now-empty tables are reclaimed
// before ErrOutOfMemory is returned.
func (m *Manager) MapRange(as *AddressSpace, virtAddr, physAddr, size uintptr, perm Perm, opts MapOption) (MappingStats, *kernel.Error) {
	var stats MappingStats

	if size == 0 {
		return stats, nil
	}
	if virtAddr&(mm.PageSize-1) != physAddr&(mm.PageSize-1) {
		return stats, ErrMisaligned
	}

	start := mm.AlignDown(virtAddr, mm.PageSize)
	end := mm.AlignUp(virtAddr+size, mm.PageSize)
	physStart := mm.AlignDown(physAddr, mm.PageSize)
	if !as.contains(start, end) {
		return stats, ErrInvalidVirtualAddress
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed.Load() {
		return stats, ErrAddressSpaceDestroyed
	}

	if opts&MapReplace == 0 {
		mapped, err := m.anyMapped(as, start, end)
		if err != nil {
			return stats, err
		}
		if mapped {
			return stats, ErrAlreadyMapped
		}
	}

	var (
		chunks       []mappedChunk
		tablesBefore = as.tables
	)
	for cur, curPhys := start, physStart; cur != end; {
		level, chunkSize := lastLevel, mm.PageSize
		if opts&MapNoBlocks == 0 && cur&(mm.BlockSize-1) == 0 && curPhys&(mm.BlockSize-1) == 0 && end-cur >= mm.BlockSize {
			level, chunkSize = blockLevel, mm.BlockSize
		}

		old, err := m.mapLeaf(as, cur, curPhys, level, perm, opts&MapReplace != 0)
		if err != nil {
			m.rollback(as, chunks, cur)
			return MappingStats{}, err
		}
		chunks = append(chunks, mappedChunk{virtAddr: cur, level: level, old: old})

		if level == blockLevel {
			stats.Blocks++
		} else {
			stats.Pages++
		}
		cur += chunkSize
		curPhys += chunkSize
	}

	stats.Tables = as.tables - tablesBefore
	return stats, nil
}

// anyMapped returns true if any address in [start, end) is mapped.
func (m *Manager) anyMapped(as *AddressSpace, start, end uintptr) (bool, *kernel.Error) {
	for cur := start; cur != end; {
		l, err := m.findLeaf(as.root, cur)
		if err != nil {
			return false, err
		}
		if l.mapped() {
			return true, nil
		}

		next := mm.AlignDown(cur, l.span) + l.span
		if next <= cur || (end != 0 && next >= end) {
			break
		}
		cur = next
	}
	return false, nil
}

// mapLeaf writes a single block or page descriptor for virtAddr creating
// any missing intermediate tables. It returns the descriptor that was
// replaced.
func (m *Manager) mapLeaf(as *AddressSpace, virtAddr, physAddr uintptr, leafLevel uint8, perm Perm, replace bool) (pageTableEntry, *kernel.Error) {
	var (
		old pageTableEntry
		err *kernel.Error
	)

	walkErr := m.walk(as.root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		kind := pte.kind(level)

		if level == leafLevel {
			switch {
			case kind == kindTable:
				err = ErrMappingConflict
				return false
			case kind != kindInvalid && !replace:
				err = ErrAlreadyMapped
				return false
			}

			old = *pte
			*pte = leafEntry(level, physAddr, perm)
			flushTLBEntryFn(virtAddr)
			return false
		}

		switch kind {
		case kindInvalid:
			var frame mm.Frame
			if frame, err = m.allocTable(); err != nil {
				return false
			}
			*pte = tableEntry(frame)
			as.tables++
		case kindBlock:
			err = ErrMappingConflict
			if !replace {
				err = ErrAlreadyMapped
			}
			return false
		}
		return true
	})

	if walkErr != nil {
		return 0, walkErr
	}
	return old, err
}

// rollback restores the descriptors replaced by chunks in reverse order and
// reclaims the tables that became empty, including any allocated for the
// failed request at failedAddr.
func (m *Manager) rollback(as *AddressSpace, chunks []mappedChunk, failedAddr uintptr) {
	m.reclaimTables(as, failedAddr)

	for i := len(chunks) - 1; i >= 0; i-- {
		chunk := chunks[i]
		m.walk(as.root, chunk.virtAddr, func(level uint8, pte *pageTableEntry) bool {
			if level != chunk.level {
				return true
			}
			*pte = chunk.old
			flushTLBEntryFn(chunk.virtAddr)
			return false
		})

		if !chunk.old.HasFlags(entryValid) {
			m.reclaimTables(as, chunk.virtAddr)
		}
	}
}

// Unmap removes the page or block mapping that translates virtAddr and
// frees any table left empty by the removal.
func (m *Manager) Unmap(as *AddressSpace, virtAddr uintptr) *kernel.Error {
	if !as.contains(virtAddr, virtAddr+1) {
		return ErrInvalidVirtualAddress
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed.Load() {
		return ErrAddressSpaceDestroyed
	}

	l, err := m.findLeaf(as.root, virtAddr)
	if err != nil {
		return err
	}
	if !l.mapped() {
		return ErrNotMapped
	}

	m.clearLeaf(as, l, virtAddr)
	return nil
}

// UnmapRange removes every mapping within [virtAddr, virtAddr+size). Block
// mappings must be fully contained in the range; the range is checked before
// any mapping is removed so a conflict leaves it untouched. ErrNotMapped is
// returned if the range contains no mapping at all.
func (m *Manager) UnmapRange(as *AddressSpace, virtAddr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	start := mm.AlignDown(virtAddr, mm.PageSize)
	end := mm.AlignUp(virtAddr+size, mm.PageSize)
	if !as.contains(start, end) {
		return ErrInvalidVirtualAddress
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed.Load() {
		return ErrAddressSpaceDestroyed
	}

	found := false
	err := m.visitLeaves(as, start, end, func(cur uintptr, l leaf) *kernel.Error {
		if !l.mapped() {
			return nil
		}
		if cur&(l.span-1) != 0 || (end != 0 && end-cur < l.span) {
			return ErrMappingConflict
		}
		found = true
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotMapped
	}

	return m.visitLeaves(as, start, end, func(cur uintptr, l leaf) *kernel.Error {
		if l.mapped() {
			m.clearLeaf(as, l, cur)
		}
		return nil
	})
}

// visitLeaves invokes fn with the leaf lookup of every translation slot
// that intersects [start, end). An end of zero denotes the top of the
// address space.
func (m *Manager) visitLeaves(as *AddressSpace, start, end uintptr, fn func(cur uintptr, l leaf) *kernel.Error) *kernel.Error {
	for cur := start; cur != end; {
		l, err := m.findLeaf(as.root, cur)
		if err != nil {
			return err
		}
		if err = fn(cur, l); err != nil {
			return err
		}

		next := mm.AlignDown(cur, l.span) + l.span
		if next <= cur || (end != 0 && next >= end) {
			break
		}
		cur = next
	}
	return nil
}

func (m *Manager) clearLeaf(as *AddressSpace, l leaf, virtAddr uintptr) {
	*l.pte = 0
	flushTLBEntryFn(mm.AlignDown(virtAddr, levelSize(l.level)))
	m.reclaimTables(as, virtAddr)
}

// Translate returns the physical address that virtAddr maps to in as.
// Addresses outside the half served by as yield ErrInvalidVirtualAddress.
func (m *Manager) Translate(as *AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	physAddr, _, err := m.translate(as, virtAddr)
	return physAddr, err
}

func (m *Manager) translate(as *AddressSpace, virtAddr uintptr) (uintptr, Perm, *kernel.Error) {
	if !as.contains(virtAddr, virtAddr+1) {
		return 0, 0, ErrInvalidVirtualAddress
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed.Load() {
		return 0, 0, ErrAddressSpaceDestroyed
	}

	l, err := m.findLeaf(as.root, virtAddr)
	if err != nil {
		return 0, 0, err
	}
	if !l.mapped() {
		return 0, 0, ErrNotMapped
	}

	size := levelSize(l.level)
	base := uintptr(*l.pte&entryAddrMask) &^ (size - 1)
	return base + virtAddr&(size-1), permOf(*l.pte), nil
}

// TranslateActive translates virtAddr the way the MMU currently would:
// upper half addresses through the kernel address space and lower half
// addresses through the active user (or boot identity) address space.
func (m *Manager) TranslateActive(virtAddr uintptr) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	as := m.active
	if mm.IsKernelAddress(virtAddr) {
		as = m.kernelSpace
	}
	m.lock.Release()

	if as == nil {
		return 0, errNotInitialized
	}
	return m.Translate(as, virtAddr)
}
