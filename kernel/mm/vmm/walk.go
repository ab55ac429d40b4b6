package vmm

import (
	"unsafe"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
)

type pageTable [entriesPerTable]pageTableEntry

// table returns the contents of the table stored in frame.
func (m *Manager) table(frame mm.Frame) *pageTable {
	b := mm.FrameBytes(m.mem, frame)
	if b == nil {
		panicFn(errTableOutsideRAM)
		return nil
	}
	return (*pageTable)(unsafe.Pointer(&b[0]))
}

// pageTableWalker is invoked by walk with the descriptor that translates the
// walked address at each level. Returning false stops the walk.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr starting at the table in
// root. The walk descends while the visited entry (as left by walkFn) points
// to a next level table.
func (m *Manager) walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	tableFrame := root
	for level := uint8(0); level < pageLevels; level++ {
		table := m.table(tableFrame)
		if table == nil {
			return errTableOutsideRAM
		}

		pte := &table[entryIndex(virtAddr, level)]
		if pte.kind(level) == kindCorrupt {
			panicFn(errCorruptedEntry)
			return errCorruptedEntry
		}

		if !walkFn(level, pte) || pte.kind(level) != kindTable {
			return nil
		}
		tableFrame = pte.Frame()
	}

	return nil
}

// leaf describes the mapping that translates an address.
type leaf struct {
	pte   *pageTableEntry
	level uint8

	// span is the size of the region translated by the last visited
	// entry, whether it is mapped or not.
	span uintptr
}

func (l leaf) mapped() bool { return l.pte != nil }

// findLeaf looks up the block or page mapping for virtAddr.
func (m *Manager) findLeaf(root mm.Frame, virtAddr uintptr) (leaf, *kernel.Error) {
	var l leaf
	err := m.walk(root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		l.span = levelSize(level)
		switch pte.kind(level) {
		case kindBlock, kindPage:
			l.pte, l.level = pte, level
		}
		return true
	})
	return l, err
}

// reclaimTables frees the tables on the walk path of virtAddr that no longer
// contain any valid entry, starting from the deepest one. The root table is
// never freed.
func (m *Manager) reclaimTables(as *AddressSpace, virtAddr uintptr) {
	var (
		parents [pageLevels]*pageTableEntry
		frames  [pageLevels + 1]mm.Frame
		depth   uint8
	)

	frames[0] = as.root
	m.walk(as.root, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		depth = level
		if pte.kind(level) == kindTable {
			parents[level] = pte
			frames[level+1] = pte.Frame()
			depth = level + 1
		}
		return true
	})

	for level := depth; level > 0; level-- {
		table := m.table(frames[level])
		if table == nil || !table.empty() {
			return
		}

		*parents[level-1] = 0
		flushTLBEntryFn(virtAddr)
		m.freeTable(frames[level])
		as.tables--
	}
}

// empty returns true if none of the table entries is valid.
func (t *pageTable) empty() bool {
	for _, pte := range t {
		if pte.HasFlags(entryValid) {
			return false
		}
	}
	return true
}
