// Package vmm implements the page table manager. It maintains AArch64
// stage 1 translation tables for the shared kernel address space (upper
// half, TTBR1) and for one address space per process (lower half, TTBR0).
//
// The manager starts in bootstrap mode where table frames come from a small
// static pool; once the frame allocator is running it is switched, exactly
// once, to a dynamic frame source.
package vmm

import (
	"sync/atomic"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/cpu"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/sync"
)

var (
	// The following functions are used by tests to observe or replace
	// accesses to system registers.
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBAllFn   = cpu.FlushTLBAll
	writeTTBR0Fn    = cpu.WriteTTBR0
	writeTTBR1Fn    = cpu.WriteTTBR1
	writeMAIRFn     = cpu.WriteMAIR
	writeTCRFn      = cpu.WriteTCR

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when a frame for a new table cannot be
	// obtained.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory while allocating a page table"}

	// ErrAlreadyMapped is returned when a mapping request overlaps an
	// existing mapping and replacement was not requested.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrNotMapped is returned when no mapping exists for an address.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrMappingConflict is returned when a request would require
	// splitting a block mapping or replacing a table with a block.
	ErrMappingConflict = &kernel.Error{Module: "vmm", Message: "mapping conflicts with an existing mapping granularity"}

	// ErrInvalidVirtualAddress is returned when an address range does
	// not belong to the half served by the address space.
	ErrInvalidVirtualAddress = &kernel.Error{Module: "vmm", Message: "virtual address outside of the address space"}

	// ErrMisaligned is returned when the virtual and physical addresses
	// of a mapping have different page offsets.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "virtual and physical address offsets differ"}

	// ErrPermissionDenied is returned when a mapping exists but lacks
	// the requested access rights.
	ErrPermissionDenied = &kernel.Error{Module: "vmm", Message: "mapping does not grant the requested access"}

	// ErrAddressSpaceDestroyed is returned for operations on a destroyed
	// address space.
	ErrAddressSpaceDestroyed = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}

	// ErrAddressSpaceActive is returned when destroying the active user
	// address space.
	ErrAddressSpaceActive = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}

	errInvalidModeTransition = &kernel.Error{Module: "vmm", Message: "invalid page table manager mode transition"}
	errNotInitialized        = &kernel.Error{Module: "vmm", Message: "page table manager not initialized"}
	errNotUserSpace          = &kernel.Error{Module: "vmm", Message: "operation requires a user address space"}
	errCorruptedEntry        = &kernel.Error{Module: "vmm", Message: "page table entry with contradictory type bits"}
	errTableOutsideRAM       = &kernel.Error{Module: "vmm", Message: "page table frame is not backed by RAM"}
)

// Mode describes where the manager obtains table frames from.
type Mode uint8

const (
	// ModeUninitialized is the state before Bootstrap is called.
	ModeUninitialized Mode = iota

	// ModeBootstrap serves table frames from the static pool.
	ModeBootstrap

	// ModeDynamic serves table frames from the frame source installed
	// by UseFrameSource.
	ModeDynamic
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeBootstrap:
		return "bootstrap"
	case ModeDynamic:
		return "dynamic"
	default:
		return "uninitialized"
	}
}

type spaceKind uint8

const (
	spaceKernel spaceKind = iota
	spaceIdentity
	spaceUser
)

// AddressSpace is a tree of translation tables rooted at a single table.
// Table mutations and lookups hold the address space lock for the complete
// walk.
type AddressSpace struct {
	lock sync.IRQSpinlock

	root      mm.Frame
	kind      spaceKind
	tables    int
	destroyed atomic.Bool
}

// Root returns the frame of the root table.
func (as *AddressSpace) Root() mm.Frame { return as.root }

// TableCount returns the number of table frames owned by the address space,
// including the root table.
func (as *AddressSpace) TableCount() int {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.tables
}

// contains returns true if [start, end) lies within the half of the virtual
// address space served by as.
func (as *AddressSpace) contains(start, end uintptr) bool {
	if end <= start && end != 0 {
		return false
	}

	switch as.kind {
	case spaceKernel:
		return start >= mm.KernelVirtBase
	default:
		return end != 0 && end <= mm.UserSpaceEnd
	}
}

// LeafReleaser is invoked for every leaf mapping torn down when an address
// space is destroyed.
type LeafReleaser func(virtAddr, physAddr, size uintptr)

// Manager owns the translation tables of every address space.
type Manager struct {
	lock sync.IRQSpinlock

	mem    mm.FrameMemory
	mode   Mode
	pool   *StaticPool
	source FrameSource

	kernelSpace *AddressSpace
	bootSpace   *AddressSpace
	active      *AddressSpace
}

// NewManager returns an uninitialized manager that accesses table contents
// through mem.
func NewManager(mem mm.FrameMemory) *Manager {
	return &Manager{mem: mem}
}

// Mode returns the current frame source mode.
func (m *Manager) Mode() Mode {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.mode
}

// Bootstrap creates the kernel (TTBR1) and boot identity (TTBR0) root tables
// using frames from pool, programs the translation control registers and
// installs both roots.
func (m *Manager) Bootstrap(pool *StaticPool) *kernel.Error {
	m.lock.Acquire()
	if m.mode != ModeUninitialized {
		m.lock.Release()
		return errInvalidModeTransition
	}
	m.mode, m.pool, m.source = ModeBootstrap, pool, pool
	m.lock.Release()

	kernelSpace, err := m.newAddressSpace(spaceKernel)
	if err != nil {
		return err
	}
	bootSpace, err := m.newAddressSpace(spaceIdentity)
	if err != nil {
		return err
	}

	writeMAIRFn(MAIRValue)
	writeTCRFn(TCRValue)
	writeTTBR1Fn(kernelSpace.root.Address())
	writeTTBR0Fn(bootSpace.root.Address())
	flushTLBAllFn()

	m.lock.Acquire()
	m.kernelSpace, m.bootSpace, m.active = kernelSpace, bootSpace, bootSpace
	m.lock.Release()

	kfmt.Printf("[vmm] bootstrap tables: kernel root 0x%x, identity root 0x%x, %d pool frame(s) left\n",
		kernelSpace.root.Address(), bootSpace.root.Address(), pool.Available())
	return nil
}

// UseFrameSource performs the one-time switch from the static pool to a
// dynamic frame source. Tables allocated from the pool stay in use; if they
// are reclaimed later they are returned to the pool.
func (m *Manager) UseFrameSource(src FrameSource) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if m.mode != ModeBootstrap || src == nil {
		return errInvalidModeTransition
	}

	m.mode, m.source = ModeDynamic, src
	kfmt.Printf("[vmm] switched to dynamic table allocation\n")
	return nil
}

// KernelAddressSpace returns the shared kernel address space.
func (m *Manager) KernelAddressSpace() *AddressSpace {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.kernelSpace
}

// BootAddressSpace returns the identity-mapped address space used during
// boot.
func (m *Manager) BootAddressSpace() *AddressSpace {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.bootSpace
}

// ActiveUserAddressSpace returns the address space installed in TTBR0.
func (m *Manager) ActiveUserAddressSpace() *AddressSpace {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.active
}

// NewUserAddressSpace creates an empty address space for a process.
func (m *Manager) NewUserAddressSpace() (*AddressSpace, *kernel.Error) {
	if m.Mode() != ModeDynamic {
		return nil, errInvalidModeTransition
	}
	return m.newAddressSpace(spaceUser)
}

func (m *Manager) newAddressSpace(kind spaceKind) (*AddressSpace, *kernel.Error) {
	root, err := m.allocTable()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{root: root, kind: kind, tables: 1}, nil
}

// Activate installs as as the lower half address space. The kernel half is
// not affected.
func (m *Manager) Activate(as *AddressSpace) *kernel.Error {
	if as.kind == spaceKernel {
		return errNotUserSpace
	}
	if as.destroyed.Load() {
		return ErrAddressSpaceDestroyed
	}

	m.lock.Acquire()
	defer m.lock.Release()

	writeTTBR0Fn(as.root.Address())
	flushTLBAllFn()
	m.active = as
	return nil
}

// DestroyAddressSpace frees every table of a user address space that is
// not currently active. release, if not nil, is invoked for each leaf
// mapping so the caller can reclaim the mapped frames.
func (m *Manager) DestroyAddressSpace(as *AddressSpace, release LeafReleaser) *kernel.Error {
	if as.kind != spaceUser {
		return errNotUserSpace
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed.Load() {
		return ErrAddressSpaceDestroyed
	}

	m.lock.Acquire()
	active := m.active == as
	m.lock.Release()
	if active {
		return ErrAddressSpaceActive
	}

	m.destroyTable(as.root, 0, 0, release)
	m.freeTable(as.root)
	as.tables = 0
	as.destroyed.Store(true)
	flushTLBAllFn()
	return nil
}

// destroyTable releases every table below the table stored in frame.
func (m *Manager) destroyTable(frame mm.Frame, level uint8, baseAddr uintptr, release LeafReleaser) {
	table := m.table(frame)
	if table == nil {
		return
	}

	for i := range table {
		pte := table[i]
		virtAddr := baseAddr + uintptr(i)<<pageLevelShifts[level]

		switch pte.kind(level) {
		case kindTable:
			m.destroyTable(pte.Frame(), level+1, virtAddr, release)
			m.freeTable(pte.Frame())
		case kindBlock, kindPage:
			if release != nil {
				release(virtAddr, pte.Frame().Address(), levelSize(level))
			}
		case kindCorrupt:
			panicFn(errCorruptedEntry)
		}
		table[i] = 0
	}
}

// allocTable obtains a zeroed frame for a new table from the active frame
// source.
func (m *Manager) allocTable() (mm.Frame, *kernel.Error) {
	m.lock.Acquire()
	src := m.source
	m.lock.Release()

	if src == nil {
		return mm.InvalidFrame, errNotInitialized
	}

	frame, err := src.AllocTableFrame()
	if err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	if !mm.ZeroFrame(m.mem, frame) {
		if err = src.FreeTableFrame(frame); err != nil {
			panicFn(err)
		}
		return mm.InvalidFrame, errTableOutsideRAM
	}
	return frame, nil
}

// freeTable returns a table frame to the source it was allocated from.
func (m *Manager) freeTable(frame mm.Frame) {
	m.lock.Acquire()
	src := m.source
	if m.pool != nil && m.pool.Owns(frame) {
		src = m.pool
	}
	m.lock.Release()

	if err := src.FreeTableFrame(frame); err != nil {
		panicFn(err)
	}
}
