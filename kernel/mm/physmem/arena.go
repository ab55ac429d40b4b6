// Package physmem provides the backing store for physical memory when the
// kernel runs hosted. An Arena reserves an anonymous mapping that stands in
// for the RAM range [Base, Base+Size) so page tables, slab pages and the page
// descriptor array can live inside "physical" frames.
package physmem

import (
	"unsafe"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"golang.org/x/sys/unix"
)

var (
	// mmapFn and munmapFn are mocked by tests.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	errMisalignedArena = &kernel.Error{Module: "physmem", Message: "arena base and size must be page aligned"}
	errArenaMapFailed  = &kernel.Error{Module: "physmem", Message: "unable to reserve arena backing memory"}
	errOutsideArena    = &kernel.Error{Module: "physmem", Message: "address range is not backed by the arena"}
	errProtectFailed   = &kernel.Error{Module: "physmem", Message: "unable to change arena protection"}
	errArenaClosed     = &kernel.Error{Module: "physmem", Message: "arena has been released"}
)

// Access describes the host-side protection of an arena range.
type Access uint8

const (
	// AccessNone makes any access to the range fault.
	AccessNone Access = iota

	// AccessRead allows loads from the range.
	AccessRead

	// AccessReadWrite allows loads and stores.
	AccessReadWrite
)

// Arena is a page-aligned region of host memory that models a contiguous
// range of physical RAM. It implements mm.FrameMemory.
type Arena struct {
	base uintptr
	data []byte
}

// New reserves size bytes of backing memory for the physical range that
// starts at base.
func New(base uintptr, size mm.Size) (*Arena, *kernel.Error) {
	if base&(mm.PageSize-1) != 0 || uintptr(size)&(mm.PageSize-1) != 0 || size == 0 {
		return nil, errMisalignedArena
	}

	data, err := mmapFn(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		kfmt.Printf("[physmem] mmap of %d bytes failed: %s\n", uint64(size), err.Error())
		return nil, errArenaMapFailed
	}

	return &Arena{base: base, data: data}, nil
}

// Base returns the physical address of the first byte in the arena.
func (a *Arena) Base() uintptr { return a.base }

// Size returns the size of the arena in bytes.
func (a *Arena) Size() mm.Size { return mm.Size(len(a.data)) }

// Region returns the physical range modelled by the arena.
func (a *Arena) Region() mm.Region {
	return mm.Region{Start: a.base, End: a.base + uintptr(len(a.data))}
}

// Bytes implements mm.FrameMemory.
func (a *Arena) Bytes(physAddr, n uintptr) []byte {
	off, ok := a.offset(physAddr, n)
	if !ok {
		return nil
	}
	return a.data[off : off+n : off+n]
}

// Pointer returns a host pointer to the byte at physAddr or nil if physAddr
// is not backed by the arena.
func (a *Arena) Pointer(physAddr uintptr) unsafe.Pointer {
	off, ok := a.offset(physAddr, 1)
	if !ok {
		return nil
	}
	return unsafe.Pointer(&a.data[off])
}

// VirtBytes returns the n bytes visible at the kernel linear-map address
// virtAddr.
func (a *Arena) VirtBytes(virtAddr, n uintptr) []byte {
	if !mm.IsKernelAddress(virtAddr) {
		return nil
	}
	return a.Bytes(mm.VirtToPhys(virtAddr), n)
}

// Protect changes the host protection of the page-aligned physical range
// [physAddr, physAddr+n). It is used to catch stray writes to regions such as
// the kernel image.
func (a *Arena) Protect(physAddr, n uintptr, access Access) *kernel.Error {
	if physAddr&(mm.PageSize-1) != 0 || n&(mm.PageSize-1) != 0 {
		return errMisalignedArena
	}

	off, ok := a.offset(physAddr, n)
	if !ok {
		return errOutsideArena
	}

	prot := unix.PROT_NONE
	switch access {
	case AccessRead:
		prot = unix.PROT_READ
	case AccessReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	if err := unix.Mprotect(a.data[off:off+n], prot); err != nil {
		kfmt.Printf("[physmem] mprotect(0x%x, %d) failed: %s\n", physAddr, n, err.Error())
		return errProtectFailed
	}
	return nil
}

// Close releases the backing memory. The arena must not be used afterwards.
func (a *Arena) Close() *kernel.Error {
	if a.data == nil {
		return errArenaClosed
	}

	if err := munmapFn(a.data); err != nil {
		kfmt.Printf("[physmem] munmap failed: %s\n", err.Error())
		return errArenaMapFailed
	}
	a.data = nil
	return nil
}

func (a *Arena) offset(physAddr, n uintptr) (uintptr, bool) {
	size := uintptr(len(a.data))
	if physAddr < a.base || n > size || physAddr-a.base > size-n {
		return 0, false
	}
	return physAddr - a.base, true
}
