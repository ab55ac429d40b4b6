// Package kheap provides the general purpose kernel heap. Requests that fit
// a slab size class are served by the slab allocator and larger ones by
// whole buddy blocks mapped through the linear map.
package kheap

import (
	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/pmm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/slab"
)

// blockTag marks buddy blocks that back large heap allocations so they can
// be told apart from other kernel-owned blocks.
const blockTag = uint8(0x48)

var (
	// heap is the system heap set up by Init.
	heap *Heap

	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = &kernel.Error{Module: "kheap", Message: "invalid allocation size"}

	// ErrInvalidPointer is returned by Free for addresses that were not
	// returned by Alloc.
	ErrInvalidPointer = &kernel.Error{Module: "kheap", Message: "pointer was not allocated by the kernel heap"}

	errNotInitialized = &kernel.Error{Module: "kheap", Message: "kernel heap not initialized"}
)

// ObjectAllocator serves small objects.
type ObjectAllocator interface {
	Alloc(size uintptr) (uintptr, *kernel.Error)
	Free(ptr uintptr) *kernel.Error
}

// BlockAllocator serves power-of-two runs of frames.
type BlockAllocator interface {
	AllocateFor(order uint8, owner mm.Owner, tag uint8) (mm.Frame, *kernel.Error)
	Deallocate(frame mm.Frame, order uint8) *kernel.Error
	Lookup(frame mm.Frame) (pmm.BlockInfo, bool)
}

// Heap routes allocations by size.
type Heap struct {
	objects ObjectAllocator
	blocks  BlockAllocator
}

// New returns a heap on top of the supplied allocators.
func New(objects ObjectAllocator, blocks BlockAllocator) *Heap {
	return &Heap{objects: objects, blocks: blocks}
}

// Alloc returns the kernel virtual address of at least size bytes.
// Allocations larger than slab.MaxObjectSize are page aligned.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	switch {
	case size == 0:
		return 0, ErrInvalidSize
	case size <= slab.MaxObjectSize:
		return h.objects.Alloc(size)
	}

	frame, err := h.blocks.AllocateFor(mm.Size(size).Order(), mm.OwnerKernel, blockTag)
	if err != nil {
		return 0, err
	}
	return mm.PhysToVirt(frame.Address()), nil
}

// Free releases memory obtained from Alloc. The allocator that served the
// request is recovered from the descriptor of the frame containing ptr.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	if !mm.IsKernelAddress(ptr) {
		return ErrInvalidPointer
	}

	physAddr := mm.VirtToPhys(ptr)
	info, ok := h.blocks.Lookup(mm.FrameFromAddress(physAddr))
	switch {
	case !ok || !info.Allocated:
		return ErrInvalidPointer
	case info.Owner == mm.OwnerSlab:
		return h.objects.Free(ptr)
	case info.Owner != mm.OwnerKernel || info.Tag != blockTag || physAddr&(mm.PageSize-1) != 0:
		return ErrInvalidPointer
	}

	return h.blocks.Deallocate(mm.FrameFromAddress(physAddr), info.Order)
}

// Init sets up the system heap.
func Init(objects ObjectAllocator, blocks BlockAllocator) {
	heap = New(objects, blocks)
	kfmt.Printf("[kheap] objects up to %d bytes from slab caches, larger requests from buddy blocks\n", slab.MaxObjectSize)
}

// Alloc allocates memory from the system heap.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if heap == nil {
		return 0, errNotInitialized
	}
	return heap.Alloc(size)
}

// Free releases memory allocated by Alloc.
func Free(ptr uintptr) *kernel.Error {
	if heap == nil {
		return errNotInitialized
	}
	return heap.Free(ptr)
}
