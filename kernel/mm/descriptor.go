package mm

import (
	"unsafe"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/list"
)

// Owner identifies the consumer of an allocated frame.
type Owner uint8

const (
	// OwnerNone marks frames that are free or not managed by the frame
	// allocator.
	OwnerNone Owner = iota

	// OwnerKernel marks frames handed out for generic kernel use.
	OwnerKernel

	// OwnerSlab marks frames that back a slab cache.
	OwnerSlab

	// OwnerPageTable marks frames that hold a translation table.
	OwnerPageTable
)

// String implements fmt.Stringer.
func (o Owner) String() string {
	switch o {
	case OwnerKernel:
		return "kernel"
	case OwnerSlab:
		return "slab"
	case OwnerPageTable:
		return "page-table"
	default:
		return "none"
	}
}

type descriptorFlag uint8

const (
	descFree descriptorFlag = 1 << iota
	descAllocated
	descHead
)

// PageDescriptor holds the bookkeeping state of a single physical frame.
// Descriptors contain no Go pointers so that the descriptor array can be
// placed in physical memory managed by the frame allocator itself.
//
// Only the frame allocator may change the state of a descriptor.
type PageDescriptor struct {
	next, prev uint32
	order      uint8
	flags      descriptorFlag
	owner      Owner
	tag        uint8
}

// DescriptorSize is the number of bytes occupied by one PageDescriptor.
const DescriptorSize = unsafe.Sizeof(PageDescriptor{})

// Order returns the buddy order of the block this descriptor heads.
func (d *PageDescriptor) Order() uint8 { return d.order }

// IsFree returns true if the descriptor heads a block that sits on a free
// list.
func (d *PageDescriptor) IsFree() bool { return d.flags&descFree != 0 }

// IsAllocated returns true if the descriptor heads an allocated block.
func (d *PageDescriptor) IsAllocated() bool { return d.flags&descAllocated != 0 }

// IsHead returns true if the descriptor is the first frame of a free or
// allocated block.
func (d *PageDescriptor) IsHead() bool { return d.flags&descHead != 0 }

// Owner returns the consumer of an allocated block.
func (d *PageDescriptor) Owner() Owner { return d.owner }

// Tag returns the owner specific tag. Slab pages store their size class
// index here.
func (d *PageDescriptor) Tag() uint8 { return d.tag }

// MarkFree records that the descriptor heads a free block of the given
// order.
func (d *PageDescriptor) MarkFree(order uint8) {
	d.flags, d.order, d.owner, d.tag = descFree|descHead, order, OwnerNone, 0
}

// MarkAllocated records that the descriptor heads an allocated block of the
// given order owned by owner.
func (d *PageDescriptor) MarkAllocated(order uint8, owner Owner, tag uint8) {
	d.flags, d.order, d.owner, d.tag = descAllocated|descHead, order, owner, tag
}

// Clear resets the block state of the descriptor. List links are left
// untouched.
func (d *PageDescriptor) Clear() {
	d.flags, d.order, d.owner, d.tag = 0, 0, OwnerNone, 0
}

// Linked returns true if the descriptor is linked to a neighbour.
func (d *PageDescriptor) Linked() bool {
	return d.next != list.Nil || d.prev != list.Nil
}

var errDescriptorLayout = &kernel.Error{Module: "mm", Message: "page descriptor index and pointer arithmetic disagree"}

// DescriptorTable is a contiguous array of page descriptors, one for each
// frame in [Base(), Base()+Len()). The table implements list.Linker so that
// descriptors can be threaded onto intrusive lists by index.
type DescriptorTable struct {
	base  Frame
	descs []PageDescriptor
}

// NewDescriptorTable creates a table for count frames starting at base. If
// backing is non-nil, the descriptors are overlaid on it; otherwise they are
// allocated from the Go heap. All descriptors start unlinked and cleared.
func NewDescriptorTable(base Frame, count int, backing []byte) (*DescriptorTable, *kernel.Error) {
	if count <= 0 {
		return nil, errDescriptorLayout
	}

	t := &DescriptorTable{base: base}
	if backing == nil {
		t.descs = make([]PageDescriptor, count)
	} else {
		if uintptr(len(backing)) < uintptr(count)*DescriptorSize ||
			uintptr(unsafe.Pointer(&backing[0]))%unsafe.Alignof(PageDescriptor{}) != 0 {
			return nil, errDescriptorLayout
		}
		t.descs = unsafe.Slice((*PageDescriptor)(unsafe.Pointer(&backing[0])), count)
	}

	for i := range t.descs {
		t.descs[i] = PageDescriptor{next: list.Nil, prev: list.Nil}
	}

	for _, idx := range []int{0, count / 2, count - 1} {
		if t.FrameOf(&t.descs[idx]) != t.Frame(uint32(idx)) {
			return nil, errDescriptorLayout
		}
	}

	return t, nil
}

// Base returns the first frame described by the table.
func (t *DescriptorTable) Base() Frame { return t.base }

// Len returns the number of descriptors in the table.
func (t *DescriptorTable) Len() int { return len(t.descs) }

// Contains returns true if the table has a descriptor for f.
func (t *DescriptorTable) Contains(f Frame) bool {
	return f >= t.base && f-t.base < Frame(len(t.descs))
}

// ContainsRange returns true if the table has descriptors for all count
// frames starting at f.
func (t *DescriptorTable) ContainsRange(f Frame, count uintptr) bool {
	return t.Contains(f) && uintptr(f-t.base)+count <= uintptr(len(t.descs))
}

// Index returns the descriptor index of frame f. The caller must ensure that
// f is covered by the table.
func (t *DescriptorTable) Index(f Frame) uint32 { return uint32(f - t.base) }

// Frame returns the frame described by the descriptor at idx.
func (t *DescriptorTable) Frame(idx uint32) Frame { return t.base + Frame(idx) }

// At returns the descriptor at idx.
func (t *DescriptorTable) At(idx uint32) *PageDescriptor { return &t.descs[idx] }

// Descriptor returns the descriptor for frame f or nil if f is not covered
// by the table.
func (t *DescriptorTable) Descriptor(f Frame) *PageDescriptor {
	if !t.Contains(f) {
		return nil
	}
	return &t.descs[f-t.base]
}

// FrameOf derives the frame described by d from its address within the
// table. It returns InvalidFrame if d does not belong to the table.
func (t *DescriptorTable) FrameOf(d *PageDescriptor) Frame {
	offset := uintptr(unsafe.Pointer(d)) - uintptr(unsafe.Pointer(&t.descs[0]))
	if offset%DescriptorSize != 0 || offset/DescriptorSize >= uintptr(len(t.descs)) {
		return InvalidFrame
	}
	return t.base + Frame(offset/DescriptorSize)
}

// Next implements list.Linker.
func (t *DescriptorTable) Next(idx uint32) uint32 { return t.descs[idx].next }

// Prev implements list.Linker.
func (t *DescriptorTable) Prev(idx uint32) uint32 { return t.descs[idx].prev }

// SetNext implements list.Linker.
func (t *DescriptorTable) SetNext(idx, next uint32) { t.descs[idx].next = next }

// SetPrev implements list.Linker.
func (t *DescriptorTable) SetPrev(idx, prev uint32) { t.descs[idx].prev = prev }
