// Package pmm implements the physical frame allocator. Frames are managed in
// naturally aligned power-of-two blocks using the buddy algorithm; block
// state lives in a mm.DescriptorTable and free blocks are threaded onto one
// intrusive list per order.
package pmm

import (
	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/list"
	"github.com/veighnsche/LevitateOS-sub003/kernel/sync"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when no free block of the requested order
	// exists and none can be produced by splitting a larger block.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidOrder is returned for orders above mm.MaxOrder.
	ErrInvalidOrder = &kernel.Error{Module: "pmm", Message: "requested order exceeds the maximum order"}

	// ErrInvalidFree is returned when a caller releases a block that was
	// not handed out by the allocator or uses the wrong order.
	ErrInvalidFree = &kernel.Error{Module: "pmm", Message: "attempt to free a block that is not allocated"}

	errCorruptedFreeList = &kernel.Error{Module: "pmm", Message: "free list entry disagrees with its descriptor"}
	errCorruptedBuddy    = &kernel.Error{Module: "pmm", Message: "free buddy records an order larger than its block"}
)

// BlockInfo describes the allocation state of a frame.
type BlockInfo struct {
	// Allocated is set if the frame heads an allocated block.
	Allocated bool

	// Order of the block headed by the frame.
	Order uint8

	// Owner and Tag as recorded when the block was allocated.
	Owner mm.Owner
	Tag   uint8
}

// BuddyAllocator hands out naturally aligned blocks of 2^order frames.
type BuddyAllocator struct {
	lock sync.IRQSpinlock

	table *mm.DescriptorTable
	free  [mm.MaxOrder + 1]list.List

	freeFrames uint64
}

// NewBuddyAllocator returns an allocator that manages the frames described
// by table. The allocator starts without any free memory; frames become
// available through AddRange.
func NewBuddyAllocator(table *mm.DescriptorTable) *BuddyAllocator {
	return &BuddyAllocator{table: table}
}

// AddRange releases the page-aligned frames within [start, end) to the
// allocator. The range is carved into the largest naturally aligned blocks
// that fit; each block is coalesced with any free buddy.
func (b *BuddyAllocator) AddRange(start, end uintptr) {
	start, end = mm.AlignUp(start, mm.PageSize), mm.AlignDown(end, mm.PageSize)

	b.lock.Acquire()
	defer b.lock.Release()

	for frame, last := mm.FrameFromAddress(start), mm.FrameFromAddress(end); frame < last; {
		if !b.table.Contains(frame) {
			frame++
			continue
		}

		order := mm.MaxOrder
		for order > 0 && (frame&(1<<order-1) != 0 || frame+1<<order > last || !b.table.ContainsRange(frame, 1<<order)) {
			order--
		}

		b.releaseLocked(frame, order)
		frame += 1 << order
	}
}

// Allocate reserves a block of exactly 2^order contiguous frames for generic
// kernel use and returns its first frame.
func (b *BuddyAllocator) Allocate(order uint8) (mm.Frame, *kernel.Error) {
	return b.AllocateFor(order, mm.OwnerKernel, 0)
}

// AllocateFor behaves like Allocate but records owner and tag in the
// descriptor of the block's first frame.
func (b *BuddyAllocator) AllocateFor(order uint8, owner mm.Owner, tag uint8) (mm.Frame, *kernel.Error) {
	if order > mm.MaxOrder {
		return mm.InvalidFrame, ErrInvalidOrder
	}

	b.lock.Acquire()
	defer b.lock.Release()

	for k := order; k <= mm.MaxOrder; k++ {
		if b.free[k].Empty() {
			continue
		}

		idx := b.free[k].PopFront(b.table)
		d := b.table.At(idx)
		if !d.IsFree() || d.Order() != k {
			panicFn(errCorruptedFreeList)
			return mm.InvalidFrame, errCorruptedFreeList
		}

		// Split the block keeping the lower half and returning the upper
		// half to the free list of each intermediate order.
		frame := b.table.Frame(idx)
		for k > order {
			k--
			buddy := frame + 1<<k
			b.table.Descriptor(buddy).MarkFree(k)
			b.free[k].PushFront(b.table, b.table.Index(buddy))
		}

		d.MarkAllocated(order, owner, tag)
		b.freeFrames -= 1 << order
		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// Deallocate returns a block obtained through Allocate or AllocateFor.
// The frame and order must match the original allocation exactly.
func (b *BuddyAllocator) Deallocate(frame mm.Frame, order uint8) *kernel.Error {
	if order > mm.MaxOrder || frame&(1<<order-1) != 0 || !b.table.ContainsRange(frame, 1<<order) {
		return ErrInvalidFree
	}

	b.lock.Acquire()
	defer b.lock.Release()

	d := b.table.Descriptor(frame)
	if !d.IsAllocated() || !d.IsHead() || d.Order() != order {
		return ErrInvalidFree
	}

	b.releaseLocked(frame, order)
	return nil
}

// releaseLocked merges the block with its free buddies and pushes the result
// onto the matching free list.
func (b *BuddyAllocator) releaseLocked(frame mm.Frame, order uint8) {
	b.table.Descriptor(frame).Clear()
	b.freeFrames += 1 << order

	for ; order < mm.MaxOrder; order++ {
		buddy := frame ^ (1 << order)
		if !b.table.ContainsRange(buddy, 1<<order) {
			break
		}

		bd := b.table.Descriptor(buddy)
		if !bd.IsFree() {
			break
		}

		// A free buddy head with a smaller order means part of the
		// buddy is still allocated. A larger order would make the
		// buddy block overlap the one being released.
		if bd.Order() < order {
			break
		} else if bd.Order() > order {
			panicFn(errCorruptedBuddy)
			return
		}

		b.free[order].Remove(b.table, b.table.Index(buddy))
		bd.Clear()
		if buddy < frame {
			frame = buddy
		}
	}

	b.table.Descriptor(frame).MarkFree(order)
	b.free[order].PushFront(b.table, b.table.Index(frame))
}

// Lookup reports the allocation state of frame. It returns false if frame is
// not managed by the allocator.
func (b *BuddyAllocator) Lookup(frame mm.Frame) (BlockInfo, bool) {
	b.lock.Acquire()
	defer b.lock.Release()

	d := b.table.Descriptor(frame)
	if d == nil {
		return BlockInfo{}, false
	}

	return BlockInfo{
		Allocated: d.IsAllocated(),
		Order:     d.Order(),
		Owner:     d.Owner(),
		Tag:       d.Tag(),
	}, true
}

// FreeFrames returns the number of frames currently sitting on free lists.
func (b *BuddyAllocator) FreeFrames() uint64 {
	b.lock.Acquire()
	defer b.lock.Release()
	return b.freeFrames
}

// FreeBlocks returns the number of free blocks of the given order.
func (b *BuddyAllocator) FreeBlocks(order uint8) int {
	if order > mm.MaxOrder {
		return 0
	}

	b.lock.Acquire()
	defer b.lock.Release()
	return b.free[order].Len()
}

// VisitFreeBlocks invokes visitor for each free block in free list order,
// starting with order 0. Visiting stops if visitor returns false. The
// allocator lock is held while visiting so visitor must not call back into
// the allocator.
func (b *BuddyAllocator) VisitFreeBlocks(visitor func(frame mm.Frame, order uint8) bool) {
	b.lock.Acquire()
	defer b.lock.Release()

	keepGoing := true
	for order := uint8(0); order <= mm.MaxOrder && keepGoing; order++ {
		b.free[order].Walk(b.table, func(idx uint32) bool {
			keepGoing = visitor(b.table.Frame(idx), order)
			return keepGoing
		})
	}
}

// PrintFreeLists logs the number of free blocks of each non-empty order.
func (b *BuddyAllocator) PrintFreeLists() {
	b.lock.Acquire()
	defer b.lock.Release()

	w := kfmt.PrefixedOutput("[pmm] ")
	kfmt.Fprintf(w, "free frames: %d\n", b.freeFrames)
	for order := uint8(0); order <= mm.MaxOrder; order++ {
		if n := b.free[order].Len(); n != 0 {
			kfmt.Fprintf(w, "  order %2d: %d block(s)\n", order, n)
		}
	}
}

// Table returns the descriptor table managed by the allocator. Owners of
// allocated blocks may use the list links of their descriptors; all other
// descriptor state is reserved for the allocator.
func (b *BuddyAllocator) Table() *mm.DescriptorTable { return b.table }
