package pmm

import (
	"sort"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
)

var (
	// buddy is the system frame allocator set up by Init.
	buddy *BuddyAllocator

	errNoRAM             = &kernel.Error{Module: "pmm", Message: "no usable RAM regions"}
	errNoDescriptorSpace = &kernel.Error{Module: "pmm", Message: "unable to find space for the page descriptor table"}
	errNotInitialized    = &kernel.Error{Module: "pmm", Message: "frame allocator not initialized"}
)

// Init sets up the system frame allocator for the RAM regions reported by
// the firmware. Frames that overlap any of the reserved regions (kernel
// image, device tree blob, early heap, static page table pool) are never
// handed out.
//
// The page descriptor table is placed in RAM at the first 2MB-aligned
// address that does not collide with a reserved region and is reserved as
// well. Init also registers the allocator with mm.SetFrameAllocator.
func Init(ram, reserved []mm.Region, mem mm.FrameMemory) *kernel.Error {
	var (
		physMin = ^uintptr(0)
		physMax uintptr
	)
	for _, r := range ram {
		if r.Size() == 0 {
			continue
		}
		if r.Start < physMin {
			physMin = r.Start
		}
		if r.End > physMax {
			physMax = r.End
		}
	}
	if physMax == 0 {
		return errNoRAM
	}
	physMin, physMax = mm.AlignDown(physMin, mm.PageSize), mm.AlignUp(physMax, mm.PageSize)

	holes := make([]mm.Region, 0, len(reserved)+1)
	for _, r := range reserved {
		holes = append(holes, mm.Region{Start: mm.AlignDown(r.Start, mm.PageSize), End: mm.AlignUp(r.End, mm.PageSize)})
	}

	frameCount := int((physMax - physMin) >> mm.PageShift)
	tableSize := mm.AlignUp(uintptr(frameCount)*mm.DescriptorSize, mm.PageSize)
	tableAddr, ok := findDescriptorSpace(ram, holes, tableSize)
	if !ok {
		return errNoDescriptorSpace
	}

	backing := mem.Bytes(tableAddr, tableSize)
	if backing == nil {
		return errNoDescriptorSpace
	}

	table, err := mm.NewDescriptorTable(mm.FrameFromAddress(physMin), frameCount, backing)
	if err != nil {
		return err
	}
	holes = append(holes, mm.Region{Start: tableAddr, End: tableAddr + tableSize})

	alloc := NewBuddyAllocator(table)
	for _, r := range ram {
		for _, piece := range subtractRegions(r, holes) {
			alloc.AddRange(piece.Start, piece.End)
		}
	}

	buddy = alloc
	mm.SetFrameAllocator(allocFrame, freeFrame)

	kfmt.Printf("[pmm] managing frames 0x%x-0x%x; descriptor table at 0x%x (%d bytes)\n", physMin, physMax, tableAddr, tableSize)
	alloc.PrintFreeLists()
	return nil
}

// Allocator returns the system frame allocator or nil if Init has not been
// called.
func Allocator() *BuddyAllocator { return buddy }

func allocFrame() (mm.Frame, *kernel.Error) {
	if buddy == nil {
		return mm.InvalidFrame, errNotInitialized
	}
	return buddy.Allocate(0)
}

func freeFrame(f mm.Frame) *kernel.Error {
	if buddy == nil {
		return errNotInitialized
	}
	return buddy.Deallocate(f, 0)
}

// findDescriptorSpace returns the first 2MB-aligned address inside a RAM
// region where size bytes fit without overlapping any hole.
func findDescriptorSpace(ram, holes []mm.Region, size uintptr) (uintptr, bool) {
	for _, r := range ram {
		for start := mm.AlignUp(r.Start, mm.BlockSize); start+size <= r.End && start >= r.Start; {
			candidate := mm.Region{Start: start, End: start + size}

			overlapping := false
			for _, hole := range holes {
				if candidate.Overlaps(hole) {
					overlapping = true
					start = mm.AlignUp(hole.End, mm.BlockSize)
					break
				}
			}

			if !overlapping {
				return start, true
			}
		}
	}

	return 0, false
}

// subtractRegions returns the parts of r that do not overlap any of holes in
// ascending address order.
func subtractRegions(r mm.Region, holes []mm.Region) []mm.Region {
	sorted := append([]mm.Region(nil), holes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var pieces []mm.Region
	cur := r.Start
	for _, hole := range sorted {
		if hole.End <= cur || hole.Start >= r.End {
			continue
		}
		if hole.Start > cur {
			pieces = append(pieces, mm.Region{Start: cur, End: hole.Start})
		}
		if hole.End > cur {
			cur = hole.End
		}
	}

	if cur < r.End {
		pieces = append(pieces, mm.Region{Start: cur, End: r.End})
	}
	return pieces
}

// TableFrameSource adapts a BuddyAllocator to the frame source interface
// used by the page table manager. Frames are tagged as page tables so they
// can be told apart from other allocations.
type TableFrameSource struct {
	Buddy *BuddyAllocator
}

// AllocTableFrame allocates a single frame for a translation table.
func (s TableFrameSource) AllocTableFrame() (mm.Frame, *kernel.Error) {
	return s.Buddy.AllocateFor(0, mm.OwnerPageTable, 0)
}

// FreeTableFrame returns a translation table frame to the allocator.
func (s TableFrameSource) FreeTableFrame(f mm.Frame) *kernel.Error {
	return s.Buddy.Deallocate(f, 0)
}
