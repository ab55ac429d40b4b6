package kmain

import (
	"github.com/pkg/errors"
	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/hal/fdt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/kheap"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/physmem"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/pmm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/slab"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/vmm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoMemory      = &kernel.Error{Module: "kmain", Message: "boot info does not provide access to physical memory"}
	errNoRAM         = &kernel.Error{Module: "kmain", Message: "device tree does not describe any RAM"}
)

// System holds the memory management state set up by Boot.
type System struct {
	Tree   *fdt.Tree
	Pages  *vmm.Manager
	Frames *pmm.BuddyAllocator

	// Devices maps device names to the kernel virtual address of their
	// MMIO range.
	Devices map[string]uintptr
}

// protector is implemented by backing memories that can change the access
// rights of physical ranges.
type protector interface {
	Protect(physAddr, n uintptr, access physmem.Access) *kernel.Error
}

// systemSlab exposes the system slab allocator to the kernel heap.
type systemSlab struct{}

func (systemSlab) Alloc(size uintptr) (uintptr, *kernel.Error) { return slab.Alloc(size) }
func (systemSlab) Free(ptr uintptr) *kernel.Error              { return slab.Free(ptr) }

// Kmain is the kernel entrypoint. It brings up memory management using the
// information in info and never returns; if boot fails, or once there is
// nothing left to do, it halts the CPU through kfmt.Panic.
//
//go:noinline
func Kmain(info *BootInfo) {
	sys, err := Boot(info)
	if err != nil {
		kfmt.Printf("[kmain] boot failed: %s\n", err.Error())
		panicFn(errors.Cause(err))
		return
	}

	kfmt.Printf("[kmain] boot complete: %d free frames, %d device(s) mapped\n", sys.Frames.FreeFrames(), len(sys.Devices))
	slab.PrintStats()

	// Use panicFn instead of returning so the halt is reported.
	panicFn(errKmainReturned)
}

// Boot initializes the memory managers in dependency order:
//
//  1. parse the device tree and apply boot arguments
//  2. bootstrap the page table manager from the static table pool and
//     identity map the kernel image and the provisional heap
//  3. map device MMIO ranges into the kernel half
//  4. initialize the frame allocator with RAM minus reserved ranges
//  5. hand the page table manager over to the frame allocator and build
//     the linear map of RAM
//  6. initialize the slab allocator and the kernel heap
//
// Errors are returned with context attached; errors.Cause yields the
// originating *kernel.Error.
func Boot(info *BootInfo) (*System, error) {
	if info.Memory == nil {
		return nil, errNoMemory
	}

	tree, err := fdt.Parse(info.DeviceTree)
	if err != nil {
		return nil, errors.Wrap(err, "parsing device tree")
	}
	applyBootArgs(info, tree.BootCmdLine())

	ram, reserved := memoryMap(info, tree)
	if len(ram) == 0 {
		return nil, errNoRAM
	}

	sys := &System{
		Tree:    tree,
		Pages:   vmm.NewManager(info.Memory),
		Devices: make(map[string]uintptr),
	}

	pool := vmm.NewStaticPool(mm.FrameFromAddress(info.TablePoolStart), info.TablePoolFrames)
	if kerr := sys.Pages.Bootstrap(pool); kerr != nil {
		return nil, errors.Wrap(kerr, "bootstrapping page tables")
	}
	if kerr := sys.Pages.IdentityMap(info.KernelStart, info.KernelEnd-info.KernelStart, vmm.PermRead|vmm.PermWrite|vmm.PermExec); kerr != nil {
		return nil, errors.Wrapf(kerr, "identity mapping kernel image 0x%x-0x%x", info.KernelStart, info.KernelEnd)
	}
	if kerr := sys.Pages.IdentityMap(info.HeapStart, info.HeapEnd-info.HeapStart, vmm.PermRead|vmm.PermWrite); kerr != nil {
		return nil, errors.Wrapf(kerr, "identity mapping heap 0x%x-0x%x", info.HeapStart, info.HeapEnd)
	}

	for _, dev := range info.Devices {
		physAddr, size := dev.PhysAddr, dev.Size
		if node := tree.FindCompatible(dev.Compatible); dev.Compatible != "" && node != nil {
			if regs := node.Reg(); len(regs) != 0 {
				physAddr, size = uintptr(regs[0].PhysAddress), uintptr(regs[0].Length)
			}
		}

		virtAddr, kerr := sys.Pages.MapDevice(physAddr, size)
		if kerr != nil {
			return nil, errors.Wrapf(kerr, "mapping device %s at 0x%x", dev.Name, physAddr)
		}
		sys.Devices[dev.Name] = virtAddr
		kfmt.Printf("[kmain] %s: 0x%x -> 0x%x (%d bytes)\n", dev.Name, physAddr, virtAddr, size)
	}

	if kerr := pmm.Init(ram, reserved, info.Memory); kerr != nil {
		return nil, errors.Wrap(kerr, "initializing frame allocator")
	}
	sys.Frames = pmm.Allocator()

	if kerr := sys.Pages.UseFrameSource(pmm.TableFrameSource{Buddy: sys.Frames}); kerr != nil {
		return nil, errors.Wrap(kerr, "switching page table frame source")
	}

	kernelSpace := sys.Pages.KernelAddressSpace()
	for _, r := range ram {
		stats, kerr := sys.Pages.MapRange(kernelSpace, mm.PhysToVirt(r.Start), r.Start, r.Size(), vmm.PermRead|vmm.PermWrite, 0)
		if kerr != nil {
			return nil, errors.Wrapf(kerr, "building linear map for 0x%x-0x%x", r.Start, r.End)
		}
		kfmt.Printf("[vmm] linear map 0x%x-0x%x: %d block(s), %d page(s), %d table(s)\n", r.Start, r.End, stats.Blocks, stats.Pages, stats.Tables)
	}

	slab.Init(sys.Frames, info.Memory, info.SlabSlack)
	kheap.Init(systemSlab{}, sys.Frames)

	if p, ok := info.Memory.(protector); ok && info.ProtectKernelImage {
		start, end := mm.AlignDown(info.KernelStart, mm.PageSize), mm.AlignUp(info.KernelEnd, mm.PageSize)
		if kerr := p.Protect(start, end-start, physmem.AccessRead); kerr != nil {
			return nil, errors.Wrap(kerr, "write-protecting kernel image")
		}
	}

	return sys, nil
}

// memoryMap collects the RAM regions from the device tree and the ranges
// within them that must never be handed out by the frame allocator.
func memoryMap(info *BootInfo, tree *fdt.Tree) (ram, reserved []mm.Region) {
	tree.VisitMemRegions(func(r *fdt.MemoryRegion) bool {
		if r.Length != 0 {
			ram = append(ram, mm.Region{Start: uintptr(r.PhysAddress), End: uintptr(r.PhysAddress + r.Length)})
		}
		return true
	})

	tree.VisitReservedRegions(func(r *fdt.MemoryRegion) bool {
		reserved = append(reserved, mm.Region{Start: uintptr(r.PhysAddress), End: uintptr(r.PhysAddress + r.Length)})
		return true
	})

	if start, end, err := tree.InitrdRange(); err == nil && end > start {
		reserved = append(reserved, mm.Region{Start: uintptr(start), End: uintptr(end)})
	}

	reserved = append(reserved,
		mm.Region{Start: info.KernelStart, End: info.KernelEnd},
		mm.Region{Start: info.HeapStart, End: info.HeapEnd},
		mm.Region{Start: info.TablePoolStart, End: info.TablePoolStart + uintptr(info.TablePoolFrames)*mm.PageSize},
	)
	if info.DeviceTreeAddr != 0 {
		reserved = append(reserved, mm.Region{Start: info.DeviceTreeAddr, End: info.DeviceTreeAddr + uintptr(len(info.DeviceTree))})
	}

	return ram, reserved
}
