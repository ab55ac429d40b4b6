package kmain

import (
	"strconv"

	"github.com/veighnsche/LevitateOS-sub003/kernel/hal/fdt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/slab"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/vmm"
)

// Layout of the machine described by DefaultBootInfo. It follows the QEMU
// aarch64 "virt" board.
const (
	DefaultRAMBase = uintptr(0x4000_0000)
	DefaultRAMSize = 64 * mm.Mb

	defaultKernelStart    = uintptr(0x4008_0000)
	defaultKernelEnd      = uintptr(0x4028_0000)
	defaultTablePoolStart = uintptr(0x4030_0000)
	defaultHeapStart      = uintptr(0x4040_0000)
	defaultHeapEnd        = uintptr(0x4080_0000)
)

// Device describes an MMIO range that is mapped into the kernel half during
// boot.
type Device struct {
	Name string

	// Compatible, if set, is looked up in the device tree and the first
	// reg entry of the matching node overrides PhysAddr and Size.
	Compatible string

	PhysAddr uintptr
	Size     uintptr
}

// BootInfo carries the information the boot loader hands to the kernel.
type BootInfo struct {
	// DeviceTree is the flattened device tree blob.
	DeviceTree []byte

	// DeviceTreeAddr is the physical address of the blob, or zero if it
	// does not live in RAM.
	DeviceTreeAddr uintptr

	// Memory provides access to the contents of physical frames.
	Memory mm.FrameMemory

	// The physical range occupied by the kernel image.
	KernelStart, KernelEnd uintptr

	// The provisional heap range set up by the boot code.
	HeapStart, HeapEnd uintptr

	// TablePoolStart and TablePoolFrames describe the frames reserved
	// for the bootstrap page tables.
	TablePoolStart  uintptr
	TablePoolFrames int

	// Devices lists the MMIO ranges that drivers expect to be mapped.
	Devices []Device

	// SlabSlack is the number of empty pages retained by each slab
	// cache. The "slab.slack" boot argument overrides it.
	SlabSlack int

	// ProtectKernelImage asks for the kernel image to be made read-only
	// in the backing memory once boot completes, if Memory supports it.
	ProtectKernelImage bool
}

// DefaultBootInfo returns the boot information of the default machine.
// Memory is left for the caller to provide.
func DefaultBootInfo() BootInfo {
	devices := []Device{
		{Name: "uart0", Compatible: "arm,pl011", PhysAddr: 0x0900_0000, Size: 0x1000},
		{Name: "gic", Compatible: "arm,cortex-a15-gic", PhysAddr: 0x0800_0000, Size: 0x2_0000},
	}

	return BootInfo{
		DeviceTree:         MachineDeviceTree(mm.Region{Start: DefaultRAMBase, End: DefaultRAMBase + uintptr(DefaultRAMSize)}, devices, ""),
		KernelStart:        defaultKernelStart,
		KernelEnd:          defaultKernelEnd,
		HeapStart:          defaultHeapStart,
		HeapEnd:            defaultHeapEnd,
		TablePoolStart:     defaultTablePoolStart,
		TablePoolFrames:    vmm.DefaultStaticPoolFrames,
		Devices:            devices,
		SlabSlack:          slab.DefaultSlack,
		ProtectKernelImage: true,
	}
}

// MachineDeviceTree builds a device tree blob describing a machine with the
// supplied RAM range and devices. bootargs is stored in /chosen.
func MachineDeviceTree(ram mm.Region, devices []Device, bootargs string) []byte {
	b := fdt.NewBuilder().
		BeginNode("").
		PropertyCells("#address-cells", 2).
		PropertyCells("#size-cells", 2).
		PropertyString("compatible", "linux,dummy-virt")

	b.BeginNode("memory@"+strconv.FormatUint(uint64(ram.Start), 16)).
		PropertyString("device_type", "memory").
		PropertyReg(fdt.MemoryRegion{PhysAddress: uint64(ram.Start), Length: uint64(ram.Size())}).
		EndNode()

	for _, dev := range devices {
		b.BeginNode(dev.Name + "@" + strconv.FormatUint(uint64(dev.PhysAddr), 16))
		if dev.Compatible != "" {
			b.PropertyString("compatible", dev.Compatible)
		}
		b.PropertyReg(fdt.MemoryRegion{PhysAddress: uint64(dev.PhysAddr), Length: uint64(dev.Size)}).
			EndNode()
	}

	b.BeginNode("chosen")
	if bootargs != "" {
		b.PropertyString("bootargs", bootargs)
	}
	b.EndNode()

	return b.EndNode().Bytes()
}

// applyBootArgs overrides boot settings with the values found on the
// kernel command line.
func applyBootArgs(info *BootInfo, cmdLine map[string]string) {
	if v, ok := cmdLine["slab.slack"]; ok {
		slack, err := strconv.Atoi(v)
		if err != nil || slack < 0 {
			kfmt.Printf("[kmain] ignoring invalid slab.slack value %q\n", v)
		} else {
			info.SlabSlack = slack
		}
	}
}
