package vmm

import (
	"math/rand"
	"testing"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/pmm"
)

func TestMapTranslateUnmap(t *testing.T) {
	regs, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 4*mm.Mb, true)
	mgr := env.mgr

	as, err := mgr.NewUserAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	freeFrames := env.buddy.FreeFrames()

	virtAddr, physAddr := uintptr(0x0040_0000), testRAMBase+0x30_0000
	stats, err := mgr.MapRange(as, virtAddr, physAddr, mm.PageSize, PermRead|PermWrite|PermUser, 0)
	if err != nil {
		t.Fatal(err)
	}
	if exp := (MappingStats{Pages: 1, Tables: 3}); stats != exp {
		t.Fatalf("expected stats %+v; got %+v", exp, stats)
	}
	if exp, got := 4, as.TableCount(); got != exp {
		t.Fatalf("expected %d tables; got %d", exp, got)
	}
	if exp, got := freeFrames-3, env.buddy.FreeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	got, err := mgr.Translate(as, virtAddr+0x123)
	if err != nil {
		t.Fatal(err)
	}
	if exp := physAddr + 0x123; got != exp {
		t.Fatalf("expected translation 0x%x; got 0x%x", exp, got)
	}
	if _, err = mgr.Translate(as, virtAddr+mm.PageSize); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped for the next page; got %v", err)
	}

	flushes := regs.entryFlushes
	if err = mgr.Unmap(as, virtAddr+0x10); err != nil {
		t.Fatal(err)
	}
	if regs.entryFlushes <= flushes {
		t.Fatal("expected unmap to flush the TLB entry")
	}

	if _, err = mgr.Translate(as, virtAddr); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped after unmap; got %v", err)
	}
	if exp, got := 1, as.TableCount(); got != exp {
		t.Fatalf("expected the intermediate tables to be reclaimed; got %d tables", got)
	}
	if got := env.buddy.FreeFrames(); got != freeFrames {
		t.Fatalf("expected %d free frames after unmap; got %d", freeFrames, got)
	}
	if !mgr.table(as.Root()).empty() {
		t.Fatal("expected the root table to be empty")
	}

	if err = mgr.Unmap(as, virtAddr); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped; got %v", err)
	}
}

func TestMapUsesBlocks(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 16*mm.Mb, true)
	mgr := env.mgr
	kernelSpace := mgr.KernelAddressSpace()

	specs := []struct {
		descr    string
		physAddr uintptr
		size     uintptr
		opts     MapOption
		exp      MappingStats
	}{
		{
			"aligned range with a page tail",
			testRAMBase, 2*mm.BlockSize + 2*mm.PageSize, 0,
			MappingStats{Blocks: 2, Pages: 2, Tables: 3},
		},
		{
			"unaligned head",
			testRAMBase + mm.BlockSize - mm.PageSize, mm.BlockSize + mm.PageSize, 0,
			MappingStats{Blocks: 1, Pages: 1, Tables: 3},
		},
		{
			"blocks disabled",
			testRAMBase, mm.BlockSize, MapNoBlocks,
			MappingStats{Pages: 512, Tables: 3},
		},
		{
			"less than a block",
			testRAMBase, mm.BlockSize - mm.PageSize, 0,
			MappingStats{Pages: 511, Tables: 3},
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			virtAddr := mm.PhysToVirt(spec.physAddr)
			stats, err := mgr.MapRange(kernelSpace, virtAddr, spec.physAddr, spec.size, PermRead|PermWrite, spec.opts)
			if err != nil {
				t.Fatal(err)
			}
			if stats != spec.exp {
				t.Fatalf("expected stats %+v; got %+v", spec.exp, stats)
			}

			for off := uintptr(0); off < spec.size; off += mm.PageSize {
				got, err := mgr.Translate(kernelSpace, virtAddr+off)
				if err != nil {
					t.Fatalf("translating 0x%x: %v", virtAddr+off, err)
				}
				if exp := spec.physAddr + off; got != exp {
					t.Fatalf("expected 0x%x to translate to 0x%x; got 0x%x", virtAddr+off, exp, got)
				}
			}

			if err = mgr.UnmapRange(kernelSpace, virtAddr, spec.size); err != nil {
				t.Fatal(err)
			}
			if exp, got := 1, kernelSpace.TableCount(); got != exp {
				t.Fatalf("expected all tables to be reclaimed; got %d", got)
			}
		})
	}
}

func TestMapOverlap(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 8*mm.Mb, true)
	mgr := env.mgr

	as, err := mgr.NewUserAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	// A page at 0x1000 and a block at 2M.
	if err = mgr.Map(as, 0x1000, testRAMBase, mm.PageSize, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	if err = mgr.Map(as, mm.BlockSize, testRAMBase+mm.BlockSize, mm.BlockSize, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}
	tables := as.TableCount()

	specs := []struct {
		descr    string
		virtAddr uintptr
		physAddr uintptr
		size     uintptr
		opts     MapOption
		expErr   *kernel.Error
	}{
		{"page over page", 0x1000, testRAMBase + 0x5000, mm.PageSize, 0, ErrAlreadyMapped},
		{"range ending in a page", 0, testRAMBase, 2 * mm.PageSize, 0, ErrAlreadyMapped},
		{"page inside block", mm.BlockSize + 0x3000, testRAMBase, mm.PageSize, 0, ErrAlreadyMapped},
		{"page inside block with replace", mm.BlockSize + 0x3000, testRAMBase, mm.PageSize, MapReplace, ErrMappingConflict},
		{"block over page table", 0, testRAMBase, mm.BlockSize, MapReplace, ErrMappingConflict},
		{"misaligned offsets", 0x10_0000, testRAMBase + 0x10, mm.PageSize, 0, ErrMisaligned},
		{"kernel address", mm.KernelVirtBase, testRAMBase, mm.PageSize, 0, ErrInvalidVirtualAddress},
		{"crossing the user half end", mm.UserSpaceEnd - mm.PageSize, testRAMBase, 2 * mm.PageSize, 0, ErrInvalidVirtualAddress},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := mgr.MapRange(as, spec.virtAddr, spec.physAddr, spec.size, PermRead|PermUser, spec.opts)
			if err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			if got := as.TableCount(); got != tables {
				t.Fatalf("expected table count to remain %d; got %d", tables, got)
			}
		})
	}

	// The existing mappings are untouched.
	if got, _ := mgr.Translate(as, 0x1000); got != testRAMBase {
		t.Fatalf("expected 0x1000 to still map 0x%x; got 0x%x", testRAMBase, got)
	}
	if got, _ := mgr.Translate(as, mm.BlockSize+0x3000); got != testRAMBase+mm.BlockSize+0x3000 {
		t.Fatalf("expected the block mapping to be intact; got 0x%x", got)
	}

	t.Run("replace", func(t *testing.T) {
		if _, err := mgr.MapRange(as, 0x1000, testRAMBase+0x5000, mm.PageSize, PermRead|PermWrite|PermUser, MapReplace); err != nil {
			t.Fatal(err)
		}
		got, perm, err := mgr.translate(as, 0x1000)
		if err != nil {
			t.Fatal(err)
		}
		if exp := testRAMBase + 0x5000; got != exp {
			t.Fatalf("expected replaced mapping to translate to 0x%x; got 0x%x", exp, got)
		}
		if perm&PermWrite == 0 {
			t.Fatal("expected replaced mapping to be writable")
		}
	})

	t.Run("kernel space rejects user addresses", func(t *testing.T) {
		if err := mgr.Map(mgr.KernelAddressSpace(), 0x1000, testRAMBase, mm.PageSize, PermRead); err != ErrInvalidVirtualAddress {
			t.Fatalf("expected ErrInvalidVirtualAddress; got %v", err)
		}
	})

	t.Run("zero size", func(t *testing.T) {
		if stats, err := mgr.MapRange(as, 0x1000, testRAMBase, 0, PermRead, 0); err != nil || stats != (MappingStats{}) {
			t.Fatalf("expected an empty request to be a no-op; got %+v, %v", stats, err)
		}
	})
}

func TestMapOutOfMemoryRollsBack(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 4*mm.Mb, true)
	mgr := env.mgr

	// The root, L1, L2 and one L3 table.
	src := &limitedSource{src: pmm.TableFrameSource{Buddy: env.buddy}, left: 4}
	mgr.source = src

	as, err := mgr.NewUserAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	freeFrames := env.buddy.FreeFrames()

	// The second page needs a new L3 table.
	virtAddr := mm.BlockSize - mm.PageSize
	stats, err := mgr.MapRange(as, virtAddr, testRAMBase, 2*mm.PageSize, PermRead|PermUser, 0)
	if err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	if stats != (MappingStats{}) {
		t.Fatalf("expected empty stats; got %+v", stats)
	}

	if _, err = mgr.Translate(as, virtAddr); err != ErrNotMapped {
		t.Fatalf("expected the first page to be rolled back; got %v", err)
	}
	if exp, got := 1, as.TableCount(); got != exp {
		t.Fatalf("expected the tables of the failed request to be reclaimed; got %d tables", got)
	}
	if got := env.buddy.FreeFrames(); got != freeFrames {
		t.Fatalf("expected %d free frames; got %d", freeFrames, got)
	}
}

func TestMapReplaceRollbackRestoresEntries(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 4*mm.Mb, true)
	mgr := env.mgr

	as, err := mgr.NewUserAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	virtAddr := mm.BlockSize - mm.PageSize
	if err = mgr.Map(as, virtAddr, testRAMBase, mm.PageSize, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	mgr.source = &limitedSource{src: pmm.TableFrameSource{Buddy: env.buddy}}
	if _, err = mgr.MapRange(as, virtAddr, testRAMBase+0x8000, 2*mm.PageSize, PermRead|PermWrite|PermUser, MapReplace); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	got, perm, err := mgr.translate(as, virtAddr)
	if err != nil {
		t.Fatal(err)
	}
	if got != testRAMBase || perm&PermWrite != 0 {
		t.Fatalf("expected the replaced entry to be restored; got 0x%x with perm %05b", got, perm)
	}
	if exp, got := 4, as.TableCount(); got != exp {
		t.Fatalf("expected %d tables; got %d", exp, got)
	}
}

func TestUnmapRange(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 8*mm.Mb, true)
	mgr := env.mgr

	as, err := mgr.NewUserAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	if err = mgr.Map(as, mm.BlockSize, testRAMBase, mm.BlockSize+4*mm.PageSize, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	if err = mgr.Map(as, mm.PageSize, testRAMBase+0x60_0000, mm.PageSize, PermRead|PermUser); err != nil {
		t.Fatal(err)
	}

	if err = mgr.UnmapRange(as, mm.BlockSize, mm.PageSize); err != ErrMappingConflict {
		t.Fatalf("expected a partial block unmap to fail with ErrMappingConflict; got %v", err)
	}

	// The conflict is detected before the page preceding the block is
	// touched.
	if err = mgr.UnmapRange(as, 0, mm.BlockSize+mm.PageSize); err != ErrMappingConflict {
		t.Fatalf("expected ErrMappingConflict; got %v", err)
	}
	if got, err := mgr.Translate(as, mm.PageSize); err != nil || got != testRAMBase+0x60_0000 {
		t.Fatalf("expected a conflicting range to be left untouched; got 0x%x, %v", got, err)
	}
	if err = mgr.UnmapRange(as, 2*mm.PageSize, mm.PageSize); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped; got %v", err)
	}
	if err = mgr.UnmapRange(as, mm.KernelVirtBase, mm.PageSize); err != ErrInvalidVirtualAddress {
		t.Fatalf("expected ErrInvalidVirtualAddress; got %v", err)
	}

	// Unmap the block and the first two tail pages.
	if err = mgr.UnmapRange(as, 0, 2*mm.BlockSize+2*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	for _, va := range []uintptr{mm.PageSize, mm.BlockSize, 2 * mm.BlockSize, 2*mm.BlockSize + mm.PageSize} {
		if _, err = mgr.Translate(as, va); err != ErrNotMapped {
			t.Fatalf("expected 0x%x to be unmapped; got %v", va, err)
		}
	}
	if got, err := mgr.Translate(as, 2*mm.BlockSize+2*mm.PageSize); err != nil || got != testRAMBase+mm.BlockSize+2*mm.PageSize {
		t.Fatalf("expected the remaining tail pages to be mapped; got 0x%x, %v", got, err)
	}

	if err = mgr.UnmapRange(as, 2*mm.BlockSize, 4*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if exp, got := 1, as.TableCount(); got != exp {
		t.Fatalf("expected all tables to be reclaimed; got %d", got)
	}
}

func TestHigherHalfDeviceVisibility(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 8*mm.Mb, true)
	mgr := env.mgr

	const uartPhys = uintptr(0x0900_0000)
	uartVirt, err := mgr.MapDevice(uartPhys, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.PhysToVirt(uartPhys); uartVirt != exp {
		t.Fatalf("expected the device to be mapped at 0x%x; got 0x%x", exp, uartVirt)
	}

	_, perm, err := mgr.translate(mgr.KernelAddressSpace(), uartVirt)
	if err != nil {
		t.Fatal(err)
	}
	if exp := PermRead | PermWrite | PermDevice; perm != exp {
		t.Fatalf("expected device permissions %05b; got %05b", exp, perm)
	}

	var spaces [2]*AddressSpace
	for i := range spaces {
		if spaces[i], err = mgr.NewUserAddressSpace(); err != nil {
			t.Fatal(err)
		}
		if err = mgr.Map(spaces[i], 0x40_0000, testRAMBase+uintptr(i+1)*mm.BlockSize, mm.PageSize, PermRead|PermUser); err != nil {
			t.Fatal(err)
		}
	}

	for i, as := range spaces {
		if err = mgr.Activate(as); err != nil {
			t.Fatal(err)
		}

		got, err := mgr.TranslateActive(uartVirt + 0x18)
		if err != nil {
			t.Fatalf("space %d: %v", i, err)
		}
		if exp := uartPhys + 0x18; got != exp {
			t.Fatalf("space %d: expected device translation 0x%x; got 0x%x", i, exp, got)
		}

		got, err = mgr.TranslateActive(0x40_0000)
		if err != nil {
			t.Fatalf("space %d: %v", i, err)
		}
		if exp := testRAMBase + uintptr(i+1)*mm.BlockSize; got != exp {
			t.Fatalf("space %d: expected user translation 0x%x; got 0x%x", i, exp, got)
		}

		// The device is never visible through the lower half.
		if _, err = mgr.Translate(as, uartPhys); err != ErrNotMapped {
			t.Fatalf("space %d: expected the device to be absent from the user half; got %v", i, err)
		}
	}
}

func TestAddressOutsideHalfRejected(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 8*mm.Mb, true)
	mgr := env.mgr
	kernelSpace := mgr.KernelAddressSpace()

	as, err := mgr.NewUserAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	if err = mgr.Map(as, 0x1000, testRAMBase+0x30_0000, mm.PageSize, PermRead|PermWrite|PermUser); err != nil {
		t.Fatal(err)
	}

	const uartPhys = uintptr(0x0900_0000)
	uartVirt, err := mgr.MapDevice(uartPhys, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	// Table indices only use bits 47:12, so several of these addresses
	// alias the live mappings above.
	specs := []struct {
		as       *AddressSpace
		virtAddr uintptr
	}{
		{as, 0x0001_0000_0000_1000},
		{as, mm.UserSpaceEnd + 0x1000},
		{as, mm.KernelVirtBase + 0x1000},
		{kernelSpace, uartVirt &^ mm.KernelVirtBase},
		{kernelSpace, 0x1000},
	}

	for specIndex, spec := range specs {
		if _, err := mgr.Translate(spec.as, spec.virtAddr); err != ErrInvalidVirtualAddress {
			t.Errorf("[spec %d] expected Translate(0x%x) to fail with ErrInvalidVirtualAddress; got %v", specIndex, spec.virtAddr, err)
		}
		if err := mgr.Unmap(spec.as, spec.virtAddr); err != ErrInvalidVirtualAddress {
			t.Errorf("[spec %d] expected Unmap(0x%x) to fail with ErrInvalidVirtualAddress; got %v", specIndex, spec.virtAddr, err)
		}
	}

	if got, err := mgr.Translate(as, 0x1000); err != nil || got != testRAMBase+0x30_0000 {
		t.Fatalf("expected the user mapping to survive; got 0x%x, %v", got, err)
	}
	if got, err := mgr.Translate(kernelSpace, uartVirt); err != nil || got != uartPhys {
		t.Fatalf("expected the device mapping to survive; got 0x%x, %v", got, err)
	}
}

func TestIdentityMap(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 8*mm.Mb, false)
	mgr := env.mgr
	if err := mgr.Bootstrap(env.pool); err != nil {
		t.Fatal(err)
	}

	if err := mgr.IdentityMap(testRAMBase, uintptr(4*mm.Mb), PermRead|PermWrite|PermExec); err != nil {
		t.Fatal(err)
	}

	got, err := mgr.TranslateActive(testRAMBase + 0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if exp := testRAMBase + 0x1234; got != exp {
		t.Fatalf("expected identity translation 0x%x; got 0x%x", exp, got)
	}
}

func TestNoDoubleOwnership(t *testing.T) {
	_, restore := mockRegisters()
	defer restore()

	env := newTestEnv(t, 8*mm.Mb, true)
	mgr := env.mgr

	as, err := mgr.NewUserAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	var (
		rng        = rand.New(rand.NewSource(42))
		freeFrames = env.buddy.FreeFrames()
		live       = make(map[uintptr]mm.Frame)
		owned      = make(map[mm.Frame]uintptr)
	)

	for i := 0; i < 2000; i++ {
		// Spread pages over a few tables.
		virtAddr := uintptr(rng.Intn(4))<<30 | uintptr(rng.Intn(8))<<21 | uintptr(rng.Intn(16))<<12

		if frame, mapped := live[virtAddr]; mapped {
			if err = mgr.Unmap(as, virtAddr); err != nil {
				t.Fatal(err)
			}
			if err = env.buddy.Deallocate(frame, 0); err != nil {
				t.Fatal(err)
			}
			delete(live, virtAddr)
			delete(owned, frame)
			continue
		}

		frame, err := env.buddy.Allocate(0)
		if err != nil {
			t.Fatal(err)
		}
		if va, dup := owned[frame]; dup {
			t.Fatalf("frame %d handed out while mapped at 0x%x", frame, va)
		}
		if info, _ := env.buddy.Lookup(frame); info.Owner == mm.OwnerPageTable {
			t.Fatalf("data frame %d is owned by a page table", frame)
		}

		if err = mgr.Map(as, virtAddr, frame.Address(), mm.PageSize, PermRead|PermWrite|PermUser); err != nil {
			t.Fatal(err)
		}
		live[virtAddr] = frame
		owned[frame] = virtAddr

		if exp, got := freeFrames-uint64(len(live))-uint64(as.TableCount()-1), env.buddy.FreeFrames(); got != exp {
			t.Fatalf("op %d: expected %d free frames; got %d", i, exp, got)
		}
	}

	for virtAddr, frame := range live {
		got, err := mgr.Translate(as, virtAddr)
		if err != nil || got != frame.Address() {
			t.Fatalf("expected 0x%x to map frame %d; got 0x%x, %v", virtAddr, frame, got, err)
		}
		if err = mgr.Unmap(as, virtAddr); err != nil {
			t.Fatal(err)
		}
		env.buddy.Deallocate(frame, 0)
	}

	if exp, got := 1, as.TableCount(); got != exp {
		t.Fatalf("expected only the root table to remain; got %d", got)
	}
	if got := env.buddy.FreeFrames(); got != freeFrames {
		t.Fatalf("expected %d free frames; got %d", freeFrames, got)
	}
}
