package vmm

import (
	"testing"

	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = pageTableEntry(1 << 10)
		flag2 = pageTableEntry(1 << 53)
	)

	if pte.HasFlags(flag1) || pte.HasFlags(flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.SetFlags(flag1)

	if !pte.HasFlags(flag1) {
		t.Fatalf("expected HasFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.SetFlags(flag2)

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFlags(entryValid | entryUXN)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}
	if !pte.HasFlags(entryValid | entryUXN) {
		t.Fatal("expected SetFrame to preserve the attribute bits")
	}
}

func TestPageTableEntryKind(t *testing.T) {
	specs := []struct {
		pte   pageTableEntry
		level uint8
		exp   entryKind
	}{
		{0, 0, kindInvalid},
		{entryTable, 3, kindInvalid},
		{entryValid | entryTable, 0, kindTable},
		{entryValid | entryTable, 2, kindTable},
		{entryValid, 2, kindBlock},
		{entryValid | entryTable, 3, kindPage},
		{entryValid, 0, kindCorrupt},
		{entryValid, 1, kindCorrupt},
		{entryValid, 3, kindCorrupt},
	}

	for specIndex, spec := range specs {
		if got := spec.pte.kind(spec.level); got != spec.exp {
			t.Errorf("[spec %d] expected kind %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestLeafEntryAttributes(t *testing.T) {
	specs := []struct {
		descr    string
		perm     Perm
		expSet   pageTableEntry
		expClear pageTableEntry
	}{
		{
			"kernel rw data",
			PermRead | PermWrite,
			entryAF | entrySHInner | entryPXN | entryUXN,
			entryAPUser | entryAPReadOnly | entryNG | entryAttrIndexMask,
		},
		{
			"kernel text",
			PermRead | PermExec,
			entryAF | entrySHInner | entryAPReadOnly | entryUXN,
			entryAPUser | entryPXN | entryNG,
		},
		{
			"user text",
			PermRead | PermExec | PermUser,
			entryAF | entryAPUser | entryAPReadOnly | entryNG | entryPXN,
			entryUXN,
		},
		{
			"user stack",
			PermRead | PermWrite | PermUser,
			entryAF | entryAPUser | entryNG | entryPXN | entryUXN,
			entryAPReadOnly,
		},
		{
			"device",
			PermRead | PermWrite | PermDevice | PermExec,
			entryAF | entryPXN | entryUXN | attrIndexDevice<<entryAttrIndexShift,
			entrySHInner | entryAPReadOnly | entryAPUser,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			for _, level := range []uint8{blockLevel, lastLevel} {
				pte := leafEntry(level, 0x4020_0000, spec.perm)

				if !pte.HasFlags(spec.expSet) {
					t.Errorf("level %d: expected flags 0x%x to be set in 0x%x", level, uint64(spec.expSet), uint64(pte))
				}
				if pte&spec.expClear != 0 {
					t.Errorf("level %d: expected flags 0x%x to be clear in 0x%x", level, uint64(spec.expClear), uint64(pte))
				}
				if exp, got := mm.FrameFromAddress(0x4020_0000), pte.Frame(); got != exp {
					t.Errorf("level %d: expected frame %d; got %d", level, exp, got)
				}

				expKind := kindBlock
				if level == lastLevel {
					expKind = kindPage
				}
				if got := pte.kind(level); got != expKind {
					t.Errorf("level %d: expected kind %d; got %d", level, expKind, got)
				}
			}
		})
	}
}

func TestPermOf(t *testing.T) {
	specs := []struct {
		perm Perm
		exp  Perm
	}{
		{PermRead, PermRead},
		{PermWrite, PermRead | PermWrite},
		{PermRead | PermExec, PermRead | PermExec},
		{PermRead | PermWrite | PermUser, PermRead | PermWrite | PermUser},
		{PermRead | PermExec | PermUser, PermRead | PermExec | PermUser},
		// Device mappings never carry the exec permission.
		{PermRead | PermWrite | PermExec | PermDevice, PermRead | PermWrite | PermDevice},
	}

	for specIndex, spec := range specs {
		if got := permOf(leafEntry(lastLevel, 0, spec.perm)); got != spec.exp {
			t.Errorf("[spec %d] expected perm %05b; got %05b", specIndex, spec.exp, got)
		}
	}
}

func TestRegisterValues(t *testing.T) {
	if exp, got := uint64(0x04FF), uint64(MAIRValue); got != exp {
		t.Errorf("expected MAIR value 0x%x; got 0x%x", exp, got)
	}
	if exp, got := uint64(0x5_B510_3510), uint64(TCRValue); got != exp {
		t.Errorf("expected TCR value 0x%x; got 0x%x", exp, got)
	}
}

func TestEntryIndex(t *testing.T) {
	specs := []struct {
		virtAddr uintptr
		exp      [pageLevels]uintptr
	}{
		{0, [pageLevels]uintptr{0, 0, 0, 0}},
		{0x0000_0080_4020_1000, [pageLevels]uintptr{1, 1, 1, 1}},
		{mm.KernelVirtBase + 0x4000_0000, [pageLevels]uintptr{256, 1, 0, 0}},
		{0x0000_7FFF_FFFF_F000, [pageLevels]uintptr{255, 511, 511, 511}},
	}

	for specIndex, spec := range specs {
		for level := uint8(0); level < pageLevels; level++ {
			if got := entryIndex(spec.virtAddr, level); got != spec.exp[level] {
				t.Errorf("[spec %d] level %d: expected index %d; got %d", specIndex, level, spec.exp[level], got)
			}
		}
	}
}
