package fdt

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func buildTestTree() []byte {
	b := NewBuilder().
		AddReservation(0x4800_0000, 0x1000).
		BeginNode("").
		PropertyCells("#address-cells", 2).
		PropertyCells("#size-cells", 2).
		PropertyString("compatible", "linux,dummy-virt")

	b.BeginNode("memory@40000000").
		PropertyString("device_type", "memory").
		PropertyReg(
			MemoryRegion{PhysAddress: 0x4000_0000, Length: 0x0800_0000},
			MemoryRegion{PhysAddress: 0x1_0000_0000, Length: 0x1000_0000},
		).
		EndNode()

	b.BeginNode("reserved-memory").
		PropertyCells("#address-cells", 2).
		PropertyCells("#size-cells", 2).
		BeginNode("secmon@4e000000").
		PropertyReg(MemoryRegion{PhysAddress: 0x4e00_0000, Length: 0x20_0000}).
		EndNode().
		BeginNode("no-reg").
		EndNode().
		EndNode()

	b.BeginNode("soc").
		PropertyCells("#address-cells", 1).
		PropertyCells("#size-cells", 1).
		BeginNode("pl011@9000000").
		PropertyString("compatible", "arm,pl011\x00arm,primecell").
		PropertyCells("reg", 0x0900_0000, 0x1000).
		EndNode().
		EndNode()

	b.BeginNode("chosen").
		PropertyString("bootargs", "console=ttyAMA0  slab.slack=3 quiet").
		PropertyCells("linux,initrd-start", 0x4810_0000).
		Property("linux,initrd-end", []byte{0, 0, 0, 0, 0x48, 0x20, 0, 0}).
		EndNode()

	return b.EndNode().Bytes()
}

func TestParse(t *testing.T) {
	tree, err := Parse(buildTestTree())
	if err != nil {
		t.Fatal(err)
	}

	root := tree.Root()
	if exp, got := 4, len(root.Children); got != exp {
		t.Fatalf("expected root to have %d children; got %d", exp, got)
	}
	if exp, got := "linux,dummy-virt", root.String("compatible"); got != exp {
		t.Fatalf("expected root compatible %q; got %q", exp, got)
	}

	specs := []struct {
		path    string
		expName string
	}{
		{"/", ""},
		{"/memory", "memory@40000000"},
		{"/memory@40000000", "memory@40000000"},
		{"/reserved-memory/secmon", "secmon@4e000000"},
		{"/soc/pl011@9000000", "pl011@9000000"},
		{"chosen", "chosen"},
	}

	for specIndex, spec := range specs {
		node := tree.Find(spec.path)
		if node == nil {
			t.Errorf("[spec %d] expected to find %q", specIndex, spec.path)
			continue
		}
		if node.Name != spec.expName {
			t.Errorf("[spec %d] expected node name %q; got %q", specIndex, spec.expName, node.Name)
		}
	}

	for _, path := range []string{"/memory@0", "/soc/uart", "/chosen/missing"} {
		if tree.Find(path) != nil {
			t.Errorf("expected lookup of %q to fail", path)
		}
	}
}

func TestVisitMemRegions(t *testing.T) {
	tree, err := Parse(buildTestTree())
	if err != nil {
		t.Fatal(err)
	}

	var regions []MemoryRegion
	tree.VisitMemRegions(func(r *MemoryRegion) bool {
		regions = append(regions, *r)
		return true
	})

	exp := []MemoryRegion{
		{PhysAddress: 0x4000_0000, Length: 0x0800_0000},
		{PhysAddress: 0x1_0000_0000, Length: 0x1000_0000},
	}
	if !reflect.DeepEqual(regions, exp) {
		t.Fatalf("expected memory regions %+v; got %+v", exp, regions)
	}

	var visitCount int
	tree.VisitMemRegions(func(_ *MemoryRegion) bool {
		visitCount++
		return false
	})
	if visitCount != 1 {
		t.Fatalf("expected the visitor to abort after the first region; got %d visits", visitCount)
	}
}

func TestVisitReservedRegions(t *testing.T) {
	tree, err := Parse(buildTestTree())
	if err != nil {
		t.Fatal(err)
	}

	var regions []MemoryRegion
	tree.VisitReservedRegions(func(r *MemoryRegion) bool {
		regions = append(regions, *r)
		return true
	})

	exp := []MemoryRegion{
		{PhysAddress: 0x4800_0000, Length: 0x1000},
		{PhysAddress: 0x4e00_0000, Length: 0x20_0000},
	}
	if !reflect.DeepEqual(regions, exp) {
		t.Fatalf("expected reserved regions %+v; got %+v", exp, regions)
	}
}

func TestBootCmdLine(t *testing.T) {
	tree, err := Parse(buildTestTree())
	if err != nil {
		t.Fatal(err)
	}

	exp := map[string]string{
		"console":    "ttyAMA0",
		"slab.slack": "3",
		"quiet":      "quiet",
	}
	if got := tree.BootCmdLine(); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected command line %v; got %v", exp, got)
	}

	empty, err := Parse(NewBuilder().BeginNode("").EndNode().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got := empty.BootCmdLine(); len(got) != 0 {
		t.Fatalf("expected an empty command line; got %v", got)
	}
}

func TestInitrdRange(t *testing.T) {
	tree, err := Parse(buildTestTree())
	if err != nil {
		t.Fatal(err)
	}

	start, end, err := tree.InitrdRange()
	if err != nil {
		t.Fatal(err)
	}
	if start != 0x4810_0000 || end != 0x4820_0000 {
		t.Fatalf("expected initrd range [0x48100000, 0x48200000); got [0x%x, 0x%x)", start, end)
	}

	noInitrd, err := Parse(NewBuilder().BeginNode("").BeginNode("chosen").
		PropertyCells("linux,initrd-start", 0x4810_0000).EndNode().EndNode().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err = noInitrd.InitrdRange(); err != ErrInitrdMissing {
		t.Fatalf("expected ErrInitrdMissing; got %v", err)
	}
}

func TestFindCompatible(t *testing.T) {
	tree, err := Parse(buildTestTree())
	if err != nil {
		t.Fatal(err)
	}

	uart := tree.FindCompatible("arm,primecell")
	if uart == nil || uart.Name != "pl011@9000000" {
		t.Fatalf("expected to find the pl011 node; got %v", uart)
	}

	exp := []MemoryRegion{{PhysAddress: 0x0900_0000, Length: 0x1000}}
	if got := uart.Reg(); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected reg %+v using the parent cell sizes; got %+v", exp, got)
	}

	if tree.FindCompatible("virtio,mmio") != nil {
		t.Fatal("expected lookup of a missing compatible string to fail")
	}
}

func TestParseErrors(t *testing.T) {
	valid := buildTestTree()
	structOff := binary.BigEndian.Uint32(valid[8:])

	corrupt := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return fn(b)
	}

	specs := []struct {
		descr  string
		blob   []byte
		expErr error
	}{
		{"empty", nil, ErrInvalidHeader},
		{"too short", []byte{0xd0, 0x0d, 0xfe, 0xed}, ErrInvalidHeader},
		{
			"bad magic",
			corrupt(func(b []byte) []byte { b[0] = 0; return b }),
			ErrInvalidHeader,
		},
		{
			"truncated blob",
			valid[:len(valid)-8],
			ErrInvalidHeader,
		},
		{
			"unsupported version",
			corrupt(func(b []byte) []byte { binary.BigEndian.PutUint32(b[20:], 2); return b }),
			ErrInvalidHeader,
		},
		{
			"unknown token",
			corrupt(func(b []byte) []byte { binary.BigEndian.PutUint32(b[structOff:], 7); return b }),
			ErrMalformed,
		},
		{
			"strings block out of range",
			corrupt(func(b []byte) []byte { binary.BigEndian.PutUint32(b[32:], 0xffff); return b }),
			ErrMalformed,
		},
		{
			"missing end of node",
			NewBuilder().BeginNode("").BeginNode("a").EndNode().Bytes(),
			ErrMalformed,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := Parse(spec.blob)
			if err == nil {
				t.Fatal("expected Parse to fail")
			}
			if got := errors.Cause(err); got != spec.expErr {
				t.Fatalf("expected cause %v; got %v (%v)", spec.expErr, got, err)
			}
		})
	}
}

func TestNodeProperties(t *testing.T) {
	tree, err := Parse(NewBuilder().
		BeginNode("").
		PropertyCells("one", 7).
		PropertyCells("two", 1, 2).
		PropertyCells("three", 1, 2, 3).
		Property("empty", nil).
		EndNode().Bytes())
	if err != nil {
		t.Fatal(err)
	}

	root := tree.Root()
	specs := []struct {
		name  string
		exp   uint64
		expOK bool
	}{
		{"one", 7, true},
		{"two", 1<<32 | 2, true},
		{"three", 0, false},
		{"empty", 0, false},
		{"missing", 0, false},
	}

	for specIndex, spec := range specs {
		got, ok := root.Uint(spec.name)
		if got != spec.exp || ok != spec.expOK {
			t.Errorf("[spec %d] expected (%d, %t); got (%d, %t)", specIndex, spec.exp, spec.expOK, got, ok)
		}
	}

	if _, ok := root.Property("empty"); !ok {
		t.Error("expected empty property to exist")
	}
	if got := root.StringList("empty"); got != nil {
		t.Errorf("expected nil string list; got %v", got)
	}
}
