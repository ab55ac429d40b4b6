package fdt

import (
	"encoding/binary"
	"strings"
)

const (
	defaultAddressCells = 2
	defaultSizeCells    = 1
)

// RegionVisitor is invoked by the Visit* functions for each region found in
// the device tree. The visitor must return true to continue or false to
// abort the scan.
type RegionVisitor func(region *MemoryRegion) bool

// Root returns the root node of the tree.
func (t *Tree) Root() *Node { return t.root }

// Find looks up a node by its absolute path. Path components without a
// unit address also match nodes that have one, so "/memory" matches
// "/memory@40000000".
func (t *Tree) Find(path string) *Node {
	node := t.root
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		if node = node.Child(component); node == nil {
			return nil
		}
	}
	return node
}

// FindCompatible returns the first node, in depth-first order, whose
// compatible property lists compat.
func (t *Tree) FindCompatible(compat string) *Node {
	var found *Node
	t.root.walk(func(n *Node) bool {
		for _, c := range n.StringList("compatible") {
			if c == compat {
				found = n
				return false
			}
		}
		return true
	})
	return found
}

// VisitMemRegions invokes visitor for each RAM region described by the
// reg property of the memory nodes below the root.
func (t *Tree) VisitMemRegions(visitor RegionVisitor) {
	for _, node := range t.root.Children {
		if node.unitName() != "memory" && node.String("device_type") != "memory" {
			continue
		}
		for _, region := range node.Reg() {
			if !visitor(&region) {
				return
			}
		}
	}
}

// VisitReservedRegions invokes visitor for each entry of the memory
// reservation block followed by the first reg entry of each child of the
// /reserved-memory node.
func (t *Tree) VisitReservedRegions(visitor RegionVisitor) {
	for i := range t.reservations {
		region := t.reservations[i]
		if !visitor(&region) {
			return
		}
	}

	reserved := t.Find("/reserved-memory")
	if reserved == nil {
		return
	}
	for _, child := range reserved.Children {
		regs := child.Reg()
		if len(regs) == 0 {
			continue
		}
		if !visitor(&regs[0]) {
			return
		}
	}
}

// BootCmdLine returns the key-value pairs of the /chosen bootargs property.
// Arguments without a value map to their own name.
func (t *Tree) BootCmdLine() map[string]string {
	cmdLineKV := make(map[string]string)

	chosen := t.Find("/chosen")
	if chosen == nil {
		return cmdLineKV
	}

	for _, pair := range strings.Fields(chosen.String("bootargs")) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// InitrdRange returns the physical bounds of the initial ramdisk recorded
// in /chosen. Both 32-bit and 64-bit encodings are accepted.
func (t *Tree) InitrdRange() (start, end uint64, err error) {
	chosen := t.Find("/chosen")
	if chosen == nil {
		return 0, 0, ErrInitrdMissing
	}

	start, okStart := chosen.Uint("linux,initrd-start")
	end, okEnd := chosen.Uint("linux,initrd-end")
	if !okStart || !okEnd {
		return 0, 0, ErrInitrdMissing
	}
	return start, end, nil
}

// Property returns the raw value of the named property.
func (n *Node) Property(name string) ([]byte, bool) {
	for _, prop := range n.Properties {
		if prop.Name == name {
			return prop.Value, true
		}
	}
	return nil, false
}

// String returns the value of a string property without its terminator.
func (n *Node) String(name string) string {
	list := n.StringList(name)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// StringList returns the entries of a string list property.
func (n *Node) StringList(name string) []string {
	value, ok := n.Property(name)
	if !ok || len(value) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(value), "\x00"), "\x00")
}

// Uint returns the value of a one or two cell property.
func (n *Node) Uint(name string) (uint64, bool) {
	value, ok := n.Property(name)
	if !ok {
		return 0, false
	}

	switch len(value) {
	case 4:
		return uint64(binary.BigEndian.Uint32(value)), true
	case 8:
		return binary.BigEndian.Uint64(value), true
	}
	return 0, false
}

// Child returns the direct child matching name.
func (n *Node) Child(name string) *Node {
	for _, child := range n.Children {
		if child.Name == name || (!strings.Contains(name, "@") && child.unitName() == name) {
			return child
		}
	}
	return nil
}

// Reg decodes the reg property using the address and size cell counts
// declared by the parent node.
func (n *Node) Reg() []MemoryRegion {
	value, ok := n.Property("reg")
	if !ok {
		return nil
	}

	addrCells, sizeCells := uint64(defaultAddressCells), uint64(defaultSizeCells)
	if n.parent != nil {
		if v, ok := n.parent.Uint("#address-cells"); ok {
			addrCells = v
		}
		if v, ok := n.parent.Uint("#size-cells"); ok {
			sizeCells = v
		}
	}

	entrySize := int(addrCells+sizeCells) * 4
	if addrCells > 2 || sizeCells > 2 || entrySize == 0 {
		return nil
	}

	var regions []MemoryRegion
	for off := 0; off+entrySize <= len(value); off += entrySize {
		regions = append(regions, MemoryRegion{
			PhysAddress: readCells(value[off:], int(addrCells)),
			Length:      readCells(value[off+int(addrCells)*4:], int(sizeCells)),
		})
	}
	return regions
}

// unitName returns the node name without its unit address.
func (n *Node) unitName() string {
	if at := strings.IndexByte(n.Name, '@'); at >= 0 {
		return n.Name[:at]
	}
	return n.Name
}

// walk visits n and its descendants depth-first until fn returns false.
func (n *Node) walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, child := range n.Children {
		if !child.walk(fn) {
			return false
		}
	}
	return true
}

func readCells(b []byte, cells int) uint64 {
	var v uint64
	for i := 0; i < cells; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}
