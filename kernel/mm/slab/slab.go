// Package slab implements fixed-size object caches on top of the frame
// allocator. Each cache serves one size class and carves single frames into
// equally sized objects. A 64-byte footer at the end of every slab page
// records which objects are in use, so an object can be freed given nothing
// but its address.
package slab

import (
	"math/bits"
	"unsafe"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/list"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm/pmm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/sync"
)

const (
	footerSize  = 64
	footerMagic = uint32(0x5AB5_1AB0)

	// DataSize is the number of bytes of each slab page available to
	// objects.
	DataSize = mm.PageSize - footerSize

	// DefaultSlack is the number of empty pages a cache keeps around before
	// returning them to the frame allocator.
	DefaultSlack = 1
)

// SizeClasses lists the object sizes served by the slab allocator.
var SizeClasses = [...]uintptr{64, 128, 256, 512, 1024, 2048}

// MaxObjectSize is the largest request the slab allocator serves. Larger
// requests must go to the frame allocator.
const MaxObjectSize = 2048

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrSizeUnsupported is returned for zero-sized requests and requests
	// larger than MaxObjectSize.
	ErrSizeUnsupported = &kernel.Error{Module: "slab", Message: "unsupported object size"}

	// ErrInvalidObject is returned when freeing an address that does not
	// point to the start of a slab object.
	ErrInvalidObject = &kernel.Error{Module: "slab", Message: "address is not a slab object"}

	// ErrDoubleFree is returned when freeing an object that is not in use.
	ErrDoubleFree = &kernel.Error{Module: "slab", Message: "object is already free"}

	errCorruptedFooter = &kernel.Error{Module: "slab", Message: "slab page footer is corrupted"}
	errListMismatch    = &kernel.Error{Module: "slab", Message: "slab page is on the wrong list"}
)

// FrameProvider is the subset of the frame allocator used by the slab
// caches.
type FrameProvider interface {
	AllocateFor(order uint8, owner mm.Owner, tag uint8) (mm.Frame, *kernel.Error)
	Deallocate(frame mm.Frame, order uint8) *kernel.Error
	Lookup(frame mm.Frame) (pmm.BlockInfo, bool)
	Table() *mm.DescriptorTable
}

// ClassFor returns the index of the smallest size class that can hold size
// bytes. It returns false for zero and for sizes above MaxObjectSize.
func ClassFor(size uintptr) (int, bool) {
	if size == 0 || size > MaxObjectSize {
		return 0, false
	}

	for class, classSize := range SizeClasses {
		if size <= classSize {
			return class, true
		}
	}
	return 0, false
}

type pageList uint8

const (
	listEmpty pageList = iota
	listPartial
	listFull
	numLists
)

// footer is stored in the last footerSize bytes of each slab page.
type footer struct {
	magic  uint32
	class  uint8
	list   pageList
	used   uint16
	bitmap uint64
	_      [footerSize - 16]byte
}

// CacheStats is a snapshot of the state of a Cache.
type CacheStats struct {
	ObjectSize     uintptr
	ObjectsPerPage int

	EmptyPages   int
	PartialPages int
	FullPages    int

	Allocs uint64
	Frees  uint64
}

// Cache serves objects of a single size class. The empty, partial and full
// page lists and the footers of all pages are guarded by the cache lock. The
// lock is held while the cache calls into the frame allocator, so the frame
// allocator must never call into a cache.
type Cache struct {
	lock sync.IRQSpinlock

	class       uint8
	objSize     uintptr
	objsPerPage int
	slack       int

	frames FrameProvider
	table  *mm.DescriptorTable
	mem    mm.FrameMemory

	lists  [numLists]list.List
	allocs uint64
	frees  uint64
}

func newCache(class int, frames FrameProvider, mem mm.FrameMemory, slack int) *Cache {
	objSize := SizeClasses[class]
	return &Cache{
		class:       uint8(class),
		objSize:     objSize,
		objsPerPage: int(DataSize / objSize),
		slack:       slack,
		frames:      frames,
		table:       frames.Table(),
		mem:         mem,
	}
}

// ObjectSize returns the size of the objects served by the cache.
func (c *Cache) ObjectSize() uintptr { return c.objSize }

// Alloc returns the kernel virtual address of a free object. Pages on the
// partial list are used first, then pages on the empty list; a new page is
// requested from the frame allocator only when both lists are empty.
func (c *Cache) Alloc() (uintptr, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	idx := c.lists[listPartial].Head()
	if idx == list.Nil {
		if idx = c.lists[listEmpty].Head(); idx != list.Nil {
			c.move(idx, listEmpty, listPartial)
		} else {
			var err *kernel.Error
			if idx, err = c.grow(); err != nil {
				return 0, err
			}
		}
	}

	frame := c.table.Frame(idx)
	f := c.footer(frame)
	if f == nil {
		return 0, errCorruptedFooter
	}
	if f.list != listPartial {
		panicFn(errListMismatch)
		return 0, errListMismatch
	}

	slot := bits.TrailingZeros64(^f.bitmap)
	if slot >= c.objsPerPage {
		panicFn(errCorruptedFooter)
		return 0, errCorruptedFooter
	}

	f.bitmap |= 1 << uint(slot)
	f.used++
	if int(f.used) == c.objsPerPage {
		c.move(idx, listPartial, listFull)
	}
	c.allocs++

	return mm.PhysToVirt(frame.Address() + uintptr(slot)*c.objSize), nil
}

// grow obtains a new page from the frame allocator and places it on the
// partial list.
func (c *Cache) grow() (uint32, *kernel.Error) {
	frame, err := c.frames.AllocateFor(0, mm.OwnerSlab, c.class)
	if err != nil {
		return list.Nil, err
	}

	b := mm.FrameBytes(c.mem, frame)
	if b == nil {
		if err = c.frames.Deallocate(frame, 0); err != nil {
			panicFn(err)
		}
		return list.Nil, errCorruptedFooter
	}

	f := (*footer)(unsafe.Pointer(&b[DataSize]))
	*f = footer{magic: footerMagic, class: c.class, list: listPartial}

	idx := c.table.Index(frame)
	c.lists[listPartial].PushFront(c.table, idx)
	return idx, nil
}

// free releases the object at offset within frame.
func (c *Cache) free(frame mm.Frame, offset uintptr) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	f := c.footer(frame)
	if f == nil {
		return errCorruptedFooter
	}

	if offset >= DataSize || offset%c.objSize != 0 {
		return ErrInvalidObject
	}
	slot := int(offset / c.objSize)
	if slot >= c.objsPerPage {
		return ErrInvalidObject
	}

	mask := uint64(1) << uint(slot)
	if f.bitmap&mask == 0 {
		return ErrDoubleFree
	}

	f.bitmap &^= mask
	f.used--
	c.frees++

	idx := c.table.Index(frame)
	switch {
	case f.used == 0:
		c.move(idx, f.list, listEmpty)
		c.shrink()
	case f.list == listFull:
		c.move(idx, listFull, listPartial)
	}

	return nil
}

// shrink returns empty pages beyond the configured slack to the frame
// allocator.
func (c *Cache) shrink() {
	for c.lists[listEmpty].Len() > c.slack {
		idx := c.lists[listEmpty].PopFront(c.table)
		frame := c.table.Frame(idx)

		if f := c.footer(frame); f != nil {
			f.magic = 0
		}
		if err := c.frames.Deallocate(frame, 0); err != nil {
			panicFn(err)
			return
		}
	}
}

// move transfers the page at idx between two of the cache lists.
func (c *Cache) move(idx uint32, from, to pageList) {
	f := c.footer(c.table.Frame(idx))
	if f == nil {
		return
	}
	if f.list != from {
		panicFn(errListMismatch)
		return
	}

	c.lists[from].Remove(c.table, idx)
	c.lists[to].PushFront(c.table, idx)
	f.list = to
}

// footer returns the validated footer of a page owned by the cache.
func (c *Cache) footer(frame mm.Frame) *footer {
	b := mm.FrameBytes(c.mem, frame)
	if b == nil {
		panicFn(errCorruptedFooter)
		return nil
	}

	f := (*footer)(unsafe.Pointer(&b[DataSize]))
	if f.magic != footerMagic || f.class != c.class || f.list >= numLists || int(f.used) > c.objsPerPage ||
		bits.OnesCount64(f.bitmap) != int(f.used) {
		panicFn(errCorruptedFooter)
		return nil
	}
	return f
}

// Stats returns a snapshot of the cache state.
func (c *Cache) Stats() CacheStats {
	c.lock.Acquire()
	defer c.lock.Release()

	return CacheStats{
		ObjectSize:     c.objSize,
		ObjectsPerPage: c.objsPerPage,
		EmptyPages:     c.lists[listEmpty].Len(),
		PartialPages:   c.lists[listPartial].Len(),
		FullPages:      c.lists[listFull].Len(),
		Allocs:         c.allocs,
		Frees:          c.frees,
	}
}
