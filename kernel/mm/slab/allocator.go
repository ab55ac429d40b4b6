package slab

import (
	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
)

var (
	// allocator is the system slab allocator set up by Init.
	allocator *Allocator

	errNotInitialized = &kernel.Error{Module: "slab", Message: "slab allocator not initialized"}
)

// Allocator routes object requests to the cache of the matching size class.
type Allocator struct {
	frames FrameProvider
	caches [len(SizeClasses)]*Cache
}

// New creates a slab allocator whose caches obtain pages from frames and
// access their contents through mem. Each cache retains up to slack empty
// pages.
func New(frames FrameProvider, mem mm.FrameMemory, slack int) *Allocator {
	if slack < 0 {
		slack = 0
	}

	a := &Allocator{frames: frames}
	for class := range SizeClasses {
		a.caches[class] = newCache(class, frames, mem, slack)
	}
	return a
}

// Cache returns the cache serving the given size class index.
func (a *Allocator) Cache(class int) *Cache { return a.caches[class] }

// Alloc returns the address of an object of at least size bytes.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	class, ok := ClassFor(size)
	if !ok {
		return 0, ErrSizeUnsupported
	}
	return a.caches[class].Alloc()
}

// Free releases an object returned by Alloc. The owning cache is recovered
// from the descriptor of the page that contains ptr.
func (a *Allocator) Free(ptr uintptr) *kernel.Error {
	if !mm.IsKernelAddress(ptr) {
		return ErrInvalidObject
	}

	physAddr := mm.VirtToPhys(ptr)
	frame := mm.FrameFromAddress(physAddr)

	info, ok := a.frames.Lookup(frame)
	if !ok || !info.Allocated || info.Owner != mm.OwnerSlab || int(info.Tag) >= len(a.caches) {
		return ErrInvalidObject
	}

	return a.caches[info.Tag].free(frame, physAddr&(mm.PageSize-1))
}

// PrintStats logs the state of every cache.
func (a *Allocator) PrintStats() {
	w := kfmt.PrefixedOutput("[slab] ")
	for _, c := range a.caches {
		s := c.Stats()
		kfmt.Fprintf(w, "%4d bytes: %2d objs/page, pages e/p/f %d/%d/%d, allocs %d, frees %d\n",
			s.ObjectSize, s.ObjectsPerPage, s.EmptyPages, s.PartialPages, s.FullPages, s.Allocs, s.Frees)
	}
}

// Init sets up the system slab allocator on top of the supplied frame
// allocator.
func Init(frames FrameProvider, mem mm.FrameMemory, slack int) {
	allocator = New(frames, mem, slack)
	kfmt.Printf("[slab] %d size classes, %d-%d bytes, %d empty page(s) retained per class\n",
		len(SizeClasses), SizeClasses[0], SizeClasses[len(SizeClasses)-1], slack)
}

// PrintStats logs the state of the system slab allocator.
func PrintStats() {
	if allocator != nil {
		allocator.PrintStats()
	}
}

// Alloc allocates an object from the system slab allocator.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if allocator == nil {
		return 0, errNotInitialized
	}
	return allocator.Alloc(size)
}

// Free releases an object obtained through Alloc.
func Free(ptr uintptr) *kernel.Error {
	if allocator == nil {
		return errNotInitialized
	}
	return allocator.Free(ptr)
}
