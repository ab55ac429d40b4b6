package vmm

import (
	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/mm"
	"github.com/veighnsche/LevitateOS-sub003/kernel/sync"
)

// FrameSource supplies the frames that hold translation tables. The page
// table manager only depends on this interface so it is not tied to a
// particular frame allocator.
type FrameSource interface {
	AllocTableFrame() (mm.Frame, *kernel.Error)
	FreeTableFrame(mm.Frame) *kernel.Error
}

var (
	errPoolExhausted = &kernel.Error{Module: "vmm", Message: "static table pool exhausted"}
	errNotPoolFrame  = &kernel.Error{Module: "vmm", Message: "frame does not belong to the static table pool"}
)

// StaticPool is a FrameSource backed by a fixed range of frames reserved at
// boot, before any frame allocator exists. Frames released back to the pool
// are reused by the pool; they are never handed to another allocator.
type StaticPool struct {
	lock sync.Spinlock

	base  mm.Frame
	inUse []bool
	free  []mm.Frame
}

// NewStaticPool creates a pool that serves the count frames starting at
// base.
func NewStaticPool(base mm.Frame, count int) *StaticPool {
	p := &StaticPool{
		base:  base,
		inUse: make([]bool, count),
		free:  make([]mm.Frame, 0, count),
	}

	// Push in reverse so frames are handed out in ascending order.
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, base+mm.Frame(i))
	}
	return p
}

// Region returns the physical range covered by the pool.
func (p *StaticPool) Region() mm.Region {
	return mm.Region{
		Start: p.base.Address(),
		End:   (p.base + mm.Frame(len(p.inUse))).Address(),
	}
}

// Owns returns true if f belongs to the pool.
func (p *StaticPool) Owns(f mm.Frame) bool {
	return f >= p.base && f-p.base < mm.Frame(len(p.inUse))
}

// Available returns the number of frames that can still be allocated.
func (p *StaticPool) Available() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return len(p.free)
}

// AllocTableFrame implements FrameSource.
func (p *StaticPool) AllocTableFrame() (mm.Frame, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if len(p.free) == 0 {
		return mm.InvalidFrame, errPoolExhausted
	}

	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[f-p.base] = true
	return f, nil
}

// FreeTableFrame implements FrameSource.
func (p *StaticPool) FreeTableFrame(f mm.Frame) *kernel.Error {
	if !p.Owns(f) {
		return errNotPoolFrame
	}

	p.lock.Acquire()
	defer p.lock.Release()

	if !p.inUse[f-p.base] {
		return errNotPoolFrame
	}
	p.inUse[f-p.base] = false
	p.free = append(p.free, f)
	return nil
}
