// Package sync provides the spinlock primitives used by the memory core.
package sync

import (
	"runtime"
	"sync/atomic"

	"github.com/veighnsche/LevitateOS-sub003/kernel/cpu"
)

const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire after a number of failed attempts to
	// grab the lock. Tests replace it to control scheduling.
	yieldFn = runtime.Gosched

	// disableInterruptsFn and enableInterruptsFn are used by tests to
	// observe the interrupt state transitions of IRQSpinlock.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a Spinlock that keeps interrupts masked for as long as it is
// held. Allocator state that may be touched from interrupt context must be
// guarded by an IRQSpinlock; a plain Spinlock would deadlock if an interrupt
// handler tried to acquire it while the interrupted code holds it.
type IRQSpinlock struct {
	lock Spinlock
}

// Acquire masks interrupts and then spins until the lock is acquired.
func (l *IRQSpinlock) Acquire() {
	disableInterruptsFn()
	l.lock.Acquire()
}

// Release releases the lock and then restores the interrupt state that was
// in effect before the matching Acquire.
func (l *IRQSpinlock) Release() {
	l.lock.Release()
	enableInterruptsFn()
}
