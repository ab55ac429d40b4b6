// Package cpu contains the privileged AArch64 operations used by the memory
// core: translation table base register updates, TLB maintenance, interrupt
// masking and halting.
//
// When the kernel runs hosted (tests and the development harness) the system
// registers are modelled in software so that the rest of the memory core can
// run unmodified.
package cpu

import (
	"sync/atomic"

	"github.com/veighnsche/LevitateOS-sub003/kernel"
)

// ErrHalted is the value Halt panics with once the CPU has been stopped.
var ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

var (
	ttbr0, ttbr1 atomic.Uintptr
	mair, tcr    atomic.Uint64

	tlbEntryFlushes atomic.Uint64
	tlbFullFlushes  atomic.Uint64

	irqMaskDepth atomic.Int32
	halted       atomic.Bool
)

// WriteTTBR0 installs the root table used to translate the lower (user) half
// of the virtual address space.
func WriteTTBR0(rootTableAddr uintptr) { ttbr0.Store(rootTableAddr) }

// ReadTTBR0 returns the physical address of the active lower half root table.
func ReadTTBR0() uintptr { return ttbr0.Load() }

// WriteTTBR1 installs the root table used to translate the upper (kernel)
// half of the virtual address space.
func WriteTTBR1(rootTableAddr uintptr) { ttbr1.Store(rootTableAddr) }

// ReadTTBR1 returns the physical address of the active upper half root table.
func ReadTTBR1() uintptr { return ttbr1.Load() }

// WriteMAIR programs the memory attribute indirection register.
func WriteMAIR(v uint64) { mair.Store(v) }

// ReadMAIR returns the value of the memory attribute indirection register.
func ReadMAIR() uint64 { return mair.Load() }

// WriteTCR programs the translation control register.
func WriteTCR(v uint64) { tcr.Store(v) }

// ReadTCR returns the value of the translation control register.
func ReadTCR() uint64 { return tcr.Load() }

// FlushTLBEntry invalidates any TLB entry that translates virtAddr. On SMP
// systems this is where a broadcast shootdown would be issued.
func FlushTLBEntry(virtAddr uintptr) { tlbEntryFlushes.Add(1) }

// FlushTLBAll invalidates every TLB entry of the current core.
func FlushTLBAll() { tlbFullFlushes.Add(1) }

// TLBFlushCounts returns the number of single entry and full TLB
// invalidations issued so far.
func TLBFlushCounts() (entries, full uint64) {
	return tlbEntryFlushes.Load(), tlbFullFlushes.Load()
}

// DisableInterrupts masks IRQs on the current core. Calls nest; interrupts
// are only unmasked once every DisableInterrupts call has been matched by a
// call to EnableInterrupts.
func DisableInterrupts() { irqMaskDepth.Add(1) }

// EnableInterrupts undoes one previous call to DisableInterrupts.
func EnableInterrupts() {
	if irqMaskDepth.Add(-1) < 0 {
		irqMaskDepth.Store(0)
	}
}

// InterruptsEnabled returns true if IRQs are currently unmasked.
func InterruptsEnabled() bool { return irqMaskDepth.Load() == 0 }

// Halt stops instruction execution on the current core. Halt never returns.
func Halt() {
	halted.Store(true)
	panic(ErrHalted)
}

// Halted returns true if Halt has been invoked.
func Halted() bool { return halted.Load() }
