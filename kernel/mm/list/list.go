// Package list implements an intrusive doubly linked list whose nodes are
// identified by index. The link fields live inside the indexed objects
// themselves (page descriptors); the list only records its head and length
// and manipulates links through a Linker.
//
// Both the buddy free lists and the slab page lists are built on this type so
// the link manipulation code exists exactly once.
package list

import (
	"github.com/veighnsche/LevitateOS-sub003/kernel"
	"github.com/veighnsche/LevitateOS-sub003/kernel/kfmt"
)

// Nil is the link value of an element that has no successor or predecessor.
const Nil = ^uint32(0)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errCorruptedLink  = &kernel.Error{Module: "list", Message: "corrupted list linkage"}
	errAlreadyLinked  = &kernel.Error{Module: "list", Message: "element is already linked into a list"}
	errCountUnderflow = &kernel.Error{Module: "list", Message: "remove from empty list"}
)

// Linker provides access to the link fields of the elements of a list.
type Linker interface {
	Next(idx uint32) uint32
	Prev(idx uint32) uint32
	SetNext(idx, next uint32)
	SetPrev(idx, prev uint32)
}

// List is an intrusive doubly linked list. The zero value is an empty list.
type List struct {
	// head holds the index of the first element plus one so that the
	// zero value describes an empty list.
	head  uint32
	count int
}

// Head returns the index of the first element or Nil if the list is empty.
func (l *List) Head() uint32 {
	if l.head == 0 {
		return Nil
	}
	return l.head - 1
}

// Len returns the number of elements in the list.
func (l *List) Len() int { return l.count }

// Empty returns true if the list contains no elements.
func (l *List) Empty() bool { return l.head == 0 }

// PushFront links idx in front of the current head. The element must not be
// a member of any list.
func (l *List) PushFront(lk Linker, idx uint32) {
	if lk.Next(idx) != Nil || lk.Prev(idx) != Nil || l.Head() == idx {
		panicFn(errAlreadyLinked)
		return
	}

	head := l.Head()
	lk.SetPrev(idx, Nil)
	lk.SetNext(idx, head)
	if head != Nil {
		lk.SetPrev(head, idx)
	}
	l.head = idx + 1
	l.count++
}

// Remove unlinks idx from the list. The neighbours of idx are checked
// against idx before any link is modified; any inconsistency is treated as
// memory corruption.
func (l *List) Remove(lk Linker, idx uint32) {
	if l.count == 0 {
		panicFn(errCountUnderflow)
		return
	}

	prev, next := lk.Prev(idx), lk.Next(idx)
	switch {
	case prev == Nil && l.Head() != idx,
		prev != Nil && lk.Next(prev) != idx,
		next != Nil && lk.Prev(next) != idx:
		panicFn(errCorruptedLink)
		return
	}

	if prev == Nil {
		l.head = next + 1
		if next == Nil {
			l.head = 0
		}
	} else {
		lk.SetNext(prev, next)
	}

	if next != Nil {
		lk.SetPrev(next, prev)
	}

	lk.SetNext(idx, Nil)
	lk.SetPrev(idx, Nil)
	l.count--
}

// PopFront unlinks and returns the first element or Nil if the list is
// empty.
func (l *List) PopFront(lk Linker) uint32 {
	idx := l.Head()
	if idx != Nil {
		l.Remove(lk, idx)
	}
	return idx
}

// Walk invokes fn for each element in list order. Walk stops early if fn
// returns false.
func (l *List) Walk(lk Linker, fn func(idx uint32) bool) {
	for idx, seen := l.Head(), 0; idx != Nil; idx = lk.Next(idx) {
		if seen++; seen > l.count {
			panicFn(errCorruptedLink)
			return
		}
		if !fn(idx) {
			return
		}
	}
}
