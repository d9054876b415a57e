// Package tagged provides Slot, an atomic word holding a word-aligned address
// together with a 2-bit state. The address and the state are always loaded,
// stored and compared together, so a single compare-and-swap can move a list
// head and change the state at the same time.
//
// Callers work with Value and its accessors; the bit layout stays private to
// this package.
package tagged

import (
	"fmt"
	"sync/atomic"
)

// State is the 2-bit tag carried next to the address.
type State uint8

const (
	stateBits = 2
	stateMask = uintptr(1)<<stateBits - 1
)

// MaxState is the largest State a Slot can carry.
const MaxState = State(stateMask)

// Value is an immutable {address, state} pair as stored in a Slot.
type Value uintptr

// Make packs addr and s into a Value. addr must have its low two bits clear.
func Make(addr uintptr, s State) Value {
	if addr&stateMask != 0 {
		panic(fmt.Sprintf("tagged: address %#x is not aligned to %d bytes", addr, stateMask+1))
	}
	return Value(addr | uintptr(s)&stateMask)
}

// Addr returns the address part.
func (v Value) Addr() uintptr { return uintptr(v) &^ stateMask }

// State returns the state part.
func (v Value) State() State { return State(uintptr(v) & stateMask) }

// WithAddr returns v with its address replaced and its state kept.
func (v Value) WithAddr(addr uintptr) Value { return Make(addr, v.State()) }

// WithState returns v with its state replaced and its address kept.
func (v Value) WithState(s State) Value { return Make(v.Addr(), s) }

// Slot is an atomically accessed Value. The zero Slot holds {0, 0}.
type Slot struct {
	v atomic.Uintptr
}

// Load atomically loads the current value.
func (s *Slot) Load() Value { return Value(s.v.Load()) }

// Store atomically stores v.
func (s *Slot) Store(v Value) { s.v.Store(uintptr(v)) }

// Swap atomically stores v and returns the previous value.
func (s *Slot) Swap(v Value) Value { return Value(s.v.Swap(uintptr(v))) }

// CompareAndSwap atomically replaces old with new, reporting success.
func (s *Slot) CompareAndSwap(old, new Value) bool {
	return s.v.CompareAndSwap(uintptr(old), uintptr(new))
}

// Update applies fn in a compare-and-swap loop until it wins, returning the
// value that was replaced and the value that was installed. fn must be free
// of side effects because it may run more than once.
func (s *Slot) Update(fn func(old Value) Value) (old, new Value) {
	for {
		old = s.Load()
		new = fn(old)
		if s.CompareAndSwap(old, new) {
			return old, new
		}
	}
}
