// function.go - Per-function records and the emission state machine
package main

import (
	"fmt"
)

// EmitState tracks a function through the two-attempt emission pipeline:
//
//	Planned -> Emitted -> Checked -> Done
//	                   \-> SplitRequired -> ReEmitted -> Done
//
// The engine never revisits a state and performs at most two attempts.
type EmitState int

const (
	StatePlanned EmitState = iota
	StateEmitted
	StateChecked
	StateSplitRequired
	StateReEmitted
	StateDone
)

func (s EmitState) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateEmitted:
		return "emitted"
	case StateChecked:
		return "checked"
	case StateSplitRequired:
		return "split-required"
	case StateReEmitted:
		return "re-emitted"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// TerminalState is the final disposition of a function at the end of a run.
// Every discovered function ends in exactly one of the three real states.
type TerminalState int

const (
	TerminalNone TerminalState = iota
	EmittedFitting
	EmittedSplit
	PreservedVerbatim
)

func (t TerminalState) String() string {
	switch t {
	case TerminalNone:
		return "none"
	case EmittedFitting:
		return "emitted-fitting"
	case EmittedSplit:
		return "emitted-split"
	case PreservedVerbatim:
		return "preserved-verbatim"
	default:
		return "unknown"
	}
}

// BinaryFunction is the per-function record, keyed by original virtual
// address. Discovered once, mutated across at most two emission attempts,
// never destroyed during a run.
type BinaryFunction struct {
	Name    string
	Address uint64 // original entry address
	Size    uint64 // original footprint; in-place emission may not exceed it
	MaxSize uint64 // footprint including the gap up to the next known object
	Section *BinarySection

	// Whether the upstream disassembler fully understood the function.
	// Non-simple functions are preserved verbatim and no debug information
	// is rewritten for them.
	IsSimple bool

	// Profile execution count, supplied upstream. Used only for reporting.
	ExecutionCount uint64

	// Original bytes of the function body, referencing the input image.
	// Never re-pointed: both emission attempts read their input from here.
	Body []byte

	// Emission results.
	OutputAddress uint64
	OutputSize    uint64
	// Emitted hot-part bytes. For moved functions this aliases the memory
	// manager's allocation; for in-place functions the writer splices it
	// over the original footprint.
	OutputBody []byte
	ColdAddress   uint64 // cold part entry when split, 0 otherwise
	ColdSize      uint64

	// Split hint survives the inter-attempt reset.
	SplitHint bool

	state    EmitState
	terminal TerminalState
}

// State returns the function's position in the emission state machine.
func (f *BinaryFunction) State() EmitState { return f.state }

// Terminal returns the function's final disposition.
func (f *BinaryFunction) Terminal() TerminalState { return f.terminal }

// IsSplit reports whether the function was emitted as hot and cold parts.
func (f *BinaryFunction) IsSplit() bool { return f.terminal == EmittedSplit }

// IsPreserved reports whether the original bytes were kept unchanged.
func (f *BinaryFunction) IsPreserved() bool { return f.terminal == PreservedVerbatim }

// advance moves the state machine forward. Transitions not in the diagram
// are programming errors and panic: the engine drives every function through
// the same path and a bad transition means the barrier logic is broken.
func (f *BinaryFunction) advance(next EmitState) {
	ok := false
	switch f.state {
	case StatePlanned:
		ok = next == StateEmitted
	case StateEmitted:
		ok = next == StateChecked
	case StateChecked:
		ok = next == StateDone || next == StateSplitRequired
	case StateSplitRequired:
		ok = next == StateReEmitted
	case StateReEmitted:
		ok = next == StateDone
	}
	if !ok {
		panic(fmt.Sprintf("function %s at %#x: invalid transition %v -> %v",
			f.Name, f.Address, f.state, next))
	}
	f.state = next
}

// finish records the terminal state and completes the state machine.
func (f *BinaryFunction) finish(t TerminalState) {
	if f.terminal != TerminalNone {
		panic(fmt.Sprintf("function %s at %#x: terminal state already %v",
			f.Name, f.Address, f.terminal))
	}
	f.terminal = t
	if f.state != StateDone {
		f.advance(StateDone)
	}
}

// resetForSplitPass clears transient emission state before the second
// attempt, keeping only the split annotations and the original disassembly
// inputs. Functions flagged for splitting resume from SplitRequired; all
// others restart from Planned.
func (f *BinaryFunction) resetForSplitPass() {
	f.OutputAddress = 0
	f.OutputSize = 0
	f.OutputBody = nil
	f.ColdAddress = 0
	f.ColdSize = 0
	f.terminal = TerminalNone
	if f.SplitHint {
		f.state = StateSplitRequired
	} else {
		f.state = StatePlanned
	}
}

// preserve marks the function as kept verbatim at its original address.
func (f *BinaryFunction) preserve() {
	f.OutputAddress = f.Address
	f.OutputSize = f.Size
	f.ColdAddress = 0
	f.ColdSize = 0
	f.state = StateDone
	f.terminal = PreservedVerbatim
}

// containsAddress reports whether addr falls inside the function's original
// bounds. With useMaxSize the space up to the next known object counts too.
// With checkPastEnd the single byte just past the body resolves to this
// function unless another one starts there; callers that follow references
// pointing immediately past a function body need this.
func (f *BinaryFunction) containsAddress(addr uint64, checkPastEnd, useMaxSize bool) bool {
	size := f.Size
	if useMaxSize && f.MaxSize > size {
		size = f.MaxSize
	}
	if addr >= f.Address && addr < f.Address+size {
		return true
	}
	return checkPastEnd && addr == f.Address+size
}

// translate maps an address inside the function's original bounds to the
// corresponding output address, honoring hot/cold splitting: offsets below
// the hot size stay with the entry point, the rest move with the cold part.
func (f *BinaryFunction) translate(addr uint64) (uint64, bool) {
	if addr < f.Address || addr >= f.Address+f.Size {
		return 0, false
	}
	off := addr - f.Address
	if f.terminal == EmittedSplit && f.ColdAddress != 0 {
		hotSize := f.OutputSize
		if off >= hotSize {
			return f.ColdAddress + (off - hotSize), true
		}
	}
	return f.OutputAddress + off, true
}
