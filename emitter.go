// emitter.go - Two-attempt emission and convergence engine
package main

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// FunctionOptimizer is the external "produce better or equal code" service.
// It never assigns addresses; it only transforms function bodies.
type FunctionOptimizer interface {
	// OptimizeFunction returns a possibly improved body for the function.
	// Returning the input unchanged is valid.
	OptimizeFunction(fn *BinaryFunction, body []byte) ([]byte, error)
}

// CodeEmitter assembles an optimized representation into final machine code,
// either whole or split into a hot part (which must keep the entry point)
// and a cold part (placed freely in the new segment).
type CodeEmitter interface {
	Emit(fn *BinaryFunction, optimized []byte) ([]byte, error)
	EmitSplit(fn *BinaryFunction, optimized []byte) (hot, cold []byte, err error)
}

// passthroughCollaborators keep the original bytes; they stand in for the
// instruction-level toolchain, which is outside this core.
type passthroughOptimizer struct{}

func (passthroughOptimizer) OptimizeFunction(_ *BinaryFunction, body []byte) ([]byte, error) {
	return body, nil
}

type passthroughEmitter struct{}

func (passthroughEmitter) Emit(_ *BinaryFunction, optimized []byte) ([]byte, error) {
	return optimized, nil
}

func (passthroughEmitter) EmitSplit(fn *BinaryFunction, optimized []byte) ([]byte, []byte, error) {
	if uint64(len(optimized)) <= fn.Size {
		return optimized, nil, nil
	}
	return optimized[:fn.Size], optimized[fn.Size:], nil
}

// emissionResult is what one parallel worker produces for one function.
type emissionResult struct {
	fn   *BinaryFunction
	hot  []byte
	cold []byte
	err  error
}

// EmissionEngine drives at most two emission attempts over all functions.
// Per-function optimization and assembly run in parallel; every allocation
// is serialized through the section memory manager. A barrier separates the
// parallel phase from the convergence check.
type EmissionEngine struct {
	logger    log.Logger
	bc        *BinaryContext
	optimizer FunctionOptimizer
	emitter   CodeEmitter
	workers   int

	// Addresses of functions whose first emission exceeded their footprint.
	largeFunctions map[uint64]bool

	// Failure set for the run summary.
	failures []error

	// PreFinalize, when set, runs against the surviving memory manager
	// before memory is finalized. Used for data allocations that must land
	// in the accepted layout, such as relocated dynamic tables.
	PreFinalize func(*SectionMemoryManager) error
}

// NewEmissionEngine wires the engine to its collaborators. Nil collaborators
// default to passthrough implementations.
func NewEmissionEngine(logger log.Logger, bc *BinaryContext, opt FunctionOptimizer, em CodeEmitter, workers int) *EmissionEngine {
	if opt == nil {
		opt = passthroughOptimizer{}
	}
	if em == nil {
		em = passthroughEmitter{}
	}
	if workers <= 0 {
		workers = 4
	}
	return &EmissionEngine{
		logger:         logger,
		bc:             bc,
		optimizer:      opt,
		emitter:        em,
		workers:        workers,
		largeFunctions: make(map[uint64]bool),
	}
}

// Failures returns the recoverable failures collected across all attempts.
func (e *EmissionEngine) Failures() []error { return e.failures }

// LargeFunctions returns the addresses flagged by the fit check, sorted.
func (e *EmissionEngine) LargeFunctions() []uint64 {
	out := make([]uint64, 0, len(e.largeFunctions))
	for addr := range e.largeFunctions {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run performs the whole convergence loop and returns the final layout.
// Attempt 1 emits plain; if the fit check flags any function, all transient
// state except the split annotations is reset and attempt 2 emits flagged
// functions split into hot and cold parts. Functions that still do not fit
// degrade to verbatim preservation; the engine never loops a third time.
func (e *EmissionEngine) Run(plan LayoutPlan) (*FinalLayout, *SectionMemoryManager, error) {
	// Strict fit-check pass: no stub synthesis, so a function either fits
	// its footprint byte-exactly or is flagged.
	mm := NewSectionMemoryManager(e.logger, plan, false)
	if err := e.attempt(mm, false); err != nil {
		mm.Close()
		return nil, nil, err
	}
	if e.checkLargeFunctions() {
		level.Info(e.logger).Log("msg", "large functions after first emission",
			"count", len(e.largeFunctions))
		// Reset for the split pass; the large-function annotations survive.
		for _, fn := range e.bc.SortedFunctions() {
			if e.largeFunctions[fn.Address] {
				fn.SplitHint = true
			}
			fn.resetForSplitPass()
		}
		mm.Close()
		// Final accepted layout: stub allocation permitted again.
		mm = NewSectionMemoryManager(e.logger, plan, true)
		if err := e.attempt(mm, true); err != nil {
			mm.Close()
			return nil, nil, err
		}
	}
	e.finishPass()

	if e.PreFinalize != nil {
		if err := e.PreFinalize(mm); err != nil {
			mm.Close()
			return nil, nil, err
		}
	}
	if err := mm.FinalizeMemory(); err != nil {
		mm.Close()
		return nil, nil, fatalError(CategoryEmission, "", 0, err)
	}

	final := &FinalLayout{LayoutPlan: plan}
	final.NewTextSegmentSize = mm.NextAvailableAddress() - plan.NewTextSegmentAddress
	return final, mm, nil
}

// attempt runs one full parallel emission over every function.
func (e *EmissionEngine) attempt(mm *SectionMemoryManager, split bool) error {
	funcs := e.bc.SortedFunctions()
	results := make([]emissionResult, len(funcs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)
	for i, fn := range funcs {
		if !fn.IsSimple || fn.Body == nil {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, fn *BinaryFunction) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.emitOne(fn, split)
		}(i, fn)
	}
	// Barrier: the convergence check must observe every emitted size.
	wg.Wait()

	// Placement runs sequentially in address order so allocation, and with
	// it the output, is deterministic.
	for i, fn := range funcs {
		if !fn.IsSimple || fn.Body == nil {
			// Failed or skipped disassembly upstream: preserve verbatim and
			// never touch its debug or CFI info.
			fn.preserve()
			continue
		}
		res := results[i]
		if fn.State() == StateSplitRequired {
			fn.advance(StateReEmitted)
		} else {
			fn.advance(StateEmitted)
		}
		if res.err != nil {
			e.failures = append(e.failures,
				recoverableError(CategoryEmission, fn.Name, fn.Address, res.err))
			fn.preserve()
			continue
		}
		if err := e.place(mm, fn, res, split); err != nil {
			if IsFatal(err) {
				return err
			}
			e.failures = append(e.failures,
				recoverableError(CategoryEmission, fn.Name, fn.Address, err))
			fn.preserve()
		}
	}
	return nil
}

// emitOne optimizes and assembles one function. No shared state is touched;
// results flow back through the per-index slot.
func (e *EmissionEngine) emitOne(fn *BinaryFunction, split bool) emissionResult {
	res := emissionResult{fn: fn}
	optimized, err := e.optimizer.OptimizeFunction(fn, fn.Body)
	if err != nil {
		res.err = errors.Wrap(err, "optimizer")
		return res
	}
	if split && fn.SplitHint {
		res.hot, res.cold, res.err = e.emitter.EmitSplit(fn, optimized)
		if res.err == nil && uint64(len(res.hot)) > fn.Size {
			res.err = errors.Errorf("hot part (%d bytes) exceeds footprint (%d bytes) even after splitting",
				len(res.hot), fn.Size)
		}
		return res
	}
	res.hot, res.err = e.emitter.Emit(fn, optimized)
	return res
}

// place assigns output addresses for one emission result. Bodies that fit
// go back into the original footprint; the rest are allocated in the new
// text segment through the memory manager.
func (e *EmissionEngine) place(mm *SectionMemoryManager, fn *BinaryFunction, res emissionResult, split bool) error {
	hotSize := uint64(len(res.hot))
	switch {
	case hotSize <= fn.Size:
		fn.OutputAddress = fn.Address
		fn.OutputSize = hotSize
	default:
		// Move the whole body into the new segment. Entry-point callers are
		// fixed up by the patcher; the fit check decides whether a split
		// pass must still run for this function.
		buf, addr, err := mm.AllocateCodeSection(hotSize, 16, fn.Name)
		if err != nil {
			return fatalError(CategoryEmission, fn.Name, fn.Address, err)
		}
		copy(buf, res.hot)
		fn.OutputAddress = addr
		fn.OutputSize = hotSize
	}
	if len(res.cold) > 0 {
		buf, addr, err := mm.AllocateCodeSection(uint64(len(res.cold)), 16, fn.Name+".cold")
		if err != nil {
			return fatalError(CategoryEmission, fn.Name, fn.Address, err)
		}
		copy(buf, res.cold)
		fn.ColdAddress = addr
		fn.ColdSize = uint64(len(res.cold))
	}
	// Stash the hot bytes so the writer can splice them over the original
	// footprint. The original body stays untouched; a second attempt must
	// re-optimize from the input image, and the first attempt's allocations
	// are unmapped before it runs.
	if fn.OutputAddress == fn.Address {
		fn.OutputBody = res.hot
	} else if buf := mm.allocationByAddr(fn.OutputAddress); buf != nil {
		fn.OutputBody = buf
	}
	return nil
}

// checkLargeFunctions marks every function whose emitted size exceeds the
// space reserved in the original layout and records it in the large-function
// set. Returns true if a second, splitting pass is required.
func (e *EmissionEngine) checkLargeFunctions() bool {
	needSplit := false
	for _, fn := range e.bc.SortedFunctions() {
		if fn.State() == StateDone {
			continue // preserved verbatim during the attempt
		}
		fn.advance(StateChecked)
		if fn.OutputSize > fn.Size || fn.OutputAddress != fn.Address {
			e.largeFunctions[fn.Address] = true
			fn.advance(StateSplitRequired)
			needSplit = true
			continue
		}
	}
	return needSplit
}

// finishPass assigns terminal states after the accepted attempt. Functions
// preserved verbatim along the way are already done; everything else ends
// emitted-fitting or emitted-split.
func (e *EmissionEngine) finishPass() {
	for _, fn := range e.bc.SortedFunctions() {
		if fn.State() == StateDone {
			continue
		}
		if fn.State() == StateEmitted {
			fn.advance(StateChecked)
		}
		if fn.ColdAddress != 0 {
			fn.finish(EmittedSplit)
		} else {
			fn.finish(EmittedFitting)
		}
	}
}
