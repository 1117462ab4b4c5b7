// binary.go - Input binary context: sections, symbols, function discovery
package main

import (
	"bytes"
	"debug/elf"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// BinaryContext holds the read-only view of the input binary plus the
// function map built from its symbol table. The input image is referenced,
// never mutated; the final write produces a new artifact.
type BinaryContext struct {
	logger log.Logger
	target *TargetProfile

	// Raw bytes of the whole input file.
	Image []byte

	File *elf.File

	Sections       []*BinarySection
	sectionsByName map[string]*BinarySection

	// All functions, keyed by original entry address, plus the sorted key
	// slice for range queries.
	Functions     map[uint64]*BinaryFunction
	functionAddrs []uint64

	// Sorted addresses of every non-zero symbol; used to bound each
	// function's MaxSize by the next known object.
	objectAddrs []uint64

	// Special sections, nil when absent.
	PLTSection      *BinarySection
	GOTPLTSection   *BinarySection
	RelaPLTSection  *BinarySection
	EHFrameSection  *BinarySection
	EHFrameHdr      *BinarySection
	GdbIndexSection *BinarySection
	BuildIDSection  *BinarySection

	// Parsed build-id bytes from .note.gnu.build-id, nil when absent.
	BuildID []byte

	EntryPoint uint64

	// Aggregate profile score over all functions, for reporting.
	TotalScore uint64
}

// NewBinaryContext parses the input image and discovers its sections.
func NewBinaryContext(logger log.Logger, image []byte) (*BinaryContext, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, errors.Wrap(err, "parsing ELF input")
	}
	target, err := NewTargetProfile(f)
	if err != nil {
		return nil, err
	}
	bc := &BinaryContext{
		logger:         logger,
		target:         target,
		Image:          image,
		File:           f,
		sectionsByName: make(map[string]*BinarySection),
		Functions:      make(map[uint64]*BinaryFunction),
		EntryPoint:     f.Entry,
	}
	for i, s := range f.Sections {
		sec := &BinarySection{
			Name:        s.Name,
			Index:       i,
			Type:        s.Type,
			Flags:       s.Flags,
			Addr:        s.Addr,
			Offset:      s.Offset,
			Size:        s.Size,
			Link:        s.Link,
			Info:        s.Info,
			Align:       s.Addralign,
			EntSize:     s.Entsize,
			OutputIndex: -1,
		}
		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL {
			if s.Offset+s.FileSize > uint64(len(image)) {
				return nil, fatalError(CategoryLayout, s.Name, s.Addr,
					errors.Errorf("section extends past end of file (offset %#x size %#x)",
						s.Offset, s.FileSize))
			}
			sec.Data = image[s.Offset : s.Offset+s.FileSize]
		}
		bc.Sections = append(bc.Sections, sec)
		if s.Name != "" {
			bc.sectionsByName[s.Name] = sec
		}
	}
	return bc, nil
}

// Target returns the profile selected for the input binary.
func (bc *BinaryContext) Target() *TargetProfile { return bc.target }

// SectionByName returns the named section, or nil.
func (bc *BinaryContext) SectionByName(name string) *BinarySection {
	return bc.sectionsByName[name]
}

// SectionForAddress returns the allocatable section containing addr, or nil.
func (bc *BinaryContext) SectionForAddress(addr uint64) *BinarySection {
	for _, s := range bc.Sections {
		if s.ContainsAddr(addr) {
			return s
		}
	}
	return nil
}

// readSpecialSections locates the sections the patcher treats specially.
// Absence of any of them is not an error; the corresponding patch step is
// simply skipped.
func (bc *BinaryContext) readSpecialSections() {
	bc.PLTSection = bc.SectionByName(".plt")
	bc.GOTPLTSection = bc.SectionByName(".got.plt")
	bc.RelaPLTSection = bc.SectionByName(".rela.plt")
	bc.EHFrameSection = bc.SectionByName(".eh_frame")
	bc.EHFrameHdr = bc.SectionByName(".eh_frame_hdr")
	bc.GdbIndexSection = bc.SectionByName(".gdb_index")
	bc.BuildIDSection = bc.SectionByName(".note.gnu.build-id")
	bc.parseBuildID()
}

// discoverFileObjects populates the function map from STT_FUNC symbols that
// live in executable allocatable sections. Zero-sized symbols are kept; their
// real footprint is established by adjustFunctionBoundaries.
func (bc *BinaryContext) discoverFileObjects() error {
	syms, err := bc.File.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return errors.Wrap(err, "reading symbol table")
	}
	for _, sym := range syms {
		if sym.Value == 0 {
			continue
		}
		bc.objectAddrs = append(bc.objectAddrs, sym.Value)
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		sec := bc.SectionForAddress(sym.Value)
		if sec == nil || !sec.IsText() {
			continue
		}
		if prev, ok := bc.Functions[sym.Value]; ok {
			// Aliased entry: keep the larger footprint, prefer a named one.
			if sym.Size > prev.Size {
				prev.Size = sym.Size
			}
			if prev.Name == "" {
				prev.Name = sym.Name
			}
			continue
		}
		fn := &BinaryFunction{
			Name:     sym.Name,
			Address:  sym.Value,
			Size:     sym.Size,
			Section:  sec,
			IsSimple: true,
		}
		bc.Functions[sym.Value] = fn
	}
	sort.Slice(bc.objectAddrs, func(i, j int) bool { return bc.objectAddrs[i] < bc.objectAddrs[j] })
	bc.functionAddrs = bc.functionAddrs[:0]
	for addr := range bc.Functions {
		bc.functionAddrs = append(bc.functionAddrs, addr)
	}
	sort.Slice(bc.functionAddrs, func(i, j int) bool { return bc.functionAddrs[i] < bc.functionAddrs[j] })
	bc.adjustFunctionBoundaries()
	level.Debug(bc.logger).Log("msg", "discovered functions", "count", len(bc.Functions))
	return nil
}

// adjustFunctionBoundaries fixes zero symbol sizes and computes MaxSize as
// the distance to the next known object or the end of the section, whichever
// comes first. Also binds each function's original body bytes.
func (bc *BinaryContext) adjustFunctionBoundaries() {
	for i, addr := range bc.functionAddrs {
		fn := bc.Functions[addr]
		sectionEnd := fn.Section.Addr + fn.Section.Size
		next := sectionEnd
		// Next object of any kind bounds the usable space.
		j := sort.Search(len(bc.objectAddrs), func(k int) bool { return bc.objectAddrs[k] > addr })
		if j < len(bc.objectAddrs) && bc.objectAddrs[j] < next {
			next = bc.objectAddrs[j]
		}
		if i+1 < len(bc.functionAddrs) && bc.functionAddrs[i+1] < next {
			next = bc.functionAddrs[i+1]
		}
		fn.MaxSize = next - addr
		if fn.Size == 0 || fn.Size > fn.MaxSize {
			fn.Size = fn.MaxSize
		}
		if fn.Section.Data != nil {
			start := addr - fn.Section.Addr
			fn.Body = fn.Section.Data[start : start+fn.Size]
		}
	}
}

// GetBinaryFunctionContainingAddress finds the function covering addr.
//
// A function's boundaries are vague in a linked binary: code can refer to
// the first byte past the end of a function and still mean that function.
// With checkPastEnd, an address exactly one byte past a body resolves to it
// unless another function starts there. With useMaxSize, the space up to the
// next known object counts as part of the function.
func (bc *BinaryContext) GetBinaryFunctionContainingAddress(addr uint64, checkPastEnd, useMaxSize bool) *BinaryFunction {
	if len(bc.functionAddrs) == 0 {
		return nil
	}
	// First function starting at or before addr.
	i := sort.Search(len(bc.functionAddrs), func(k int) bool { return bc.functionAddrs[k] > addr })
	if i == 0 {
		return nil
	}
	fn := bc.Functions[bc.functionAddrs[i-1]]
	if checkPastEnd {
		// Another function claiming the byte wins.
		if other, ok := bc.Functions[addr]; ok && other != fn {
			if other.containsAddress(addr, false, useMaxSize) {
				return other
			}
		}
	}
	if fn.containsAddress(addr, checkPastEnd, useMaxSize) {
		return fn
	}
	return nil
}

// GetBinaryFunctionAtAddress returns the function whose entry is exactly addr.
func (bc *BinaryContext) GetBinaryFunctionAtAddress(addr uint64) *BinaryFunction {
	return bc.Functions[addr]
}

// SortedFunctions returns all functions in ascending original address order.
func (bc *BinaryContext) SortedFunctions() []*BinaryFunction {
	out := make([]*BinaryFunction, 0, len(bc.functionAddrs))
	for _, addr := range bc.functionAddrs {
		out = append(out, bc.Functions[addr])
	}
	return out
}
