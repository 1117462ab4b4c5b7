// relocations.go - Resolving and classifying relocation records
package main

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Relocation is the analyzed form of one relocation entry. Produced
// transiently during analysis and consumed by the patcher; not persisted.
type Relocation struct {
	// Offset of the patched location inside the relocated section's
	// address space (an absolute virtual address for linked binaries).
	Offset uint64
	Type   uint32

	SymbolName string
	// True when no usable symbol was attached and the target is expressed
	// relative to a section.
	IsSectionRelocation bool
	SymbolAddress       uint64
	Addend              int64

	// Addressing classification. GOT-relative entries read through the
	// global offset table; PC-relative entries store a displacement from
	// the patched location.
	GOTRelative bool
	PCRelative  bool

	// Value currently stored at the patched location in the input image.
	// For PC-relative entries this is the recovered absolute target, not
	// the raw displacement.
	ExtractedValue uint64

	// Section whose contents the relocation patches.
	Target *BinarySection
}

// IsJumpSlot reports whether this entry fills a .got.plt slot.
func (rel *Relocation) IsJumpSlot(t *TargetProfile) bool { return t.IsJumpSlot(rel.Type) }

// RelocationReader resolves relocation entries against the symbol tables of
// one binary.
type RelocationReader struct {
	bc      *BinaryContext
	symbols []elf.Symbol // .symtab entries, index-aligned with RELA sym field
	dynSyms []elf.Symbol
}

// NewRelocationReader loads both symbol tables once; missing tables are
// tolerated (stripped binaries still carry dynamic relocations).
func NewRelocationReader(bc *BinaryContext) *RelocationReader {
	rr := &RelocationReader{bc: bc}
	if syms, err := bc.File.Symbols(); err == nil {
		rr.symbols = syms
	}
	if dyn, err := bc.File.DynamicSymbols(); err == nil {
		rr.dynSyms = dyn
	}
	return rr
}

// ReadRelocations analyzes every entry of a RELA section. For entries the
// analyzer does not understand, visit receives the partial record together
// with the analysis error; the caller decides whether that is fatal (the
// relocated section is live code) or ignorable (the section is being
// dropped). Iteration order is file order, so downstream output is
// deterministic.
func (rr *RelocationReader) ReadRelocations(sec *BinarySection, visit func(Relocation, error) error) error {
	if sec.Type != elf.SHT_RELA {
		return errors.Errorf("section %s is not SHT_RELA", sec.Name)
	}
	t := rr.bc.Target()
	data := sec.Data
	if uint64(len(data))%t.RelaSize != 0 {
		return fatalError(CategoryRelocation, sec.Name, sec.Addr,
			errors.Errorf("size %d not a multiple of entry size %d", len(data), t.RelaSize))
	}
	var target *BinarySection
	if sec.Info != 0 && int(sec.Info) < len(rr.bc.Sections) {
		target = rr.bc.Sections[sec.Info]
	}
	dynamic := sec.Link != 0 && int(sec.Link) < len(rr.bc.Sections) &&
		rr.bc.Sections[sec.Link].Type == elf.SHT_DYNSYM

	for off := uint64(0); off+t.RelaSize <= uint64(len(data)); off += t.RelaSize {
		raw := t.RelaAt(data[off:])
		rel, err := rr.analyzeRelocation(raw, target, dynamic)
		if err != nil {
			level.Debug(rr.bc.logger).Log("msg", "relocation analysis failed",
				"section", sec.Name, "offset", hexU(raw.Offset), "err", err)
		}
		if verr := visit(rel, err); verr != nil {
			return verr
		}
	}
	return nil
}

// AnalyzeRelocation resolves one raw entry: the referenced symbol (falling
// back to section-relative addressing when absent), the addend, and the
// value currently stored at the patched location.
func (rr *RelocationReader) AnalyzeRelocation(raw RelaRec, target *BinarySection, dynamic bool) (Relocation, error) {
	return rr.analyzeRelocation(raw, target, dynamic)
}

func (rr *RelocationReader) analyzeRelocation(raw RelaRec, target *BinarySection, dynamic bool) (Relocation, error) {
	t := rr.bc.Target()
	rel := Relocation{
		Offset:      raw.Offset,
		Type:        raw.Type,
		Addend:      raw.Addend,
		Target:      target,
		GOTRelative: t.IsGOTRelative(raw.Type),
		PCRelative:  t.IsPCRelative(raw.Type),
	}
	if _, err := t.RelocationSize(raw.Type); err != nil {
		return rel, recoverableError(CategoryRelocation, "", raw.Offset, err)
	}

	table := rr.symbols
	if dynamic {
		table = rr.dynSyms
	}
	switch {
	case raw.Sym == 0:
		// No symbol: target expressed purely through the addend, relative
		// to the load image.
		rel.IsSectionRelocation = true
		rel.SymbolAddress = uint64(raw.Addend)
	case int(raw.Sym) <= len(table):
		sym := table[raw.Sym-1] // debug/elf drops the null symbol
		rel.SymbolName = sym.Name
		rel.SymbolAddress = sym.Value
		if elf.ST_TYPE(sym.Info) == elf.STT_SECTION {
			rel.IsSectionRelocation = true
			if int(sym.Section) < len(rr.bc.Sections) {
				s := rr.bc.Sections[sym.Section]
				rel.SymbolName = s.Name
				rel.SymbolAddress = s.Addr
			}
		}
	default:
		return rel, recoverableError(CategoryRelocation, "", raw.Offset,
			errors.Errorf("symbol index %d out of range", raw.Sym))
	}

	// Extract the value currently stored at the patched location so the
	// patcher can verify or reuse it.
	if target != nil && target.Data != nil && raw.Offset >= target.Addr {
		inOff := raw.Offset - target.Addr
		size, _ := t.RelocationSize(raw.Type)
		if inOff+uint64(size) <= uint64(len(target.Data)) {
			switch size {
			case 1:
				rel.ExtractedValue = uint64(target.Data[inOff])
			case 2:
				rel.ExtractedValue = uint64(t.Order.Uint16(target.Data[inOff:]))
			case 4:
				rel.ExtractedValue = uint64(t.Order.Uint32(target.Data[inOff:]))
			case 8:
				rel.ExtractedValue = t.Order.Uint64(target.Data[inOff:])
			}
			if rel.PCRelative {
				// Stored value is target minus place; sign-extend and add
				// the place back to recover the absolute target.
				switch size {
				case 1:
					rel.ExtractedValue = uint64(int64(int8(rel.ExtractedValue)) + int64(raw.Offset))
				case 2:
					rel.ExtractedValue = uint64(int64(int16(rel.ExtractedValue)) + int64(raw.Offset))
				case 4:
					rel.ExtractedValue = uint64(int64(int32(rel.ExtractedValue)) + int64(raw.Offset))
				case 8:
					rel.ExtractedValue += raw.Offset
				}
			}
		}
	}
	return rel, nil
}

// readAllocatableRelocations walks every RELA section whose target is
// allocatable, feeding analyzed entries to the rewrite run. Unrecognized
// relocations inside live code are fatal; inside sections that will be
// regenerated wholesale they are counted and ignored.
func (r *RewriteInstance) readAllocatableRelocations() error {
	rr := NewRelocationReader(r.bc)
	for _, sec := range r.bc.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		var target *BinarySection
		if sec.Info != 0 && int(sec.Info) < len(r.bc.Sections) {
			target = r.bc.Sections[sec.Info]
		}
		err := rr.ReadRelocations(sec, func(rel Relocation, analyzeErr error) error {
			if analyzeErr != nil {
				if target != nil && target.IsText() && !r.willOverwriteSection(target.Name) {
					return fatalError(CategoryRelocation, sec.Name, rel.Offset,
						errors.Wrapf(analyzeErr, "unrecognized relocation inside code"))
				}
				r.stats.IgnoredRelocations.Add(1)
				return nil
			}
			if rel.GOTRelative {
				r.stats.GOTRelocations.Add(1)
			}
			r.stats.DataRelocations.Add(1)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
