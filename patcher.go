// patcher.go - Structural ELF patching: program headers, section headers,
// symbol tables, dynamic section, GOT/PLT
package main

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// newTextSectionName is the section covering code emitted into the new
// segment (moved functions, cold parts, stubs).
const newTextSectionName = ".postlink.text"

// OutputPlan collects everything the file writer needs: the final section
// list, the regenerated header tables, and the patched ELF header fields.
// Built in one pass by the patcher; consumed read-only by the writer.
type OutputPlan struct {
	Sections     []*BinarySection
	SectionIndex map[string]int

	PhdrBytes []byte
	ShdrBytes []byte

	// Patched ELF header fields.
	Entry    uint64
	Phoff    uint64
	Phnum    int
	Shoff    uint64
	Shnum    int
	Shstrndx int

	// File size the output must reach (writes may extend it further).
	FileEnd uint64
}

// patchELF runs every structural patching step in dependency order. It is
// entered only after emission has converged; the layout is frozen.
func (r *RewriteInstance) patchELF(final *FinalLayout, mm *SectionMemoryManager) (*OutputPlan, error) {
	if err := r.patchELFGOT(mm); err != nil {
		return nil, err
	}
	if err := r.patchELFRelaPLT(); err != nil {
		return nil, err
	}
	if err := r.patchELFDynamic(); err != nil {
		return nil, err
	}
	if err := r.patchELFSymTabs(final); err != nil {
		return nil, err
	}
	r.patchBuildID(r.newSegmentDigestInput(mm))

	plan, err := r.getOutputSections(final, mm)
	if err != nil {
		return nil, err
	}
	if err := r.patchELFSectionHeaderTable(plan); err != nil {
		return nil, err
	}
	if err := r.patchELFPHDRTable(plan, final, mm); err != nil {
		return nil, err
	}
	return plan, nil
}

// newSegmentDigestInput concatenates the new segment's emitted bytes for the
// derived build-id.
func (r *RewriteInstance) newSegmentDigestInput(mm *SectionMemoryManager) []byte {
	var out []byte
	for _, w := range mm.WriteList() {
		out = append(out, w.Data...)
	}
	return out
}

// patchELFGOT re-points .got.plt jump slots at the new addresses of moved
// functions. When the table itself is being relocated, the patched copy is
// what lands at the new location.
func (r *RewriteInstance) patchELFGOT(mm *SectionMemoryManager) error {
	sec := r.bc.GOTPLTSection
	if sec == nil || sec.Data == nil {
		return nil
	}
	t := r.bc.Target()
	ws := t.WordSize()
	data := make([]byte, len(sec.Data))
	copy(data, sec.Data)

	changed := false
	// The first three entries are reserved for the dynamic linker.
	for off := 3 * ws; off+ws <= uint64(len(data)); off += ws {
		slot := t.Word(data[off:])
		if slot == 0 {
			continue
		}
		if newAddr, ok := r.GetNewFunctionAddress(slot); ok && newAddr != slot {
			t.PutWord(data[off:], newAddr)
			changed = true
		}
	}
	if changed || sec.OutputAddr != 0 {
		sec.OutputData = data
	}
	if sec.OutputAddr != 0 {
		// The relocated copy travels through the memory manager's write
		// list; the patched slots must land in its buffer.
		if buf := mm.allocationByAddr(sec.OutputAddr); buf != nil {
			copy(buf, data)
		}
	}
	return nil
}

// patchELFRelaPLT rewrites .rela.plt entries whose r_offset points into a
// relocated .got.plt so they target the moved slots.
func (r *RewriteInstance) patchELFRelaPLT() error {
	rela := r.bc.RelaPLTSection
	got := r.bc.GOTPLTSection
	if rela == nil || rela.Data == nil || got == nil || got.OutputAddr == 0 {
		return nil
	}
	t := r.bc.Target()
	data := make([]byte, len(rela.Data))
	copy(data, rela.Data)
	for off := uint64(0); off+t.RelaSize <= uint64(len(data)); off += t.RelaSize {
		rec := t.RelaAt(data[off:])
		if !t.IsJumpSlot(rec.Type) {
			continue
		}
		if rec.Offset < got.Addr || rec.Offset >= got.Addr+got.Size {
			return fatalError(CategoryPatching, rela.Name, rec.Offset,
				errors.Errorf("jump-slot relocation target %#x outside %s", rec.Offset, got.Name))
		}
		rec.Offset = got.OutputAddr + (rec.Offset - got.Addr)
		t.PutRela(data[off:], &rec)
	}
	rela.OutputData = data
	rela.Overwrite = true
	level.Debug(r.logger).Log("msg", "re-pointed .rela.plt at relocated .got.plt",
		"new_base", hexU(got.OutputAddr))
	return nil
}

// dynamic tags whose value is the address of a section that may have moved.
var dynamicAddrTags = map[int64]string{
	int64(elf.DT_PLTGOT):   ".got.plt",
	int64(elf.DT_JMPREL):   ".rela.plt",
	int64(elf.DT_SYMTAB):   ".dynsym",
	int64(elf.DT_STRTAB):   ".dynstr",
	int64(elf.DT_HASH):     ".hash",
	int64(elf.DT_GNU_HASH): ".gnu.hash",
	int64(elf.DT_RELA):     ".rela.dyn",
	int64(elf.DT_VERSYM):   ".gnu.version",
	int64(elf.DT_VERNEED):  ".gnu.version_r",
	int64(elf.DT_INIT):     "",
	int64(elf.DT_FINI):     "",
}

// patchELFDynamic updates dynamic entries whose pointers target moved
// structures. DT_INIT/DT_FINI are function addresses and translate through
// the function map instead of the section table.
func (r *RewriteInstance) patchELFDynamic() error {
	sec := r.bc.SectionByName(".dynamic")
	if sec == nil || sec.Data == nil {
		return nil
	}
	t := r.bc.Target()
	data := make([]byte, len(sec.Data))
	copy(data, sec.Data)

	changed := false
	for off := uint64(0); off+t.DynSize <= uint64(len(data)); off += t.DynSize {
		d := t.DynAt(data[off:])
		if d.Tag == int64(elf.DT_NULL) {
			break
		}
		name, tracked := dynamicAddrTags[d.Tag]
		if !tracked {
			continue
		}
		var newVal uint64
		if name == "" {
			if addr, ok := r.GetNewFunctionAddress(d.Val); ok {
				newVal = addr
			}
		} else if target := r.bc.SectionByName(name); target != nil && target.OutputAddr != 0 {
			if d.Val != target.Addr {
				return fatalError(CategoryPatching, sec.Name, d.Val,
					errors.Errorf("dynamic tag %#x disagrees with section %s address %#x",
						d.Tag, name, target.Addr))
			}
			newVal = target.OutputAddr
		}
		if newVal != 0 && newVal != d.Val {
			d.Val = newVal
			t.PutDyn(data[off:], &d)
			changed = true
		}
	}
	if changed {
		sec.OutputData = data
	}
	return nil
}

// patchELFSymTabs rewrites the regular symbol table with values reflecting
// emitted addresses, renumbering locals first, and patches the dynamic
// symbol table in place: external references index into .dynsym, so its
// order must remain stable.
func (r *RewriteInstance) patchELFSymTabs(final *FinalLayout) error {
	t := r.bc.Target()

	if symtab := r.bc.SectionByName(".symtab"); symtab != nil && symtab.Data != nil {
		strtabSec := r.bc.SectionByName(".strtab")
		var names []byte
		if strtabSec != nil {
			names = strtabSec.Data
		}
		count := uint64(len(symtab.Data)) / t.SymSize
		newStr := NewStringTableBuilder()
		locals := make([][]byte, 0, count)
		globals := make([][]byte, 0, count)
		for i := uint64(0); i < count; i++ {
			sym := t.SymbolAt(symtab.Data[i*t.SymSize:])
			sym.Name = newStr.Add(readCString(names, sym.Name))
			r.translateSymbol(&sym)
			rec := make([]byte, t.SymSize)
			t.PutSymbol(rec, &sym)
			if elf.ST_BIND(sym.Info) == elf.STB_LOCAL {
				locals = append(locals, rec)
			} else {
				globals = append(globals, rec)
			}
		}
		out := make([]byte, 0, uint64(len(symtab.Data)))
		for _, rec := range locals {
			out = append(out, rec...)
		}
		for _, rec := range globals {
			out = append(out, rec...)
		}
		symtab.OutputData = out
		symtab.Overwrite = true
		symtab.Info = uint32(len(locals)) // sh_info: index of first non-local
		final.NumLocalSymbols = uint64(len(locals))
		if strtabSec != nil {
			strtabSec.OutputData = newStr.Bytes()
			strtabSec.Overwrite = true
		}
	}

	if dynsym := r.bc.SectionByName(".dynsym"); dynsym != nil && dynsym.Data != nil {
		data := make([]byte, len(dynsym.Data))
		copy(data, dynsym.Data)
		changed := false
		count := uint64(len(data)) / t.SymSize
		for i := uint64(0); i < count; i++ {
			sym := t.SymbolAt(data[i*t.SymSize:])
			old := sym.Value
			r.translateSymbol(&sym)
			if sym.Value != old {
				t.PutSymbol(data[i*t.SymSize:], &sym)
				changed = true
			}
		}
		if changed {
			dynsym.OutputData = data
		}
	}
	return nil
}

// translateSymbol rewrites a symbol's value when it points into a moved
// function. Section symbols and absolute symbols pass through untouched.
func (r *RewriteInstance) translateSymbol(sym *SymbolRec) {
	if sym.Value == 0 || sym.Shndx == uint16(elf.SHN_ABS) || sym.Shndx == uint16(elf.SHN_UNDEF) {
		return
	}
	if elf.ST_TYPE(sym.Info) == elf.STT_SECTION {
		return
	}
	if newAddr, ok := r.GetNewFunctionAddress(sym.Value); ok {
		sym.Value = newAddr
	}
}

// getOutputSections decides the final section list: every input section is
// kept, overwritten, or relocated; new sections for emitted code and the
// vendor note are appended. Produces the name -> output index map other
// phases reference sections by.
func (r *RewriteInstance) getOutputSections(final *FinalLayout, mm *SectionMemoryManager) (*OutputPlan, error) {
	plan := &OutputPlan{SectionIndex: make(map[string]int)}

	// Original sections keep their input order and indices; sh_link/sh_info
	// references stay valid without remapping.
	for _, sec := range r.bc.Sections {
		sec.OutputIndex = len(plan.Sections)
		plan.Sections = append(plan.Sections, sec)
		if sec.Name != "" {
			plan.SectionIndex[sec.Name] = sec.OutputIndex
		}
	}

	// New text section covering everything emitted into the new segment.
	if final.NewTextSegmentSize > 0 {
		emittedStart := final.NextAvailableAddress
		emittedSize := final.NewTextSegmentAddress + final.NewTextSegmentSize - emittedStart
		if emittedSize > 0 {
			sec := &BinarySection{
				Name:        newTextSectionName,
				Type:        elf.SHT_PROGBITS,
				Flags:       elf.SHF_ALLOC | elf.SHF_EXECINSTR,
				Addr:        emittedStart,
				Offset:      emittedStart - final.NewTextSegmentAddress + final.NewTextSegmentOffset,
				Size:        emittedSize,
				Align:       16,
				OutputIndex: len(plan.Sections),
			}
			plan.Sections = append(plan.Sections, sec)
			plan.SectionIndex[sec.Name] = sec.OutputIndex
		}
	}

	// Vendor note and any other file-only notes recorded during the run.
	for _, n := range mm.Notes() {
		sec := &BinarySection{
			Name:        n.Name,
			Type:        elf.SHT_NOTE,
			Size:        uint64(len(n.Data)),
			Align:       4,
			OutputData:  n.Data,
			Overwrite:   true,
			OutputIndex: len(plan.Sections),
		}
		plan.Sections = append(plan.Sections, sec)
		plan.SectionIndex[sec.Name] = sec.OutputIndex
	}

	// Assign file offsets. Sections relocated through the memory manager
	// take their allocation's offset; regenerated or resized non-allocatable
	// sections are appended past everything else.
	cursor := final.NewTextSegmentOffset + final.NewTextSegmentSize
	if region, ok := mm.DataRegion(); ok {
		cursor = region.FileOffset + region.FileSize
	}
	for _, sec := range plan.Sections {
		switch {
		case sec.OutputAddr != 0:
			info, ok := mm.SegmentMap[sec.OutputAddr]
			if !ok {
				return nil, fatalError(CategoryPatching, sec.Name, sec.OutputAddr,
					errors.New("relocated section has no backing allocation"))
			}
			sec.OutputOffset = info.FileOffset
		case sec.Index == 0 && sec.Type == elf.SHT_NULL:
			// Index 0 placeholder.
		case sec.IsAlloc() || sec.Type == elf.SHT_NOBITS:
			// Stays at its original address and offset.
		case sec.OutputData != nil && !sec.Overwrite &&
			uint64(len(sec.OutputData)) == sec.Size && sec.Offset != 0:
			// Same-size patch lands over the original bytes. Overwrite-list
			// sections never take this path: they are regenerated wholesale
			// and move to the appended tail even when the size matches.
		case sec.OutputData != nil:
			align := sec.Align
			if align == 0 {
				align = 8
			}
			cursor = alignUp(cursor, align)
			sec.OutputOffset = cursor
			cursor += sec.FinalSize()
		}
	}

	// Rebuild .shstrtab last: it must contain every final name, including
	// its own, and it moves with the appended tail.
	shstr := NewStringTableBuilder()
	for _, sec := range plan.Sections {
		shstr.Add(sec.Name)
	}
	shstrSec := r.bc.SectionByName(".shstrtab")
	if shstrSec == nil {
		shstrSec = &BinarySection{
			Name:        ".shstrtab",
			Type:        elf.SHT_STRTAB,
			Align:       1,
			OutputIndex: len(plan.Sections),
		}
		shstr.Add(shstrSec.Name)
		plan.Sections = append(plan.Sections, shstrSec)
		plan.SectionIndex[shstrSec.Name] = shstrSec.OutputIndex
	}
	shstrSec.OutputData = shstr.Bytes()
	shstrSec.Overwrite = true
	cursor = alignUp(cursor, 8)
	shstrSec.OutputOffset = cursor
	cursor += shstrSec.FinalSize()

	plan.Shstrndx = shstrSec.OutputIndex
	plan.FileEnd = cursor
	r.shstrtab = shstr
	return plan, nil
}

// patchELFSectionHeaderTable serializes the regenerated table. Every field
// comes from the section records built by getOutputSections; nothing is
// recomputed here.
func (r *RewriteInstance) patchELFSectionHeaderTable(plan *OutputPlan) error {
	t := r.bc.Target()
	plan.Shnum = len(plan.Sections)
	plan.ShdrBytes = make([]byte, uint64(plan.Shnum)*t.ShdrSize)
	for i, sec := range plan.Sections {
		rec := SectionHeaderRec{
			Name:    r.shstrtab.Offset(sec.Name),
			Type:    sec.Type,
			Flags:   uint64(sec.Flags),
			Addr:    sec.FinalAddr(),
			Offset:  sec.FinalOffset(),
			Size:    sec.FinalSize(),
			Link:    sec.Link,
			Info:    sec.Info,
			Align:   sec.Align,
			EntSize: sec.EntSize,
		}
		if sec.Type == elf.SHT_NULL {
			rec = SectionHeaderRec{}
		}
		t.PutSectionHeader(plan.ShdrBytes[uint64(i)*t.ShdrSize:], &rec)
	}
	plan.Shoff = alignUp(plan.FileEnd, 8)
	plan.FileEnd = plan.Shoff + uint64(len(plan.ShdrBytes))
	return nil
}

// patchELFPHDRTable regenerates the program header table at its relocated
// position: original segments adjusted, PT_PHDR re-pointed at itself, and
// new PT_LOAD entries for the emitted code and data regions. The table's own
// address is a fixed point: the ELF header, the PT_PHDR entry, and the
// covering PT_LOAD all derive it from the same layout fields.
func (r *RewriteInstance) patchELFPHDRTable(plan *OutputPlan, final *FinalLayout, mm *SectionMemoryManager) error {
	t := r.bc.Target()
	var headers []ProgHeader

	for _, p := range r.bc.File.Progs {
		h := ProgHeader{
			Type:   p.Type,
			Flags:  p.Flags,
			Offset: p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		}
		if p.Type == elf.PT_PHDR {
			h.Offset = final.PHDRTableOffset
			h.Vaddr = final.PHDRTableAddress
			h.Paddr = final.PHDRTableAddress
		}
		headers = append(headers, h)
	}

	// The new text segment covers the relocated program header table and
	// everything emitted past it.
	headers = append(headers, ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_X,
		Offset: final.NewTextSegmentOffset,
		Vaddr:  final.NewTextSegmentAddress,
		Paddr:  final.NewTextSegmentAddress,
		Filesz: final.NewTextSegmentSize,
		Memsz:  final.NewTextSegmentSize,
		Align:  final.PageSize,
	})
	if region, ok := mm.DataRegion(); ok {
		headers = append(headers, ProgHeader{
			Type:   elf.PT_LOAD,
			Flags:  elf.PF_R | elf.PF_W,
			Offset: region.FileOffset,
			Vaddr:  region.Address,
			Paddr:  region.Address,
			Filesz: region.FileSize,
			Memsz:  region.Size,
			Align:  final.PageSize,
		})
	}

	// PT_PHDR and the covering PT_LOAD must agree on the table size.
	tableSize := uint64(len(headers)) * t.PhdrSize
	for i := range headers {
		if headers[i].Type == elf.PT_PHDR {
			headers[i].Filesz = tableSize
			headers[i].Memsz = tableSize
		}
	}
	reserved := final.NextAvailableAddress - final.PHDRTableAddress
	if tableSize > reserved {
		return fatalError(CategoryPatching, "", final.PHDRTableAddress,
			errors.Errorf("program header table (%d bytes) exceeds reserved space (%d bytes)",
				tableSize, reserved))
	}

	plan.PhdrBytes = make([]byte, tableSize)
	for i := range headers {
		t.PutProgHeader(plan.PhdrBytes[uint64(i)*t.PhdrSize:], &headers[i])
	}
	plan.Phoff = final.PHDRTableOffset
	plan.Phnum = len(headers)

	// Entry point follows its function if that function moved.
	plan.Entry = final.EntryPoint
	if newAddr, ok := r.GetNewFunctionAddress(final.EntryPoint); ok {
		plan.Entry = newAddr
	}
	r.crossCheckSegments(plan, headers)
	return nil
}

// crossCheckSegments enforces the phdr/shdr consistency invariant: every
// loadable section's file range must fall inside exactly one PT_LOAD.
// Disagreement between the two views is a structural error.
func (r *RewriteInstance) crossCheckSegments(plan *OutputPlan, headers []ProgHeader) {
	for _, sec := range plan.Sections {
		if !sec.IsAlloc() || sec.Type == elf.SHT_NOBITS || sec.FinalSize() == 0 {
			continue
		}
		off := sec.FinalOffset()
		covering := 0
		for _, h := range headers {
			if h.Type != elf.PT_LOAD {
				continue
			}
			if off >= h.Offset && off+sec.FinalSize() <= h.Offset+h.Filesz {
				covering++
			}
		}
		if covering != 1 {
			panic(errors.Errorf(
				"section %s file range [%#x,%#x) covered by %d segments, want exactly 1",
				sec.Name, off, off+sec.FinalSize(), covering))
		}
	}
}
