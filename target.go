// target.go - ELF target profile (word size, byte order, record layouts)
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// TargetProfile captures everything that differs between the four ELF
// variants (32/64-bit, little/big-endian) so that the rest of the rewriter
// can run as a single generic code path. A profile is selected once when the
// input binary is opened and never changes afterwards.
type TargetProfile struct {
	Class    elf.Class
	Order    binary.ByteOrder
	Machine  elf.Machine
	PageSize uint64

	// Record sizes for this class.
	EhdrSize uint64
	PhdrSize uint64
	ShdrSize uint64
	SymSize  uint64
	RelaSize uint64
	DynSize  uint64
}

// NewTargetProfile selects the profile matching an opened ELF file.
func NewTargetProfile(f *elf.File) (*TargetProfile, error) {
	t := &TargetProfile{
		Class:    f.Class,
		Order:    f.ByteOrder,
		Machine:  f.Machine,
		PageSize: 0x1000,
	}
	switch f.Class {
	case elf.ELFCLASS64:
		t.EhdrSize = 64
		t.PhdrSize = 56
		t.ShdrSize = 64
		t.SymSize = 24
		t.RelaSize = 24
		t.DynSize = 16
	case elf.ELFCLASS32:
		t.EhdrSize = 52
		t.PhdrSize = 32
		t.ShdrSize = 40
		t.SymSize = 16
		t.RelaSize = 12
		t.DynSize = 8
	default:
		return nil, fmt.Errorf("unsupported ELF class: %v", f.Class)
	}
	// 64 KiB pages on ppc64/aarch64 server distributions make segment
	// alignment stricter; use the maximum alignment found in PT_LOAD
	// headers instead of guessing, falling back to 4 KiB.
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Align > t.PageSize {
			t.PageSize = p.Align
		}
	}
	return t, nil
}

// Is64 reports whether the target uses 64-bit ELF records.
func (t *TargetProfile) Is64() bool { return t.Class == elf.ELFCLASS64 }

// WordSize returns the native word size in bytes.
func (t *TargetProfile) WordSize() uint64 {
	if t.Is64() {
		return 8
	}
	return 4
}

// Align rounds v up to the given alignment (a power of two).
func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// ProgHeader is a class-independent program header record.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// SectionHeaderRec is a class-independent section header record.
type SectionHeaderRec struct {
	Name    uint32
	Type    elf.SectionType
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	Align   uint64
	EntSize uint64
}

// SymbolRec is a class-independent symbol table entry.
type SymbolRec struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// RelaRec is a class-independent RELA entry.
type RelaRec struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// DynRec is a class-independent dynamic table entry.
type DynRec struct {
	Tag int64
	Val uint64
}

// PutProgHeader encodes p into b, which must be at least PhdrSize bytes.
func (t *TargetProfile) PutProgHeader(b []byte, p *ProgHeader) {
	o := t.Order
	if t.Is64() {
		o.PutUint32(b[0:], uint32(p.Type))
		o.PutUint32(b[4:], uint32(p.Flags))
		o.PutUint64(b[8:], p.Offset)
		o.PutUint64(b[16:], p.Vaddr)
		o.PutUint64(b[24:], p.Paddr)
		o.PutUint64(b[32:], p.Filesz)
		o.PutUint64(b[40:], p.Memsz)
		o.PutUint64(b[48:], p.Align)
		return
	}
	o.PutUint32(b[0:], uint32(p.Type))
	o.PutUint32(b[4:], uint32(p.Offset))
	o.PutUint32(b[8:], uint32(p.Vaddr))
	o.PutUint32(b[12:], uint32(p.Paddr))
	o.PutUint32(b[16:], uint32(p.Filesz))
	o.PutUint32(b[20:], uint32(p.Memsz))
	o.PutUint32(b[24:], uint32(p.Flags))
	o.PutUint32(b[28:], uint32(p.Align))
}

// ProgHeaderAt decodes the program header stored at b.
func (t *TargetProfile) ProgHeaderAt(b []byte) ProgHeader {
	o := t.Order
	if t.Is64() {
		return ProgHeader{
			Type:   elf.ProgType(o.Uint32(b[0:])),
			Flags:  elf.ProgFlag(o.Uint32(b[4:])),
			Offset: o.Uint64(b[8:]),
			Vaddr:  o.Uint64(b[16:]),
			Paddr:  o.Uint64(b[24:]),
			Filesz: o.Uint64(b[32:]),
			Memsz:  o.Uint64(b[40:]),
			Align:  o.Uint64(b[48:]),
		}
	}
	return ProgHeader{
		Type:   elf.ProgType(o.Uint32(b[0:])),
		Offset: uint64(o.Uint32(b[4:])),
		Vaddr:  uint64(o.Uint32(b[8:])),
		Paddr:  uint64(o.Uint32(b[12:])),
		Filesz: uint64(o.Uint32(b[16:])),
		Memsz:  uint64(o.Uint32(b[20:])),
		Flags:  elf.ProgFlag(o.Uint32(b[24:])),
		Align:  uint64(o.Uint32(b[28:])),
	}
}

// PutSectionHeader encodes s into b, which must be at least ShdrSize bytes.
func (t *TargetProfile) PutSectionHeader(b []byte, s *SectionHeaderRec) {
	o := t.Order
	if t.Is64() {
		o.PutUint32(b[0:], s.Name)
		o.PutUint32(b[4:], uint32(s.Type))
		o.PutUint64(b[8:], s.Flags)
		o.PutUint64(b[16:], s.Addr)
		o.PutUint64(b[24:], s.Offset)
		o.PutUint64(b[32:], s.Size)
		o.PutUint32(b[40:], s.Link)
		o.PutUint32(b[44:], s.Info)
		o.PutUint64(b[48:], s.Align)
		o.PutUint64(b[56:], s.EntSize)
		return
	}
	o.PutUint32(b[0:], s.Name)
	o.PutUint32(b[4:], uint32(s.Type))
	o.PutUint32(b[8:], uint32(s.Flags))
	o.PutUint32(b[12:], uint32(s.Addr))
	o.PutUint32(b[16:], uint32(s.Offset))
	o.PutUint32(b[20:], uint32(s.Size))
	o.PutUint32(b[24:], s.Link)
	o.PutUint32(b[28:], s.Info)
	o.PutUint32(b[32:], uint32(s.Align))
	o.PutUint32(b[36:], uint32(s.EntSize))
}

// PutSymbol encodes s into b, which must be at least SymSize bytes.
func (t *TargetProfile) PutSymbol(b []byte, s *SymbolRec) {
	o := t.Order
	if t.Is64() {
		o.PutUint32(b[0:], s.Name)
		b[4] = s.Info
		b[5] = s.Other
		o.PutUint16(b[6:], s.Shndx)
		o.PutUint64(b[8:], s.Value)
		o.PutUint64(b[16:], s.Size)
		return
	}
	o.PutUint32(b[0:], s.Name)
	o.PutUint32(b[4:], uint32(s.Value))
	o.PutUint32(b[8:], uint32(s.Size))
	b[12] = s.Info
	b[13] = s.Other
	o.PutUint16(b[14:], s.Shndx)
}

// SymbolAt decodes the symbol stored at b.
func (t *TargetProfile) SymbolAt(b []byte) SymbolRec {
	o := t.Order
	if t.Is64() {
		return SymbolRec{
			Name:  o.Uint32(b[0:]),
			Info:  b[4],
			Other: b[5],
			Shndx: o.Uint16(b[6:]),
			Value: o.Uint64(b[8:]),
			Size:  o.Uint64(b[16:]),
		}
	}
	return SymbolRec{
		Name:  o.Uint32(b[0:]),
		Value: uint64(o.Uint32(b[4:])),
		Size:  uint64(o.Uint32(b[8:])),
		Info:  b[12],
		Other: b[13],
		Shndx: o.Uint16(b[14:]),
	}
}

// PutRela encodes r into b, which must be at least RelaSize bytes.
func (t *TargetProfile) PutRela(b []byte, r *RelaRec) {
	o := t.Order
	if t.Is64() {
		o.PutUint64(b[0:], r.Offset)
		o.PutUint64(b[8:], uint64(r.Sym)<<32|uint64(r.Type))
		o.PutUint64(b[16:], uint64(r.Addend))
		return
	}
	o.PutUint32(b[0:], uint32(r.Offset))
	o.PutUint32(b[4:], r.Sym<<8|r.Type&0xff)
	o.PutUint32(b[8:], uint32(r.Addend))
}

// RelaAt decodes the RELA entry stored at b.
func (t *TargetProfile) RelaAt(b []byte) RelaRec {
	o := t.Order
	if t.Is64() {
		info := o.Uint64(b[8:])
		return RelaRec{
			Offset: o.Uint64(b[0:]),
			Sym:    uint32(info >> 32),
			Type:   uint32(info & 0xffffffff),
			Addend: int64(o.Uint64(b[16:])),
		}
	}
	info := o.Uint32(b[4:])
	return RelaRec{
		Offset: uint64(o.Uint32(b[0:])),
		Sym:    info >> 8,
		Type:   info & 0xff,
		Addend: int64(int32(o.Uint32(b[8:]))),
	}
}

// PutDyn encodes d into b, which must be at least DynSize bytes.
func (t *TargetProfile) PutDyn(b []byte, d *DynRec) {
	o := t.Order
	if t.Is64() {
		o.PutUint64(b[0:], uint64(d.Tag))
		o.PutUint64(b[8:], d.Val)
		return
	}
	o.PutUint32(b[0:], uint32(d.Tag))
	o.PutUint32(b[4:], uint32(d.Val))
}

// DynAt decodes the dynamic entry stored at b.
func (t *TargetProfile) DynAt(b []byte) DynRec {
	o := t.Order
	if t.Is64() {
		return DynRec{Tag: int64(o.Uint64(b[0:])), Val: o.Uint64(b[8:])}
	}
	return DynRec{Tag: int64(int32(o.Uint32(b[0:]))), Val: uint64(o.Uint32(b[4:]))}
}

// Word reads a native word (4 or 8 bytes) from b.
func (t *TargetProfile) Word(b []byte) uint64 {
	if t.Is64() {
		return t.Order.Uint64(b)
	}
	return uint64(t.Order.Uint32(b))
}

// PutWord writes a native word (4 or 8 bytes) into b.
func (t *TargetProfile) PutWord(b []byte, v uint64) {
	if t.Is64() {
		t.Order.PutUint64(b, v)
		return
	}
	t.Order.PutUint32(b, uint32(v))
}

// IsJumpSlot reports whether the relocation type is the jump-slot kind for
// the target machine (entries of .rela.plt against .got.plt).
func (t *TargetProfile) IsJumpSlot(typ uint32) bool {
	switch t.Machine {
	case elf.EM_X86_64:
		return typ == uint32(elf.R_X86_64_JMP_SLOT)
	case elf.EM_AARCH64:
		return typ == uint32(elf.R_AARCH64_JUMP_SLOT)
	case elf.EM_RISCV:
		return typ == 5 // R_RISCV_JUMP_SLOT
	case elf.EM_386:
		return typ == uint32(elf.R_386_JMP_SLOT)
	case elf.EM_PPC64:
		return typ == uint32(elf.R_PPC64_JMP_SLOT)
	}
	return false
}

// IsGOTRelative reports whether the relocation type reads through the GOT.
func (t *TargetProfile) IsGOTRelative(typ uint32) bool {
	switch t.Machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_GOT32, elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTOFF64,
			elf.R_X86_64_GOTPC32, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX,
			elf.R_X86_64_GLOB_DAT:
			return true
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC,
			elf.R_AARCH64_GLOB_DAT:
			return true
		}
	}
	return false
}

// IsPCRelative reports whether the relocation value is relative to the place
// being patched.
func (t *TargetProfile) IsPCRelative(typ uint32) bool {
	switch t.Machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_PC8, elf.R_X86_64_PC16, elf.R_X86_64_PC32,
			elf.R_X86_64_PC64, elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL,
			elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			return true
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_PREL32, elf.R_AARCH64_PREL64, elf.R_AARCH64_CALL26,
			elf.R_AARCH64_JUMP26:
			return true
		}
	}
	return false
}

// RelocationSize returns the number of bytes covered at the patched
// location, or an error for kinds the analyzer does not understand.
func (t *TargetProfile) RelocationSize(typ uint32) (int, error) {
	switch t.Machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_8, elf.R_X86_64_PC8:
			return 1, nil
		case elf.R_X86_64_16, elf.R_X86_64_PC16:
			return 2, nil
		case elf.R_X86_64_32, elf.R_X86_64_32S, elf.R_X86_64_PC32,
			elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX,
			elf.R_X86_64_REX_GOTPCRELX, elf.R_X86_64_GOTPC32, elf.R_X86_64_GOT32,
			elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD, elf.R_X86_64_GOTTPOFF,
			elf.R_X86_64_TPOFF32, elf.R_X86_64_DTPOFF32:
			return 4, nil
		case elf.R_X86_64_64, elf.R_X86_64_PC64, elf.R_X86_64_GLOB_DAT,
			elf.R_X86_64_JMP_SLOT, elf.R_X86_64_RELATIVE, elf.R_X86_64_DTPMOD64,
			elf.R_X86_64_DTPOFF64, elf.R_X86_64_TPOFF64, elf.R_X86_64_GOTOFF64:
			return 8, nil
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_ABS32, elf.R_AARCH64_PREL32, elf.R_AARCH64_CALL26,
			elf.R_AARCH64_JUMP26, elf.R_AARCH64_ADR_PREL_PG_HI21,
			elf.R_AARCH64_ADD_ABS_LO12_NC, elf.R_AARCH64_ADR_GOT_PAGE,
			elf.R_AARCH64_LD64_GOT_LO12_NC:
			return 4, nil
		case elf.R_AARCH64_ABS64, elf.R_AARCH64_PREL64, elf.R_AARCH64_GLOB_DAT,
			elf.R_AARCH64_JUMP_SLOT, elf.R_AARCH64_RELATIVE:
			return 8, nil
		}
	}
	return 0, fmt.Errorf("unrecognized relocation type %d for machine %v", typ, t.Machine)
}

// PatchELFHeader rewrites the mutable ELF header fields in place. b holds at
// least the header bytes for the profile's class.
func (t *TargetProfile) PatchELFHeader(b []byte, entry, phoff, shoff uint64, phnum, shnum, shstrndx int) {
	o := t.Order
	if t.Is64() {
		o.PutUint64(b[24:], entry)
		o.PutUint64(b[32:], phoff)
		o.PutUint64(b[40:], shoff)
		o.PutUint16(b[56:], uint16(phnum))
		o.PutUint16(b[60:], uint16(shnum))
		o.PutUint16(b[62:], uint16(shstrndx))
		return
	}
	o.PutUint32(b[24:], uint32(entry))
	o.PutUint32(b[28:], uint32(phoff))
	o.PutUint32(b[32:], uint32(shoff))
	o.PutUint16(b[44:], uint16(phnum))
	o.PutUint16(b[48:], uint16(shnum))
	o.PutUint16(b[50:], uint16(shstrndx))
}
