// section.go - Section descriptors carried through the rewrite
package main

import (
	"debug/elf"
)

// BinarySection describes one input section together with its fate in the
// output binary. The original header fields are copied out of the input file
// once and treated as read-only; everything under "output" is filled in by
// the structural patcher.
type BinarySection struct {
	Name    string
	Index   int // index in the input section header table
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	Align   uint64
	EntSize uint64

	// Original contents; nil for SHT_NOBITS.
	Data []byte

	// Output state.
	OutputIndex  int    // index in the rewritten section header table, -1 if dropped
	OutputData   []byte // replacement contents; nil means copy the input bytes
	OutputAddr   uint64 // 0 means the section keeps its original address
	OutputOffset uint64 // 0 means the section keeps its original file offset
	Overwrite    bool   // contents regenerated wholesale rather than patched
}

// IsAlloc reports whether the section occupies memory at run time.
func (s *BinarySection) IsAlloc() bool { return s.Flags&elf.SHF_ALLOC != 0 }

// IsText reports whether the section holds executable code.
func (s *BinarySection) IsText() bool {
	return s.IsAlloc() && s.Flags&elf.SHF_EXECINSTR != 0
}

// IsNote reports whether the section is an ELF note.
func (s *BinarySection) IsNote() bool { return s.Type == elf.SHT_NOTE }

// FinalAddr returns the address the section will have in the output.
func (s *BinarySection) FinalAddr() uint64 {
	if s.OutputAddr != 0 {
		return s.OutputAddr
	}
	return s.Addr
}

// FinalOffset returns the file offset the section will have in the output.
func (s *BinarySection) FinalOffset() uint64 {
	if s.OutputOffset != 0 {
		return s.OutputOffset
	}
	return s.Offset
}

// FinalData returns the bytes that will be written for the section.
func (s *BinarySection) FinalData() []byte {
	if s.OutputData != nil {
		return s.OutputData
	}
	return s.Data
}

// FinalSize returns the section size in the output.
func (s *BinarySection) FinalSize() uint64 {
	if s.OutputData != nil {
		return uint64(len(s.OutputData))
	}
	return s.Size
}

// ContainsAddr reports whether addr falls inside the section's original
// address range. NOBITS sections participate: .bss has addresses but no
// file bytes.
func (s *BinarySection) ContainsAddr(addr uint64) bool {
	return s.IsAlloc() && addr >= s.Addr && addr < s.Addr+s.Size
}

// ContainsOffset reports whether a file offset falls inside the section's
// original file range.
func (s *BinarySection) ContainsOffset(off uint64) bool {
	if s.Type == elf.SHT_NOBITS {
		return false
	}
	return off >= s.Offset && off < s.Offset+s.Size
}
