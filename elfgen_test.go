// elfgen_test.go - Synthetic ELF executables for tests
package main

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Fixed layout of the synthetic executable. Everything the tests assert
// against derives from these constants.
const (
	genBase     = 0x400000
	genTextOff  = 0x1000
	genTextAddr = genBase + genTextOff
	genRXEnd    = 0x2000 // file size of the RX segment
	genDataOff  = 0x2000
	genDataAddr = 0x602000
	genNoteOff  = 0x200
	genBssSize  = 0x40

	genEHFrameOff   = 0x1800
	genEHFrameHdrOff = 0x1980
	genRelaPLTOff   = 0x1a00
	genDynsymOff    = 0x1b00
	genDynstrOff    = 0x1c00

	genGotPLTOff  = 0x2000 // start of RW segment
	genDataSecOff = 0x2100
	genDynamicOff = 0x2200

	genNonAllocOff = 0x3000
)

// genFunc is one synthetic function in .text. Bodies are filled with a
// per-function byte pattern so displacement by the rewriter is observable.
type genFunc struct {
	name   string
	size   uint64
	global bool
}

type genOpts struct {
	funcs   []genFunc
	withPLT bool // .got.plt, .rela.plt, .dynsym, .dynstr, .dynamic
	withEH  bool // .eh_frame with one CIE/FDE pair plus .eh_frame_hdr
	buildID []byte
}

func testProfile64() *TargetProfile {
	return &TargetProfile{
		Class:    elf.ELFCLASS64,
		Order:    binary.LittleEndian,
		Machine:  elf.EM_X86_64,
		PageSize: 0x1000,
		EhdrSize: 64, PhdrSize: 56, ShdrSize: 64,
		SymSize: 24, RelaSize: 24, DynSize: 16,
	}
}

// genSection mirrors the fields the builder needs to serialize a header.
type genSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	off     uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
	data    []byte
}

// buildTestBinary assembles a small x86-64 executable at fixed offsets. The
// result parses with debug/elf and satisfies every structural expectation of
// the rewriter: congruent PT_LOAD segments, FUNC symbols with sizes, and
// non-allocatable sections grouped at the tail.
func buildTestBinary(t *testing.T, opts genOpts) []byte {
	t.Helper()
	tp := testProfile64()

	var textSize uint64
	for _, f := range opts.funcs {
		textSize += f.size
	}
	require.LessOrEqual(t, textSize, uint64(0x700), "functions overflow the .text region")
	text := make([]byte, textSize)
	var cursor uint64
	for i, f := range opts.funcs {
		for j := uint64(0); j < f.size; j++ {
			text[cursor+j] = byte(0x10 + i)
		}
		cursor += f.size
	}

	entry := uint64(genTextAddr)

	secs := []genSection{
		{}, // SHT_NULL
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			addr: genTextAddr, off: genTextOff, size: textSize, align: 16, data: text},
		{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			addr: genDataAddr + 0x100, off: genDataSecOff, size: 0x40, align: 8,
			data: make([]byte, 0x40)},
		{name: ".bss", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			addr: genDataAddr + 0x300, off: genDynamicOff + 0x100, size: genBssSize, align: 8},
	}
	if opts.buildID != nil {
		note := buildNote(tp.Order, noteNameGNU, noteTypeBuildID, opts.buildID)
		secs = append(secs, genSection{name: ".note.gnu.build-id", typ: elf.SHT_NOTE,
			flags: elf.SHF_ALLOC, addr: genBase + genNoteOff, off: genNoteOff,
			size: uint64(len(note)), align: 4, data: note})
	}

	// .symtab entries: null, then one FUNC per function, locals first.
	strtab := NewStringTableBuilder()
	var locals, globals []SymbolRec
	addr := uint64(genTextAddr)
	for _, f := range opts.funcs {
		bind := elf.STB_LOCAL
		if f.global {
			bind = elf.STB_GLOBAL
		}
		rec := SymbolRec{
			Name:  strtab.Add(f.name),
			Info:  uint8(bind)<<4 | uint8(elf.STT_FUNC),
			Shndx: 1, // .text
			Value: addr,
			Size:  f.size,
		}
		if f.global {
			globals = append(globals, rec)
		} else {
			locals = append(locals, rec)
		}
		addr += f.size
	}
	symData := make([]byte, tp.SymSize) // null symbol
	for _, rec := range append(locals, globals...) {
		b := make([]byte, tp.SymSize)
		tp.PutSymbol(b, &rec)
		symData = append(symData, b...)
	}

	dynstr := NewStringTableBuilder()
	if opts.withPLT {
		// One imported function, one jump slot, and the matching dynamic
		// entries. .got.plt has the three reserved slots plus the one used
		// by the import.
		got := make([]byte, 8*4)
		tp.PutWord(got[24:], genTextAddr) // slot initially resolved to .text
		secs = append(secs, genSection{name: ".got.plt", typ: elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: genDataAddr, off: genGotPLTOff,
			size: uint64(len(got)), align: 8, entsize: 8, data: got})

		dsym := make([]byte, tp.SymSize)
		imp := SymbolRec{
			Name:  dynstr.Add("ext_func"),
			Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
			Shndx: uint16(elf.SHN_UNDEF),
		}
		b := make([]byte, tp.SymSize)
		tp.PutSymbol(b, &imp)
		dsym = append(dsym, b...)

		rela := make([]byte, tp.RelaSize)
		tp.PutRela(rela, &RelaRec{
			Offset: genDataAddr + 24, // the fourth slot
			Type:   uint32(elf.R_X86_64_JMP_SLOT),
			Sym:    1,
		})

		dyn := make([]byte, tp.DynSize*4)
		tp.PutDyn(dyn[0:], &DynRec{Tag: int64(elf.DT_PLTGOT), Val: genDataAddr})
		tp.PutDyn(dyn[16:], &DynRec{Tag: int64(elf.DT_JMPREL), Val: genBase + genRelaPLTOff})
		tp.PutDyn(dyn[32:], &DynRec{Tag: int64(elf.DT_SYMTAB), Val: genBase + genDynsymOff})
		tp.PutDyn(dyn[48:], &DynRec{Tag: int64(elf.DT_NULL)})

		dynsymIdx := uint32(len(secs) + 1)
		secs = append(secs,
			genSection{name: ".rela.plt", typ: elf.SHT_RELA, flags: elf.SHF_ALLOC,
				addr: genBase + genRelaPLTOff, off: genRelaPLTOff, size: uint64(len(rela)),
				link: dynsymIdx, info: uint32(len(secs) - 1), align: 8,
				entsize: tp.RelaSize, data: rela},
			genSection{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC,
				addr: genBase + genDynsymOff, off: genDynsymOff, size: uint64(len(dsym)),
				link: dynsymIdx + 1, info: 1, align: 8, entsize: tp.SymSize, data: dsym},
			genSection{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC,
				addr: genBase + genDynstrOff, off: genDynstrOff,
				size: uint64(dynstr.Len()), align: 1, data: dynstr.Bytes()},
			genSection{name: ".dynamic", typ: elf.SHT_DYNAMIC,
				flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: genDataAddr + 0x200,
				off: genDynamicOff, size: uint64(len(dyn)), link: dynsymIdx,
				align: 8, entsize: tp.DynSize, data: dyn},
		)
	}
	if opts.withEH {
		frame, hdr := buildTestEHFrame(tp, opts.funcs)
		secs = append(secs,
			genSection{name: ".eh_frame", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC,
				addr: genBase + genEHFrameOff, off: genEHFrameOff,
				size: uint64(len(frame)), align: 8, data: frame},
			genSection{name: ".eh_frame_hdr", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC,
				addr: genBase + genEHFrameHdrOff, off: genEHFrameHdrOff,
				size: uint64(len(hdr)), align: 4, data: hdr},
		)
	}

	// Non-allocatable tail: .symtab, .strtab, .shstrtab.
	symIdx := len(secs)
	secs = append(secs,
		genSection{name: ".symtab", typ: elf.SHT_SYMTAB, size: uint64(len(symData)),
			link: uint32(symIdx + 1), info: uint32(1 + len(locals)), align: 8,
			entsize: tp.SymSize, data: symData},
		genSection{name: ".strtab", typ: elf.SHT_STRTAB, size: uint64(strtab.Len()),
			align: 1, data: strtab.Bytes()},
	)
	shstr := NewStringTableBuilder()
	for i := range secs {
		shstr.Add(secs[i].name)
	}
	shstr.Add(".shstrtab")
	secs = append(secs, genSection{name: ".shstrtab", typ: elf.SHT_STRTAB,
		size: uint64(shstr.Len()), align: 1, data: shstr.Bytes()})

	// Place the non-allocatable tail.
	tail := uint64(genNonAllocOff)
	for i := range secs {
		if secs[i].typ == elf.SHT_NULL || secs[i].flags&elf.SHF_ALLOC != 0 ||
			secs[i].typ == elf.SHT_NOBITS || secs[i].off != 0 {
			continue
		}
		tail = alignUp(tail, 8)
		secs[i].off = tail
		tail += secs[i].size
	}
	shoff := alignUp(tail, 8)
	fileSize := shoff + uint64(len(secs))*tp.ShdrSize

	img := make([]byte, fileSize)

	// Program headers.
	rwFileSize := uint64(genDynamicOff+0x100) - genDataOff
	phdrs := []ProgHeader{
		{Type: elf.PT_PHDR, Flags: elf.PF_R, Offset: 0x40, Vaddr: genBase + 0x40,
			Paddr: genBase + 0x40, Align: 8},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Offset: 0, Vaddr: genBase,
			Paddr: genBase, Filesz: genRXEnd, Memsz: genRXEnd, Align: 0x1000},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Offset: genDataOff,
			Vaddr: genDataAddr, Paddr: genDataAddr, Filesz: rwFileSize,
			Memsz: rwFileSize + genBssSize, Align: 0x1000},
	}
	phdrs[0].Filesz = uint64(len(phdrs)) * tp.PhdrSize
	phdrs[0].Memsz = phdrs[0].Filesz
	for i := range phdrs {
		tp.PutProgHeader(img[0x40+uint64(i)*tp.PhdrSize:], &phdrs[i])
	}

	// Section contents and headers.
	for i := range secs {
		if secs[i].data != nil {
			copy(img[secs[i].off:], secs[i].data)
		}
		rec := SectionHeaderRec{
			Name: shstr.Offset(secs[i].name), Type: secs[i].typ,
			Flags: uint64(secs[i].flags), Addr: secs[i].addr, Offset: secs[i].off,
			Size: secs[i].size, Link: secs[i].link, Info: secs[i].info,
			Align: secs[i].align, EntSize: secs[i].entsize,
		}
		if secs[i].typ == elf.SHT_NULL {
			rec = SectionHeaderRec{}
		}
		tp.PutSectionHeader(img[shoff+uint64(i)*tp.ShdrSize:], &rec)
	}

	// ELF header.
	copy(img, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	le := binary.LittleEndian
	le.PutUint16(img[16:], uint16(elf.ET_EXEC))
	le.PutUint16(img[18:], uint16(elf.EM_X86_64))
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[24:], entry)
	le.PutUint64(img[32:], 0x40)
	le.PutUint64(img[40:], shoff)
	le.PutUint16(img[52:], uint16(tp.EhdrSize))
	le.PutUint16(img[54:], uint16(tp.PhdrSize))
	le.PutUint16(img[56:], uint16(len(phdrs)))
	le.PutUint16(img[58:], uint16(tp.ShdrSize))
	le.PutUint16(img[60:], uint16(len(secs)))
	le.PutUint16(img[62:], uint16(len(secs)-1)) // .shstrtab is last

	return img
}

// buildTestEHFrame produces one CIE with a 'zR' augmentation (pcrel sdata4)
// and one FDE per function, plus a matching valid header.
func buildTestEHFrame(tp *TargetProfile, funcs []genFunc) (frame, hdr []byte) {
	le := tp.Order

	// CIE: version 1, "zR", code align 1, data align -8, RA 16, aug len 1,
	// encoding pcrel|sdata4, padded to 8.
	cieBody := []byte{1, 'z', 'R', 0, 1, 0x78, 16, 1, dwEhPePcrel | dwEhPeSdata4, 0, 0, 0}
	cie := make([]byte, 8+len(cieBody))
	le.PutUint32(cie[0:], uint32(4+len(cieBody)))
	le.PutUint32(cie[4:], 0) // CIE id
	copy(cie[8:], cieBody)
	frame = cie

	addr := uint64(genTextAddr)
	for _, f := range funcs {
		fdeOff := uint64(len(frame))
		body := make([]byte, 12) // pc_begin, pc_range, aug len 0, padding
		pcField := genBase + genEHFrameOff + fdeOff + 8
		le.PutUint32(body[0:], uint32(int32(addr-pcField)))
		le.PutUint32(body[4:], uint32(f.size))
		fde := make([]byte, 8+len(body))
		le.PutUint32(fde[0:], uint32(4+len(body)))
		le.PutUint32(fde[4:], uint32(fdeOff+4)) // backwards distance to CIE
		copy(fde[8:], body)
		frame = append(frame, fde...)
		addr += f.size
	}
	frame = append(frame, 0, 0, 0, 0) // terminator

	hdrAddr := uint64(genBase + genEHFrameHdrOff)
	hdr = make([]byte, 12+8*len(funcs)+16)
	hdr[0] = 1
	hdr[1] = dwEhPePcrel | dwEhPeSdata4
	hdr[2] = dwEhPeUdata4
	hdr[3] = dwEhPeDatarel | dwEhPeSdata4
	le.PutUint32(hdr[4:], uint32(int32(genBase+genEHFrameOff-(hdrAddr+4))))
	le.PutUint32(hdr[8:], uint32(len(funcs)))
	addr = genTextAddr
	off := 12
	for i := range funcs {
		le.PutUint32(hdr[off:], uint32(int32(addr-hdrAddr)))
		le.PutUint32(hdr[off+4:], 0) // not asserted against
		addr += funcs[i].size
		off += 8
	}
	return frame, hdr
}

// newTestContext parses a synthetic image the way the CLI entry point does.
func newTestContext(t *testing.T, img []byte) *BinaryContext {
	t.Helper()
	bc, err := NewBinaryContext(testLogger(t), img)
	require.NoError(t, err)
	bc.readSpecialSections()
	require.NoError(t, bc.discoverFileObjects())
	return bc
}

func newTestInstance(t *testing.T, img []byte, cfg Config) *RewriteInstance {
	t.Helper()
	return &RewriteInstance{logger: testLogger(t), cfg: cfg, bc: newTestContext(t, img)}
}
