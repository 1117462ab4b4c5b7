// relocations_test.go
package main

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRelocationsJumpSlot(t *testing.T) {
	img := buildTestBinary(t, genOpts{
		funcs:   []genFunc{{name: "alpha", size: 64}},
		withPLT: true,
	})
	bc := newTestContext(t, img)
	rr := NewRelocationReader(bc)

	var got []Relocation
	err := rr.ReadRelocations(bc.RelaPLTSection, func(rel Relocation, analyzeErr error) error {
		require.NoError(t, analyzeErr)
		got = append(got, rel)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	rel := got[0]
	assert.Equal(t, uint64(genDataAddr+24), rel.Offset)
	assert.True(t, rel.IsJumpSlot(bc.Target()))
	assert.Equal(t, "ext_func", rel.SymbolName)
	assert.False(t, rel.IsSectionRelocation)
	// The patched location holds the resolved .text address; the analyzer
	// extracts it.
	assert.Equal(t, uint64(genTextAddr), rel.ExtractedValue)
	assert.Same(t, bc.GOTPLTSection, rel.Target)
}

func TestAnalyzeRelocationNoSymbol(t *testing.T) {
	img := buildTestBinary(t, genOpts{
		funcs:   []genFunc{{name: "alpha", size: 64}},
		withPLT: true,
	})
	bc := newTestContext(t, img)
	rr := NewRelocationReader(bc)

	rel, err := rr.AnalyzeRelocation(RelaRec{
		Offset: genDataAddr + 8,
		Type:   uint32(elf.R_X86_64_RELATIVE),
		Addend: 0x401234,
	}, bc.GOTPLTSection, true)
	require.NoError(t, err)
	assert.True(t, rel.IsSectionRelocation)
	assert.Equal(t, uint64(0x401234), rel.SymbolAddress)
}

func TestAnalyzeRelocationUnrecognizedType(t *testing.T) {
	img := buildTestBinary(t, genOpts{
		funcs:   []genFunc{{name: "alpha", size: 64}},
		withPLT: true,
	})
	bc := newTestContext(t, img)
	rr := NewRelocationReader(bc)

	_, err := rr.AnalyzeRelocation(RelaRec{
		Offset: genDataAddr + 8,
		Type:   0x7f00,
	}, bc.GOTPLTSection, true)
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestAnalyzeRelocationSymbolOutOfRange(t *testing.T) {
	img := buildTestBinary(t, genOpts{
		funcs:   []genFunc{{name: "alpha", size: 64}},
		withPLT: true,
	})
	bc := newTestContext(t, img)
	rr := NewRelocationReader(bc)

	_, err := rr.AnalyzeRelocation(RelaRec{
		Offset: genDataAddr + 8,
		Type:   uint32(elf.R_X86_64_JMP_SLOT),
		Sym:    99,
	}, bc.GOTPLTSection, true)
	require.Error(t, err)
}

func TestReadAllocatableRelocations(t *testing.T) {
	img := buildTestBinary(t, genOpts{
		funcs:   []genFunc{{name: "alpha", size: 64}},
		withPLT: true,
	})
	r := newTestInstance(t, img, Config{})

	require.NoError(t, r.readAllocatableRelocations())
	assert.Equal(t, uint64(1), r.stats.DataRelocations.Load())
	assert.Zero(t, r.stats.IgnoredRelocations.Load())
}

func TestReadRelocationsRejectsOddSize(t *testing.T) {
	img := buildTestBinary(t, genOpts{
		funcs:   []genFunc{{name: "alpha", size: 64}},
		withPLT: true,
	})
	bc := newTestContext(t, img)
	rr := NewRelocationReader(bc)

	sec := &BinarySection{Name: ".rela.bogus", Type: elf.SHT_RELA, Data: make([]byte, 23)}
	err := rr.ReadRelocations(sec, func(Relocation, error) error { return nil })
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestAnalyzeRelocationAddressing(t *testing.T) {
	img := buildTestBinary(t, genOpts{funcs: []genFunc{{name: "alpha", size: 64}}})
	bc := newTestContext(t, img)
	rr := NewRelocationReader(bc)
	tp := bc.Target()

	target := &BinarySection{Name: ".text", Addr: 0x500000, Data: make([]byte, 16)}
	tp.Order.PutUint32(target.Data[4:], 0x40)
	raw := RelaRec{Offset: 0x500004, Type: uint32(elf.R_X86_64_PC32), Addend: -4}
	rel, err := rr.AnalyzeRelocation(raw, target, false)
	require.NoError(t, err)
	assert.True(t, rel.PCRelative)
	assert.False(t, rel.GOTRelative)
	// The stored displacement is recovered into an absolute target.
	assert.Equal(t, uint64(0x500044), rel.ExtractedValue)

	// Negative displacements sign-extend.
	tp.Order.PutUint32(target.Data[4:], uint32(0xfffffff0))
	rel, err = rr.AnalyzeRelocation(raw, target, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4ffff4), rel.ExtractedValue)

	// GOT-relative forms classify both ways.
	raw.Type = uint32(elf.R_X86_64_GOTPCREL)
	rel, err = rr.AnalyzeRelocation(raw, target, false)
	require.NoError(t, err)
	assert.True(t, rel.GOTRelative)
	assert.True(t, rel.PCRelative)

	// Jump slots hold absolute addresses.
	raw.Type = uint32(elf.R_X86_64_JMP_SLOT)
	tp.Order.PutUint64(target.Data[4:], uint64(genTextAddr))
	rel, err = rr.AnalyzeRelocation(raw, target, false)
	require.NoError(t, err)
	assert.False(t, rel.GOTRelative)
	assert.False(t, rel.PCRelative)
	assert.Equal(t, uint64(genTextAddr), rel.ExtractedValue)
}
