// layout_test.go
package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverStorage(t *testing.T) {
	img := buildTestBinary(t, genOpts{funcs: []genFunc{
		{name: "alpha", size: 64},
		{name: "beta", size: 96, global: true},
	}})
	r := newTestInstance(t, img, Config{})

	plan, err := r.discoverStorage()
	require.NoError(t, err)

	// The new segment starts on a page boundary past every mapped byte.
	assert.Zero(t, plan.NewTextSegmentAddress%plan.PageSize)
	assert.GreaterOrEqual(t, plan.NewTextSegmentAddress, uint64(genDataAddr))
	assert.GreaterOrEqual(t, plan.NewTextSegmentOffset, uint64(len(img)))

	// Offset congruent with the address modulo the page size.
	assert.Equal(t, plan.NewTextSegmentAddress%plan.PageSize,
		plan.NewTextSegmentOffset%plan.PageSize)

	// The program header table is reserved at the segment start and the
	// watermark begins past the reservation.
	assert.Equal(t, plan.NewTextSegmentAddress, plan.PHDRTableAddress)
	assert.Greater(t, plan.NextAvailableAddress, plan.PHDRTableAddress)

	// .symtab is the lowest non-allocatable section in the synthetic image.
	sym := r.bc.SectionByName(".symtab")
	require.NotNil(t, sym)
	assert.Equal(t, sym.Offset, plan.FirstNonAllocatableOffset)

	assert.Equal(t, uint64(genTextAddr), plan.EntryPoint)
}

func TestGetFileOffsetForAddress(t *testing.T) {
	img := buildTestBinary(t, genOpts{funcs: []genFunc{{name: "alpha", size: 64}}})
	r := newTestInstance(t, img, Config{})
	plan, err := r.discoverStorage()
	require.NoError(t, err)
	final := &FinalLayout{LayoutPlan: plan}
	final.NewTextSegmentSize = 0x200

	// Mapped address inside .text.
	assert.Equal(t, uint64(genTextOff+8), final.getFileOffsetForAddress(r.bc, genTextAddr+8))

	// Inside the new segment.
	assert.Equal(t, plan.NewTextSegmentOffset+0x10,
		final.getFileOffsetForAddress(r.bc, plan.NewTextSegmentAddress+0x10))

	// .bss has no file backing; the sentinel is 0, not an error.
	bss := r.bc.SectionByName(".bss")
	require.NotNil(t, bss)
	assert.Zero(t, final.getFileOffsetForAddress(r.bc, bss.Addr+4))

	// Unmapped address.
	assert.Zero(t, final.getFileOffsetForAddress(r.bc, 0xdeadbeef000))
}

func TestDiscoverStorageNoLoadSegments(t *testing.T) {
	img := buildTestBinary(t, genOpts{funcs: []genFunc{{name: "alpha", size: 16}}})
	r := newTestInstance(t, img, Config{})
	// Drop the parsed program headers to simulate a malformed input.
	r.bc.File.Progs = nil
	_, err := r.discoverStorage()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}
