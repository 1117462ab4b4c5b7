// layout.go - Address-space layout planning for the new code segment
package main

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// LayoutPlan is the single source of truth for address translation in the
// output binary. The planner is the only writer; every later phase reads it
// and never recomputes any of its fields independently.
type LayoutPlan struct {
	// Lowest file offset at which non-allocatable (debug/symbol) sections
	// start. Those are always rewritten wholesale, so everything in the file
	// from this offset on is fair game for regeneration.
	FirstNonAllocatableOffset uint64

	// Placement of the relocated program header table.
	PHDRTableAddress uint64
	PHDRTableOffset  uint64
	Phnum            int

	// The new loadable text segment. Size is zero until emission converges;
	// see FinalLayout.
	NewTextSegmentAddress uint64
	NewTextSegmentOffset  uint64

	// Initial watermark handed to the section memory manager.
	NextAvailableAddress uint64

	// Target page size, for alignment decisions downstream.
	PageSize uint64

	EntryPoint uint64
}

// FinalLayout extends the plan with the values known only after emission has
// converged. Built once by the engine, consumed read-only by the patcher and
// the writer.
type FinalLayout struct {
	LayoutPlan

	NewTextSegmentSize uint64

	// Number of local symbols in the rewritten symbol table, filled in by
	// the symbol table patcher while it runs (it is the sole writer).
	NumLocalSymbols uint64
}

// discoverStorage scans the program header table for the end of the last
// allocated segment and commits the placement of the new text segment and of
// the relocated program header table. Failure to find a viable placement is
// fatal: there is no way to add code to the binary.
func (r *RewriteInstance) discoverStorage() (LayoutPlan, error) {
	var plan LayoutPlan
	bc := r.bc
	t := bc.Target()

	var maxVaddrEnd, maxOffsetEnd uint64
	seenLoad := false
	for _, p := range bc.File.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		seenLoad = true
		if end := p.Vaddr + p.Memsz; end > maxVaddrEnd {
			maxVaddrEnd = end
		}
		if end := p.Off + p.Filesz; end > maxOffsetEnd {
			maxOffsetEnd = end
		}
	}
	if !seenLoad {
		return plan, fatalError(CategoryLayout, "", 0,
			errors.New("no loadable segments in input"))
	}

	// The new segment starts at the next page boundary past everything the
	// loader already maps, and its file offset must be congruent with the
	// virtual address modulo the page size.
	fileEnd := uint64(len(bc.Image))
	if maxOffsetEnd > fileEnd {
		return plan, fatalError(CategoryLayout, "", 0,
			errors.Errorf("program headers describe %#x file bytes but file has %#x", maxOffsetEnd, fileEnd))
	}
	addr := alignUp(maxVaddrEnd, t.PageSize)
	offset := alignUp(fileEnd, t.PageSize)
	if offset%t.PageSize != addr%t.PageSize {
		offset += (addr - offset%t.PageSize) % t.PageSize
	}
	if addr < maxVaddrEnd || addr+t.PageSize < addr {
		return plan, fatalError(CategoryLayout, "", addr,
			errors.New("address space exhausted: no viable placement for new text segment"))
	}
	// Overlap check against every existing PT_LOAD; the chosen address is
	// past maxVaddrEnd so this only fires on malformed inputs with
	// wrapping segments.
	for _, p := range bc.File.Progs {
		if p.Type == elf.PT_LOAD && addr < p.Vaddr+p.Memsz && p.Vaddr < addr+t.PageSize {
			return plan, fatalError(CategoryLayout, "", addr,
				errors.Errorf("new segment at %#x would overlap segment at %#x", addr, p.Vaddr))
		}
	}

	plan.NewTextSegmentAddress = addr
	plan.NewTextSegmentOffset = offset
	plan.PageSize = t.PageSize

	// The program header table moves into the new segment: the original
	// location cannot grow, and the table gains at least one entry. Reserve
	// room for the original entries plus the new PT_LOAD and slack for
	// segments added by later phases.
	plan.Phnum = len(bc.File.Progs) + 1
	plan.PHDRTableAddress = addr
	plan.PHDRTableOffset = offset
	phdrReserve := alignUp(uint64(plan.Phnum+2)*t.PhdrSize, 64)
	plan.NextAvailableAddress = addr + phdrReserve
	plan.EntryPoint = bc.EntryPoint

	// Non-allocatable sections are rewritten wholesale; record where they
	// begin so the writer knows which tail of the file is disposable.
	first := fileEnd
	for _, s := range bc.Sections {
		if s.Type == elf.SHT_NULL || s.IsAlloc() || s.Type == elf.SHT_NOBITS {
			continue
		}
		if s.Offset < first {
			first = s.Offset
		}
	}
	plan.FirstNonAllocatableOffset = first

	level.Debug(r.logger).Log(
		"msg", "storage discovered",
		"new_text_addr", hexU(plan.NewTextSegmentAddress),
		"new_text_offset", hexU(plan.NewTextSegmentOffset),
		"phdr_addr", hexU(plan.PHDRTableAddress),
		"first_non_alloc", hexU(plan.FirstNonAllocatableOffset),
	)
	return plan, nil
}

// getFileOffsetForAddress translates a virtual address in the output binary
// to its file offset. Addresses without file backing (inside .bss or
// otherwise unmapped) return 0.
func (l *FinalLayout) getFileOffsetForAddress(bc *BinaryContext, addr uint64) uint64 {
	if addr >= l.NewTextSegmentAddress && addr < l.NewTextSegmentAddress+l.NewTextSegmentSize {
		return addr - l.NewTextSegmentAddress + l.NewTextSegmentOffset
	}
	for _, s := range bc.Sections {
		if s.Type == elf.SHT_NOBITS {
			continue
		}
		if s.ContainsAddr(addr) {
			return addr - s.Addr + s.Offset
		}
	}
	return 0
}
