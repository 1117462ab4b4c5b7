// rewrite.go - Top-level rewrite run: phase sequencing and reporting
package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
)

// Config holds one run's settings, resolved by the CLI before the instance
// is created.
type Config struct {
	InputPath  string
	OutputPath string

	// Argv recorded in the vendor info note.
	CommandLine string

	// Parallel emission width; <= 0 selects a default.
	Workers int

	// Move .got.plt into the new writable segment and re-point .rela.plt
	// at the relocated slots.
	RelocateDynamicTables bool
}

// RewriteStats are counters shared across emission goroutines plus tallies
// filled in by the summary pass.
type RewriteStats struct {
	DataRelocations    atomic.Uint64
	GOTRelocations     atomic.Uint64
	IgnoredRelocations atomic.Uint64

	EmittedFunctions   uint64
	SplitFunctions     uint64
	PreservedFunctions uint64
}

// sectionsToOverwrite are regenerated wholesale on every run; their input
// contents are never preserved and relocations into them are droppable.
var sectionsToOverwrite = []string{
	".shstrtab",
	".symtab",
	".strtab",
	".debug_aranges",
	".debug_line",
	".debug_loc",
	".debug_ranges",
	".gdb_index",
}

// RewriteInstance drives one input binary through the full pipeline:
// discovery, layout, emission with convergence, structural patching, and
// output. Instances are single-use.
type RewriteInstance struct {
	logger log.Logger
	fs     afero.Fs
	cfg    Config

	bc    *BinaryContext
	stats RewriteStats

	// Recoverable failures accumulated across phases for the summary.
	failures []error

	// Final section name table, built by the patcher.
	shstrtab *StringTableBuilder
}

// NewRewriteInstance reads and parses the input binary and builds the
// function map. Structural problems in the input surface here, before any
// rewrite work starts.
func NewRewriteInstance(logger log.Logger, fs afero.Fs, cfg Config) (*RewriteInstance, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	image, err := afero.ReadFile(fs, cfg.InputPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", cfg.InputPath)
	}
	bc, err := NewBinaryContext(logger, image)
	if err != nil {
		return nil, err
	}
	bc.readSpecialSections()
	if err := bc.discoverFileObjects(); err != nil {
		return nil, err
	}
	return &RewriteInstance{logger: logger, fs: fs, cfg: cfg, bc: bc}, nil
}

// willOverwriteSection reports whether the named section is regenerated
// wholesale rather than carried over.
func (r *RewriteInstance) willOverwriteSection(name string) bool {
	for _, s := range sectionsToOverwrite {
		if s == name {
			return true
		}
	}
	return false
}

// Run executes the whole rewrite. On a nil return the output binary exists
// at cfg.OutputPath; on error no output file was produced.
func (r *RewriteInstance) Run() error {
	if err := r.readAllocatableRelocations(); err != nil {
		return err
	}
	plan, err := r.discoverStorage()
	if err != nil {
		return err
	}

	engine := NewEmissionEngine(r.logger, r.bc, nil, nil, r.cfg.Workers)
	engine.PreFinalize = func(mm *SectionMemoryManager) error {
		if err := r.relocateDynamicTables(mm); err != nil {
			return err
		}
		return r.rewriteNoteSections(mm)
	}
	final, mm, err := engine.Run(plan)
	if err != nil {
		return err
	}
	defer mm.Close()
	r.failures = append(r.failures, engine.Failures()...)

	outPlan, err := r.patchELF(final, mm)
	if err != nil {
		return err
	}
	if err := r.writeEHFrameHeader(); err != nil {
		if IsFatal(err) {
			return err
		}
		r.failures = append(r.failures, err)
	}

	writes, err := r.collectWrites(final, mm, outPlan)
	if err != nil {
		return err
	}
	writer := NewOutputWriter(r.fs, r.logger)
	if err := writer.Write(r.cfg.OutputPath, r.bc.Image, writes, outPlan.FileEnd); err != nil {
		return err
	}
	r.logSummary(final)
	return nil
}

// relocateDynamicTables moves .got.plt into the new writable region when
// requested. The copy keeps the original contents; slot patching happens
// later against the section's output data.
func (r *RewriteInstance) relocateDynamicTables(mm *SectionMemoryManager) error {
	if !r.cfg.RelocateDynamicTables {
		return nil
	}
	got := r.bc.GOTPLTSection
	if got == nil || got.Data == nil {
		return nil
	}
	align := got.Align
	if align == 0 {
		align = r.bc.Target().WordSize()
	}
	buf, addr, err := mm.AllocateDataSection(got.Size, align, got.Name, false)
	if err != nil {
		return err
	}
	copy(buf, got.Data)
	got.OutputAddr = addr
	level.Info(r.logger).Log("msg", "relocated dynamic table",
		"section", got.Name, "old", hexU(got.Addr), "new", hexU(addr))
	return nil
}

// GetNewFunctionAddress translates an address inside a rewritten function to
// its output location. Returns false for addresses in preserved functions or
// outside any function.
func (r *RewriteInstance) GetNewFunctionAddress(addr uint64) (uint64, bool) {
	fn := r.bc.GetBinaryFunctionContainingAddress(addr, false, false)
	if fn == nil {
		return 0, false
	}
	return fn.translate(addr)
}

// collectWrites gathers every pending output region. Order matters only for
// readability of failures; overlap checking treats the list as a set.
func (r *RewriteInstance) collectWrites(final *FinalLayout, mm *SectionMemoryManager, plan *OutputPlan) ([]FileWrite, error) {
	var writes []FileWrite

	// Patched ELF header over the original one.
	t := r.bc.Target()
	ehdr := make([]byte, t.EhdrSize)
	copy(ehdr, r.bc.Image[:t.EhdrSize])
	t.PatchELFHeader(ehdr, plan.Entry, plan.Phoff, plan.Shoff, plan.Phnum, plan.Shnum, plan.Shstrndx)
	writes = append(writes, FileWrite{Name: "ehdr", Offset: 0, Data: ehdr})
	writes = append(writes, FileWrite{Name: "phdr", Offset: plan.Phoff, Data: plan.PhdrBytes})

	// New segment contents from the memory manager.
	for _, w := range mm.WriteList() {
		writes = append(writes, FileWrite{Name: w.Name, Offset: w.Offset, Data: w.Data})
	}

	// Functions rewritten in place over their original bytes. Split
	// functions keep their hot part in the original footprint, so it is
	// spliced here too; only the cold part travels in the write list.
	for _, fn := range r.bc.SortedFunctions() {
		switch fn.Terminal() {
		case EmittedFitting, EmittedSplit:
		default:
			continue
		}
		if fn.OutputAddress != fn.Address || fn.OutputBody == nil {
			continue
		}
		off := final.getFileOffsetForAddress(r.bc, fn.Address)
		if off == 0 {
			return nil, fatalError(CategoryOutput, "", fn.Address,
				errors.Errorf("no file offset for in-place function %s", fn.Name))
		}
		writes = append(writes, FileWrite{Name: fn.Name, Offset: off, Data: fn.OutputBody})
	}

	// Patched and regenerated sections. Sections relocated through the
	// memory manager already travel in its write list.
	var hdrWrite *FileWrite
	for _, sec := range plan.Sections {
		if sec.OutputData == nil || sec.OutputAddr != 0 {
			continue
		}
		w := FileWrite{Name: sec.Name, Offset: sec.FinalOffset(), Data: sec.OutputData}
		if sec == r.bc.EHFrameHdr {
			hdrWrite = &w
			continue
		}
		writes = append(writes, w)
	}
	writes = append(writes, FileWrite{Name: "shdr", Offset: plan.Shoff, Data: plan.ShdrBytes})
	// .eh_frame_hdr lands last; its contents depend on every other write
	// being final.
	if hdrWrite != nil {
		writes = append(writes, *hdrWrite)
	}
	return writes, nil
}

// logSummary tallies terminal states and reports the run outcome. The
// failure set is logged at debug level, aggregated, so a noisy binary does
// not flood the default output.
func (r *RewriteInstance) logSummary(final *FinalLayout) {
	for _, fn := range r.bc.SortedFunctions() {
		switch fn.Terminal() {
		case EmittedFitting:
			r.stats.EmittedFunctions++
		case EmittedSplit:
			r.stats.SplitFunctions++
		case PreservedVerbatim:
			r.stats.PreservedFunctions++
		}
	}
	level.Info(r.logger).Log("msg", "rewrite complete",
		"functions", len(r.bc.Functions),
		"emitted", r.stats.EmittedFunctions,
		"split", r.stats.SplitFunctions,
		"preserved", r.stats.PreservedFunctions,
		"total_score", r.bc.TotalScore,
		"data_relocs", r.stats.DataRelocations.Load(),
		"got_relocs", r.stats.GOTRelocations.Load(),
		"ignored_relocs", r.stats.IgnoredRelocations.Load(),
		"new_segment", humanize.Bytes(final.NewTextSegmentSize),
		"build_id", r.bc.PrintableBuildID())
	if len(r.failures) > 0 {
		var agg error
		for _, f := range r.failures {
			agg = multierror.Append(agg, f)
		}
		level.Debug(r.logger).Log("msg", "recoverable failures",
			"count", len(r.failures), "err", agg)
	}
}

// hexU formats an address the way the rest of the logs expect it.
func hexU(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
