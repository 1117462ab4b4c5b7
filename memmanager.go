// memmanager.go - Section memory manager servicing the emission linking step
package main

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SegmentInfo describes one allocation's memory and file footprint.
// Immutable once computed for a given layout attempt.
type SegmentInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	FileSize   uint64
}

// sectionKind tells finalizeMemory which protection an allocation needs.
type sectionKind int

const (
	kindCode sectionKind = iota
	kindROData
	kindRWData
	kindNote
)

// allocation is one serviced request: a writable buffer plus its assigned
// address. Code and read-only data buffers are mmap-backed so the final
// protection change is real and its failure observable.
type allocation struct {
	name    string
	kind    sectionKind
	addr    uint64
	buf     []byte
	mmapped bool
}

// SectionMemoryManager hands out addresses and buffers for sections emitted
// during a pass. All allocation goes through one lock: the watermark and the
// segment map have a single writer even when per-function emission runs in
// parallel. A fresh manager is built for every emission attempt.
type SectionMemoryManager struct {
	logger log.Logger
	plan   LayoutPlan

	mu        sync.Mutex
	watermark uint64 // next available address in the new text segment
	dataBase  uint64 // start of the writable-data address region
	dataMark  uint64 // next available address for writable data

	allocations []*allocation

	// SegmentMap records every allocation keyed by start address. Populated
	// incrementally, consulted read-only once the pass completes.
	SegmentMap map[uint64]SegmentInfo

	allowStubs bool
	finalized  bool
}

// NewSectionMemoryManager builds a manager for one emission attempt.
// allowStubs controls whether indirection stubs may be synthesized; it is
// disabled when the caller wants a byte-exact fit check.
func NewSectionMemoryManager(logger log.Logger, plan LayoutPlan, allowStubs bool) *SectionMemoryManager {
	// Writable data is assigned addresses from a separate region well past
	// anything code allocation can reach, so the two never collide; its file
	// offsets are assigned at finalize time, once the code size is known.
	page := plan.PageSize
	if page == 0 {
		page = 0x1000
	}
	dataBase := alignUp(plan.NextAvailableAddress, page) + 0x1000000
	return &SectionMemoryManager{
		logger:     logger,
		plan:       plan,
		watermark:  plan.NextAvailableAddress,
		dataBase:   dataBase,
		dataMark:   dataBase,
		SegmentMap: make(map[uint64]SegmentInfo),
		allowStubs: allowStubs,
	}
}

// AllowStubAllocation reports whether stub synthesis is permitted this pass.
func (m *SectionMemoryManager) AllowStubAllocation() bool { return m.allowStubs }

// NextAvailableAddress returns the current watermark.
func (m *SectionMemoryManager) NextAvailableAddress() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// AllocateCodeSection returns a writable buffer for emitted code placed in
// the new text segment.
func (m *SectionMemoryManager) AllocateCodeSection(size, align uint64, name string) ([]byte, uint64, error) {
	return m.allocate(size, align, name, kindCode)
}

// AllocateDataSection returns a writable buffer for emitted data. Read-only
// data shares the new text segment; writable data is placed separately so it
// never lands in an executable mapping.
func (m *SectionMemoryManager) AllocateDataSection(size, align uint64, name string, readOnly bool) ([]byte, uint64, error) {
	kind := kindRWData
	if readOnly {
		kind = kindROData
	}
	return m.allocate(size, align, name, kind)
}

// AllocateStub returns a buffer for an indirection stub (calls exceeding
// direct-branch range). Fails when stub allocation is disabled for the pass.
func (m *SectionMemoryManager) AllocateStub(size, align uint64, name string) ([]byte, uint64, error) {
	if !m.allowStubs {
		return nil, 0, errors.Errorf("stub allocation disabled in this pass (%s)", name)
	}
	return m.allocate(size, align, name, kindCode)
}

// RecordNoteSection registers note contents that occupy file space but no
// address space.
func (m *SectionMemoryManager) RecordNoteSection(data []byte, align uint64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.allocations = append(m.allocations, &allocation{
		name: name,
		kind: kindNote,
		buf:  buf,
	})
}

func (m *SectionMemoryManager) allocate(size, align uint64, name string, kind sectionKind) ([]byte, uint64, error) {
	if size == 0 {
		return nil, 0, errors.Errorf("zero-size allocation for %s", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, 0, errors.Errorf("allocation for %s after finalizeMemory", name)
	}
	if align == 0 {
		align = 16
	}

	var addr uint64
	switch kind {
	case kindRWData:
		m.dataMark = alignUp(m.dataMark, align)
		addr = m.dataMark
		m.dataMark += size
	default:
		m.watermark = alignUp(m.watermark, align)
		addr = m.watermark
		m.watermark += size
	}

	a := &allocation{name: name, kind: kind, addr: addr}
	if kind == kindCode || kind == kindROData {
		buf, err := unix.Mmap(-1, 0, int(alignUp(size, 0x1000)),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "mmap %d bytes for %s", size, name)
		}
		a.buf = buf[:size]
		a.mmapped = true
	} else {
		a.buf = make([]byte, size)
	}
	m.allocations = append(m.allocations, a)

	info := SegmentInfo{Address: addr, Size: size, FileSize: size}
	if kind != kindRWData {
		info.FileOffset = addr - m.plan.NewTextSegmentAddress + m.plan.NewTextSegmentOffset
	}
	m.SegmentMap[addr] = info
	level.Debug(m.logger).Log("msg", "allocated section", "name", name,
		"addr", hexU(addr), "size", size, "kind", int(kind))
	return a.buf, addr, nil
}

// FinalizeMemory applies the final page protections to every allocation and
// assigns file offsets to the writable-data region, which follows the code
// region in the file. Called once when allocation for a pass is complete;
// failure aborts the pass with a diagnostic message.
func (m *SectionMemoryManager) FinalizeMemory() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return errors.New("finalizeMemory called twice")
	}
	for _, a := range m.allocations {
		if !a.mmapped {
			continue
		}
		full := a.buf[:cap(a.buf):cap(a.buf)]
		page := full[:alignUp(uint64(len(a.buf)), 0x1000)]
		prot := unix.PROT_READ
		if a.kind == kindCode {
			prot |= unix.PROT_EXEC
		}
		if err := unix.Mprotect(page, prot); err != nil {
			return errors.Wrapf(err, "finalizing memory for %s at %#x", a.name, a.addr)
		}
	}
	if m.dataMark > m.dataBase {
		textFileEnd := m.watermark - m.plan.NewTextSegmentAddress + m.plan.NewTextSegmentOffset
		dataFileBase := alignUp(textFileEnd, m.pageSize())
		for addr, info := range m.SegmentMap {
			if addr >= m.dataBase {
				info.FileOffset = dataFileBase + (addr - m.dataBase)
				m.SegmentMap[addr] = info
			}
		}
	}
	m.finalized = true
	return nil
}

// DataRegion describes the writable-data region, when any was allocated.
func (m *SectionMemoryManager) DataRegion() (SegmentInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dataMark == m.dataBase {
		return SegmentInfo{}, false
	}
	textFileEnd := m.watermark - m.plan.NewTextSegmentAddress + m.plan.NewTextSegmentOffset
	return SegmentInfo{
		Address:    m.dataBase,
		Size:       m.dataMark - m.dataBase,
		FileOffset: alignUp(textFileEnd, m.pageSize()),
		FileSize:   m.dataMark - m.dataBase,
	}, true
}

// SegmentWrite pairs an allocation's final bytes with its file offset.
type SegmentWrite struct {
	Name   string
	Offset uint64
	Data   []byte
}

// WriteList returns every address-space allocation as an ordered file write.
// Only valid after FinalizeMemory.
func (m *SectionMemoryManager) WriteList() []SegmentWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SegmentWrite
	for _, a := range m.allocations {
		if a.kind == kindNote || a.buf == nil {
			continue
		}
		info := m.SegmentMap[a.addr]
		out = append(out, SegmentWrite{Name: a.name, Offset: info.FileOffset, Data: a.buf})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Notes returns the recorded note sections in registration order.
func (m *SectionMemoryManager) Notes() []SegmentWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SegmentWrite
	for _, a := range m.allocations {
		if a.kind == kindNote {
			out = append(out, SegmentWrite{Name: a.name, Data: a.buf})
		}
	}
	return out
}

// Close releases every mmap-backed allocation. Safe to call more than once.
func (m *SectionMemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, a := range m.allocations {
		if !a.mmapped || a.buf == nil {
			continue
		}
		full := a.buf[:cap(a.buf):cap(a.buf)]
		if err := unix.Munmap(full); err != nil && firstErr == nil {
			firstErr = err
		}
		a.buf = nil
	}
	return firstErr
}

// Segments returns the segment map entries ordered by start address.
func (m *SectionMemoryManager) Segments() []SegmentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SegmentInfo, 0, len(m.SegmentMap))
	for _, s := range m.SegmentMap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// allocationByAddr returns the buffer serviced at addr, or nil.
func (m *SectionMemoryManager) allocationByAddr(addr uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.allocations {
		if a.addr == addr {
			return a.buf
		}
	}
	return nil
}

// pageSize returns the plan's page size with a 4 KiB fallback.
func (m *SectionMemoryManager) pageSize() uint64 {
	if m.plan.PageSize == 0 {
		return 0x1000
	}
	return m.plan.PageSize
}
