// notes.go - Note sections, build-id handling, debug section framing
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

const (
	noteTypeBuildID = 3 // NT_GNU_BUILD_ID
	noteNameGNU     = "GNU"

	// Vendor note added to every rewritten binary so tooling can tell the
	// output apart from the input.
	infoNoteName    = "postlink"
	infoSectionName = ".note.postlink"
)

// parseBuildID extracts the build-id bytes from .note.gnu.build-id.
// Absence or a malformed note is not an error; BuildID stays nil.
func (bc *BinaryContext) parseBuildID() {
	sec := bc.BuildIDSection
	if sec == nil || sec.Data == nil {
		return
	}
	name, typ, desc, err := parseNote(bc.target.Order, sec.Data)
	if err != nil || name != noteNameGNU || typ != noteTypeBuildID {
		return
	}
	bc.BuildID = desc
	level.Debug(bc.logger).Log("msg", "parsed build-id", "id", hex.EncodeToString(desc))
}

// PrintableBuildID returns the build-id in hexadecimal, or "" when the
// input carries none.
func (bc *BinaryContext) PrintableBuildID() string {
	return hex.EncodeToString(bc.BuildID)
}

// parseNote decodes the first entry of an ELF note section.
func parseNote(order binary.ByteOrder, data []byte) (name string, typ uint32, desc []byte, err error) {
	if len(data) < 12 {
		return "", 0, nil, errors.New("note too short")
	}
	namesz := order.Uint32(data[0:])
	descsz := order.Uint32(data[4:])
	typ = order.Uint32(data[8:])
	nameEnd := 12 + int(namesz)
	descStart := 12 + int(alignUp(uint64(namesz), 4))
	descEnd := descStart + int(descsz)
	if nameEnd > len(data) || descEnd > len(data) {
		return "", 0, nil, errors.New("note sizes exceed section")
	}
	name = string(bytes.TrimRight(data[12:nameEnd], "\x00"))
	desc = data[descStart:descEnd]
	return name, typ, desc, nil
}

// buildNote serializes one ELF note entry.
func buildNote(order binary.ByteOrder, name string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	hdr := make([]byte, 12)
	order.PutUint32(hdr[0:], uint32(len(name)+1))
	order.PutUint32(hdr[4:], uint32(len(desc)))
	order.PutUint32(hdr[8:], typ)
	buf.Write(hdr)
	buf.WriteString(name)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// patchBuildID replaces the input's build-id with one derived from the
// original id and the new text segment bytes, so debuggers and symbol
// servers never confuse the rewritten binary with the original. A binary
// without a build-id is left alone.
func (r *RewriteInstance) patchBuildID(newText []byte) {
	sec := r.bc.BuildIDSection
	if sec == nil || r.bc.BuildID == nil {
		return
	}
	h := xxhash.New()
	h.Write(r.bc.BuildID)
	h.Write(newText)
	derived := make([]byte, len(r.bc.BuildID))
	sum := h.Sum(nil)
	for i := range derived {
		derived[i] = sum[i%len(sum)]
	}
	note := buildNote(r.bc.Target().Order, noteNameGNU, noteTypeBuildID, derived)
	if uint64(len(note)) == sec.Size {
		sec.OutputData = note
		sec.Overwrite = true
		level.Debug(r.logger).Log("msg", "patched build-id",
			"old", hex.EncodeToString(r.bc.BuildID), "new", hex.EncodeToString(derived))
	}
}

// infoNote builds the vendor note recording the tool version and the
// command line used for the rewrite.
func (r *RewriteInstance) infoNote() []byte {
	desc := fmt.Sprintf("%s args: %s", versionString, r.cfg.CommandLine)
	return buildNote(r.bc.Target().Order, infoNoteName, 1, []byte(desc))
}

// zlibHeader is the framing used by ld for compressed .zdebug_* sections.
var zlibHeader = []byte("ZLIB")

// decompressDebugSection returns the section's uncompressed contents.
// Handles both the legacy "ZLIB" framing and uncompressed sections (returned
// as-is). SHF_COMPRESSED framing carries a Chdr before the deflate stream.
func decompressDebugSection(t *TargetProfile, sec *BinarySection) ([]byte, error) {
	data := sec.Data
	switch {
	case sec.Flags&elf.SHF_COMPRESSED != 0:
		hdrSize := 24
		if !t.Is64() {
			hdrSize = 12
		}
		if len(data) < hdrSize {
			return nil, errors.Errorf("compressed section %s too short", sec.Name)
		}
		data = data[hdrSize:]
	case bytes.HasPrefix(data, zlibHeader):
		if len(data) < 12 {
			return nil, errors.Errorf("ZLIB-framed section %s too short", sec.Name)
		}
		data = data[12:]
	default:
		return data, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "opening compressed section %s", sec.Name)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing section %s", sec.Name)
	}
	return out, nil
}

// rewriteNoteSections prepares the non-allocatable sections for the output:
// sections on the overwrite list get regenerated contents, compressed debug
// sections that must be regenerated are re-emitted uncompressed, and the
// vendor info note is registered with the memory manager.
func (r *RewriteInstance) rewriteNoteSections(mm *SectionMemoryManager) error {
	for _, sec := range r.bc.Sections {
		if sec.IsAlloc() || sec.Type == 0 {
			continue
		}
		if !r.willOverwriteSection(sec.Name) {
			continue
		}
		sec.Overwrite = true
		if sec.OutputData != nil {
			continue // a patcher already produced replacement bytes
		}
		if isDebugSection(sec.Name) {
			// Debug encoders run downstream with the final address map; at
			// this level the contents pass through uncompressed so they can
			// be spliced over.
			plain, err := decompressDebugSection(r.bc.Target(), sec)
			if err != nil {
				r.failures = append(r.failures,
					recoverableError(CategoryPatching, sec.Name, sec.Addr, err))
				sec.OutputData = sec.Data
				continue
			}
			sec.OutputData = plain
			// The output header must describe the bytes actually emitted.
			sec.Flags &^= elf.SHF_COMPRESSED
		}
	}
	mm.RecordNoteSection(r.infoNote(), 4, infoSectionName)
	return nil
}

func isDebugSection(name string) bool {
	return len(name) > 7 && name[:7] == ".debug_" || name == ".gdb_index"
}
