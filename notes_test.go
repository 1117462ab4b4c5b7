// notes_test.go
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deflateBytes(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// chdrFramed wraps a deflate stream in the SHF_COMPRESSED 64-bit header.
func chdrFramed(t *testing.T, tp *TargetProfile, plain []byte) []byte {
	t.Helper()
	framed := make([]byte, 24)
	tp.Order.PutUint32(framed[0:], 1) // ELFCOMPRESS_ZLIB
	tp.Order.PutUint64(framed[8:], uint64(len(plain)))
	tp.Order.PutUint64(framed[16:], 1)
	return append(framed, deflateBytes(t, plain)...)
}

func TestDecompressDebugSection(t *testing.T) {
	tp := testProfile64()
	plain := []byte("line number program bytes")

	sec := &BinarySection{Name: ".debug_line", Flags: elf.SHF_COMPRESSED,
		Data: chdrFramed(t, tp, plain)}
	out, err := decompressDebugSection(tp, sec)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	// Legacy framing: "ZLIB" magic, big-endian size, deflate stream.
	legacy := append([]byte("ZLIB"), make([]byte, 8)...)
	binary.BigEndian.PutUint64(legacy[4:], uint64(len(plain)))
	legacy = append(legacy, deflateBytes(t, plain)...)
	sec = &BinarySection{Name: ".zdebug_line", Data: legacy}
	out, err = decompressDebugSection(tp, sec)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	// Uncompressed contents pass through unchanged.
	sec = &BinarySection{Name: ".debug_line", Data: plain}
	out, err = decompressDebugSection(tp, sec)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	// Truncated header.
	sec = &BinarySection{Name: ".debug_line", Flags: elf.SHF_COMPRESSED,
		Data: make([]byte, 8)}
	_, err = decompressDebugSection(tp, sec)
	assert.Error(t, err)
}

func TestRewriteNoteSectionsDecompressedHeader(t *testing.T) {
	img := buildTestBinary(t, genOpts{funcs: []genFunc{{name: "alpha", size: 64}}})
	r := newTestInstance(t, img, Config{})
	tp := r.bc.Target()
	plain := []byte("uncompressed debug payload")
	framed := chdrFramed(t, tp, plain)
	sec := &BinarySection{
		Name:        ".debug_line",
		Type:        elf.SHT_PROGBITS,
		Flags:       elf.SHF_COMPRESSED,
		Data:        framed,
		Size:        uint64(len(framed)),
		Index:       len(r.bc.Sections),
		OutputIndex: -1,
	}
	r.bc.Sections = append(r.bc.Sections, sec)

	plan, err := r.discoverStorage()
	require.NoError(t, err)
	mm := NewSectionMemoryManager(testLogger(t), plan, true)
	defer mm.Close()
	require.NoError(t, r.rewriteNoteSections(mm))

	// The emitted bytes are the decompressed form, so the output header
	// must not claim compression anymore.
	assert.Equal(t, plain, sec.OutputData)
	assert.True(t, sec.Overwrite)
	assert.Zero(t, sec.Flags&elf.SHF_COMPRESSED)
}

func TestRewriteNoteSectionsBadStreamKeepsFlag(t *testing.T) {
	img := buildTestBinary(t, genOpts{funcs: []genFunc{{name: "alpha", size: 64}}})
	r := newTestInstance(t, img, Config{})
	garbage := make([]byte, 40) // valid header size, broken stream
	sec := &BinarySection{
		Name:        ".debug_ranges",
		Type:        elf.SHT_PROGBITS,
		Flags:       elf.SHF_COMPRESSED,
		Data:        garbage,
		Size:        uint64(len(garbage)),
		Index:       len(r.bc.Sections),
		OutputIndex: -1,
	}
	r.bc.Sections = append(r.bc.Sections, sec)

	plan, err := r.discoverStorage()
	require.NoError(t, err)
	mm := NewSectionMemoryManager(testLogger(t), plan, true)
	defer mm.Close()
	require.NoError(t, r.rewriteNoteSections(mm))

	// Decompression failed, the original compressed bytes are carried
	// over, and the header still describes them correctly.
	require.NotEmpty(t, r.failures)
	assert.Equal(t, garbage, sec.OutputData)
	assert.NotZero(t, sec.Flags&elf.SHF_COMPRESSED)
}
