// strtab.go - ELF string table construction
package main

import (
	"bytes"
)

// StringTableBuilder accumulates strings for .shstrtab/.strtab style
// sections. Offsets are stable once handed out; duplicate adds return the
// first offset. The leading NUL byte required by the format is always
// present.
type StringTableBuilder struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func NewStringTableBuilder() *StringTableBuilder {
	b := &StringTableBuilder{offsets: make(map[string]uint32)}
	b.buf.WriteByte(0)
	b.offsets[""] = 0
	return b
}

// Add interns s and returns its offset.
func (b *StringTableBuilder) Add(s string) uint32 {
	if off, ok := b.offsets[s]; ok {
		return off
	}
	off := uint32(b.buf.Len())
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	b.offsets[s] = off
	return off
}

// Offset returns the offset of a previously added string; the zero offset
// (the empty string) when s was never added.
func (b *StringTableBuilder) Offset(s string) uint32 {
	return b.offsets[s]
}

// Len returns the current table size in bytes.
func (b *StringTableBuilder) Len() int { return b.buf.Len() }

// Bytes returns the serialized table.
func (b *StringTableBuilder) Bytes() []byte { return b.buf.Bytes() }

// readCString extracts the NUL-terminated string at off from a raw string
// table, returning "" for out-of-range offsets.
func readCString(tab []byte, off uint32) string {
	if int(off) >= len(tab) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end < 0 {
		return string(tab[off:])
	}
	return string(tab[off : int(off)+end])
}
