// ehframe.go - .eh_frame_hdr regeneration from the final .eh_frame
package main

import (
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// DWARF pointer encodings used by the header.
const (
	dwEhPeOmit    = 0xff
	dwEhPeUdata4  = 0x03
	dwEhPeSdata4  = 0x0b
	dwEhPeAbsptr  = 0x00
	dwEhPePcrel   = 0x10
	dwEhPeDatarel = 0x30
)

type fdeEntry struct {
	initialLoc uint64
	fdeAddr    uint64
}

// writeEHFrameHeader rebuilds the .eh_frame_hdr binary search table from the
// frame section as it will appear in the output. The rebuilt header must fit
// the original section footprint; when it does not, or when the frame data
// uses an encoding the scanner does not handle, the original header is kept
// and the failure is recoverable.
func (r *RewriteInstance) writeEHFrameHeader() error {
	hdr := r.bc.EHFrameHdr
	frame := r.bc.EHFrameSection
	if hdr == nil || frame == nil {
		return nil
	}
	t := r.bc.Target()
	entries, err := scanFDEs(frame.FinalData(), frame.FinalAddr(), t)
	if err != nil {
		return recoverableError(CategoryPatching, hdr.Name, hdr.Addr,
			errors.Wrap(err, "keeping original .eh_frame_hdr"))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].initialLoc < entries[j].initialLoc })

	// version, eh_frame_ptr_enc, fde_count_enc, table_enc, then the pointer,
	// the count, and count table rows of two sdata4 values each.
	need := uint64(4 + 4 + 4 + 8*len(entries))
	if need > hdr.Size {
		return recoverableError(CategoryPatching, hdr.Name, hdr.Addr,
			errors.Errorf("rebuilt header needs %d bytes, section holds %d", need, hdr.Size))
	}

	hdrAddr := hdr.FinalAddr()
	out := make([]byte, hdr.Size)
	out[0] = 1
	out[1] = dwEhPePcrel | dwEhPeSdata4
	out[2] = dwEhPeUdata4
	out[3] = dwEhPeDatarel | dwEhPeSdata4
	t.Order.PutUint32(out[4:], uint32(int32(frame.FinalAddr()-(hdrAddr+4))))
	t.Order.PutUint32(out[8:], uint32(len(entries)))
	off := 12
	for _, e := range entries {
		t.Order.PutUint32(out[off:], uint32(int32(e.initialLoc-hdrAddr)))
		t.Order.PutUint32(out[off+4:], uint32(int32(e.fdeAddr-hdrAddr)))
		off += 8
	}
	hdr.OutputData = out
	hdr.Overwrite = true
	level.Debug(r.logger).Log("msg", "rebuilt .eh_frame_hdr", "fdes", len(entries))
	return nil
}

// scanFDEs walks the frame section and extracts each FDE's address and
// decoded initial location. CIEs are parsed only far enough to learn the FDE
// pointer encoding from a 'z' augmentation.
func scanFDEs(data []byte, frameAddr uint64, t *TargetProfile) ([]fdeEntry, error) {
	var entries []fdeEntry
	cieEncodings := make(map[uint64]byte)

	pos := uint64(0)
	for pos+4 <= uint64(len(data)) {
		length := uint64(t.Order.Uint32(data[pos:]))
		if length == 0 {
			break // terminator
		}
		if length == 0xffffffff {
			return nil, errors.New("64-bit DWARF frame entries not supported")
		}
		rec := data[pos+4:]
		if length > uint64(len(rec)) {
			return nil, errors.Errorf("frame entry at %#x overruns section", frameAddr+pos)
		}
		rec = rec[:length]
		id := t.Order.Uint32(rec)
		if id == 0 {
			enc, err := parseCIEEncoding(rec[4:], t)
			if err != nil {
				return nil, err
			}
			cieEncodings[pos] = enc
		} else {
			ciePos := pos + 4 - uint64(id)
			enc, ok := cieEncodings[ciePos]
			if !ok {
				return nil, errors.Errorf("FDE at %#x references unknown CIE", frameAddr+pos)
			}
			loc, err := decodePointer(rec[4:], enc, frameAddr+pos+8, t)
			if err != nil {
				return nil, err
			}
			if loc != 0 {
				entries = append(entries, fdeEntry{initialLoc: loc, fdeAddr: frameAddr + pos})
			}
		}
		pos += 4 + length
	}
	return entries, nil
}

// parseCIEEncoding reads a CIE body past the id field and returns the FDE
// pointer encoding declared by its 'R' augmentation character. A CIE
// without one encodes absolute machine-word pointers.
func parseCIEEncoding(b []byte, t *TargetProfile) (byte, error) {
	if len(b) < 2 {
		return 0, errors.New("truncated CIE")
	}
	version := b[0]
	if version != 1 && version != 3 {
		return 0, errors.Errorf("unsupported CIE version %d", version)
	}
	b = b[1:]
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	if end == len(b) {
		return 0, errors.New("unterminated CIE augmentation string")
	}
	aug := string(b[:end])
	b = b[end+1:]

	var n int
	if _, n = readULEB(b); n == 0 { // code alignment
		return 0, errors.New("truncated CIE")
	}
	b = b[n:]
	if _, n = readSLEB(b); n == 0 { // data alignment
		return 0, errors.New("truncated CIE")
	}
	b = b[n:]
	if _, n = readULEB(b); n == 0 { // return address register
		return 0, errors.New("truncated CIE")
	}
	b = b[n:]

	if len(aug) == 0 || aug[0] != 'z' {
		return dwEhPeAbsptr, nil
	}
	if _, n = readULEB(b); n == 0 { // augmentation data length
		return 0, errors.New("truncated CIE")
	}
	b = b[n:]
	for _, c := range aug[1:] {
		switch c {
		case 'R':
			if len(b) < 1 {
				return 0, errors.New("truncated CIE augmentation data")
			}
			return b[0], nil
		case 'L':
			if len(b) < 1 {
				return 0, errors.New("truncated CIE augmentation data")
			}
			b = b[1:]
		case 'P':
			if len(b) < 1 {
				return 0, errors.New("truncated CIE augmentation data")
			}
			enc := b[0]
			size, err := encodedSize(enc, t)
			if err != nil {
				return 0, err
			}
			if len(b) < 1+size {
				return 0, errors.New("truncated CIE personality pointer")
			}
			b = b[1+size:]
		default:
			return 0, errors.Errorf("unsupported CIE augmentation %q", string(c))
		}
	}
	return dwEhPeAbsptr, nil
}

// decodePointer decodes an FDE initial location. pc is the address of the
// encoded bytes, used by pc-relative forms.
func decodePointer(b []byte, enc byte, pc uint64, t *TargetProfile) (uint64, error) {
	size, err := encodedSize(enc, t)
	if err != nil {
		return 0, err
	}
	if len(b) < size {
		return 0, errors.New("truncated FDE initial location")
	}
	var v uint64
	switch enc & 0x0f {
	case dwEhPeSdata4:
		v = uint64(int64(int32(t.Order.Uint32(b))))
	case dwEhPeUdata4:
		v = uint64(t.Order.Uint32(b))
	case dwEhPeAbsptr:
		if t.Is64() {
			v = t.Order.Uint64(b)
		} else {
			v = uint64(t.Order.Uint32(b))
		}
	default:
		return 0, errors.Errorf("unsupported pointer encoding %#x", enc)
	}
	switch enc & 0x70 {
	case 0:
		return v, nil
	case dwEhPePcrel:
		return pc + v, nil
	default:
		return 0, errors.Errorf("unsupported pointer application %#x", enc)
	}
}

// encodedSize returns the byte width of an encoded pointer.
func encodedSize(enc byte, t *TargetProfile) (int, error) {
	if enc == dwEhPeOmit {
		return 0, nil
	}
	switch enc & 0x0f {
	case dwEhPeAbsptr:
		return int(t.WordSize()), nil
	case dwEhPeUdata4, dwEhPeSdata4:
		return 4, nil
	case 0x02, 0x0a: // udata2, sdata2
		return 2, nil
	case 0x04, 0x0c: // udata8, sdata8
		return 8, nil
	default:
		return 0, errors.Errorf("unsupported pointer encoding %#x", enc)
	}
}

// readULEB decodes an unsigned LEB128 value, returning the value and the
// number of bytes consumed, 0 on truncation.
func readULEB(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		v |= uint64(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// readSLEB decodes a signed LEB128 value, returning the value and the number
// of bytes consumed, 0 on truncation.
func readSLEB(b []byte) (int64, int) {
	var v int64
	var shift uint
	for i := 0; i < len(b); i++ {
		v |= int64(b[i]&0x7f) << shift
		shift += 7
		if b[i]&0x80 == 0 {
			if shift < 64 && b[i]&0x40 != 0 {
				v |= -1 << shift
			}
			return v, i + 1
		}
	}
	return 0, 0
}
