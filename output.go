// output.go - Assembles and atomically writes the rewritten binary
package main

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FileWrite is one region of output bytes at an absolute file offset.
type FileWrite struct {
	Name   string
	Offset uint64
	Data   []byte
}

// OutputWriter assembles the output image from the base file plus an ordered
// write list and commits it atomically. Two writes overlapping each other is
// a fatal error; overwriting base image bytes is normal and expected.
type OutputWriter struct {
	fs     afero.Fs
	logger log.Logger
}

func NewOutputWriter(fs afero.Fs, logger log.Logger) *OutputWriter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &OutputWriter{fs: fs, logger: logger}
}

// checkOverlaps rejects write lists where two regions claim the same bytes.
func checkOverlaps(writes []FileWrite) error {
	sorted := make([]FileWrite, 0, len(writes))
	for _, w := range writes {
		if len(w.Data) > 0 {
			sorted = append(sorted, w)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Offset < prev.Offset+uint64(len(prev.Data)) {
			return fatalError(CategoryOutput, cur.Name, cur.Offset,
				errors.Errorf("write %q [%#x,%#x) overlaps %q [%#x,%#x)",
					cur.Name, cur.Offset, cur.Offset+uint64(len(cur.Data)),
					prev.Name, prev.Offset, prev.Offset+uint64(len(prev.Data))))
		}
	}
	return nil
}

// Write builds the final image and lands it at path via a temporary file in
// the same directory, so a crash never leaves a half-written binary behind.
func (w *OutputWriter) Write(path string, image []byte, writes []FileWrite, fileEnd uint64) error {
	if err := checkOverlaps(writes); err != nil {
		return err
	}
	size := uint64(len(image))
	if fileEnd > size {
		size = fileEnd
	}
	for _, wr := range writes {
		if end := wr.Offset + uint64(len(wr.Data)); end > size {
			size = end
		}
	}

	out := make([]byte, size)
	copy(out, image)
	for _, wr := range writes {
		copy(out[wr.Offset:], wr.Data)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	f, err := w.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fatalError(CategoryOutput, "", 0, errors.Wrap(err, "creating temporary output"))
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		w.fs.Remove(tmp)
		return fatalError(CategoryOutput, "", 0, errors.Wrap(err, "writing temporary output"))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		w.fs.Remove(tmp)
		return fatalError(CategoryOutput, "", 0, errors.Wrap(err, "syncing temporary output"))
	}
	if err := f.Close(); err != nil {
		w.fs.Remove(tmp)
		return fatalError(CategoryOutput, "", 0, errors.Wrap(err, "closing temporary output"))
	}
	if err := w.fs.Rename(tmp, path); err != nil {
		w.fs.Remove(tmp)
		return fatalError(CategoryOutput, "", 0, errors.Wrap(err, "committing output"))
	}
	if err := w.fs.Chmod(path, os.FileMode(0o755)); err != nil {
		return fatalError(CategoryOutput, "", 0, errors.Wrap(err, "marking output executable"))
	}
	level.Info(w.logger).Log("msg", "wrote output binary", "path", path,
		"size", humanize.Bytes(size), "writes", len(writes))
	return nil
}
