// output_test.go
package main

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOverlaps(t *testing.T) {
	ok := []FileWrite{
		{Name: "a", Offset: 0, Data: make([]byte, 16)},
		{Name: "b", Offset: 16, Data: make([]byte, 16)},
		{Name: "c", Offset: 0x100, Data: make([]byte, 1)},
	}
	assert.NoError(t, checkOverlaps(ok))

	bad := append(ok, FileWrite{Name: "d", Offset: 24, Data: make([]byte, 4)})
	err := checkOverlaps(bad)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "overlaps")
}

func TestCheckOverlapsIgnoresEmptyWrites(t *testing.T) {
	writes := []FileWrite{
		{Name: "a", Offset: 8, Data: make([]byte, 8)},
		{Name: "empty", Offset: 8, Data: nil},
	}
	assert.NoError(t, checkOverlaps(writes))
}

func TestWriteAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewOutputWriter(fs, testLogger(t))

	image := make([]byte, 64)
	for i := range image {
		image[i] = 0xaa
	}
	writes := []FileWrite{
		{Name: "patch", Offset: 8, Data: []byte{1, 2, 3, 4}},
		{Name: "tail", Offset: 100, Data: []byte{9}},
	}
	require.NoError(t, w.Write("/out/prog", image, writes, 96))

	got, err := afero.ReadFile(fs, "/out/prog")
	require.NoError(t, err)
	// Extended to the farthest write, which lies past fileEnd.
	assert.Len(t, got, 101)
	assert.Equal(t, byte(0xaa), got[0])
	assert.Equal(t, []byte{1, 2, 3, 4}, got[8:12])
	assert.Equal(t, byte(0xaa), got[12])
	// Zero fill between the base image and the tail write.
	assert.Equal(t, byte(0), got[64])
	assert.Equal(t, byte(9), got[100])

	// No temporary file left behind.
	exists, err := afero.Exists(fs, "/out/.prog.tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	info, err := fs.Stat("/out/prog")
	require.NoError(t, err)
	assert.Equal(t, int64(0o755), int64(info.Mode().Perm()))
}

func TestWriteRejectsOverlappingList(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewOutputWriter(fs, testLogger(t))
	writes := []FileWrite{
		{Name: "a", Offset: 0, Data: make([]byte, 8)},
		{Name: "b", Offset: 4, Data: make([]byte, 8)},
	}
	err := w.Write("/out/prog", make([]byte, 16), writes, 16)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	exists, _ := afero.Exists(fs, "/out/prog")
	assert.False(t, exists)
}

func TestWriteFileEndPadding(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewOutputWriter(fs, testLogger(t))
	require.NoError(t, w.Write("/out/prog", []byte{1, 2, 3}, nil, 32))

	got, err := afero.ReadFile(fs, "/out/prog")
	require.NoError(t, err)
	assert.Len(t, got, 32)
	assert.Equal(t, []byte{1, 2, 3}, got[:3])
}
