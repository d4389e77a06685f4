package divided

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartPath(t *testing.T) {
	require.Equal(t, filepath.Join("dir", "msg000.box"), PartPath(filepath.Join("dir", "msg.box"), 0))
	require.Equal(t, filepath.Join("dir", "msg012.box"), PartPath(filepath.Join("dir", "msg.box"), 12))
	require.Equal(t, filepath.Join("dir", "cache001.tar.box"), PartPath(filepath.Join("dir", "cache.tar.box"), 1))
	require.Equal(t, "noext002", PartPath("noext", 2))
}

func partSize(t *testing.T, path string, n int) int64 {
	t.Helper()
	info, err := os.Stat(PartPath(path, n))
	require.NoError(t, err)
	return info.Size()
}

func TestFileSpansParts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg.box")

	f, err := Open(path, 16, false)
	require.NoError(t, err)
	require.Equal(t, 1, f.Parts())
	require.EqualValues(t, 0, f.Size())

	data := bytes.Repeat([]byte("0123456789"), 4)
	n, err := f.WriteAt(data, 10)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.EqualValues(t, 50, f.Size())
	require.Equal(t, 4, f.Parts())

	require.EqualValues(t, 16, partSize(t, path, 0))
	require.EqualValues(t, 16, partSize(t, path, 1))
	require.EqualValues(t, 16, partSize(t, path, 2))
	require.EqualValues(t, 2, partSize(t, path, 3))

	buf := make([]byte, len(data))
	n, err = f.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, data, buf[:n])

	n, err = f.ReadAt(make([]byte, 10), 45)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 5, n)

	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f, err = Open(path, 16, true)
	require.NoError(t, err)
	require.EqualValues(t, 50, f.Size())
	require.Equal(t, 4, f.Parts())
	require.NoError(t, f.Close())
}

func TestFileTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msg.box")

	f, err := Open(path, 16, false)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(40))
	require.Equal(t, 3, f.Parts())
	require.EqualValues(t, 8, partSize(t, path, 2))

	require.NoError(t, f.Truncate(16))
	require.Equal(t, 1, f.Parts())
	require.EqualValues(t, 16, f.Size())
	_, err = os.Stat(PartPath(path, 1))
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, f.Truncate(0))
	require.Equal(t, 1, f.Parts())
	require.EqualValues(t, 0, partSize(t, path, 0))
}

func TestOpenReadOnlyMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "msg.box"), 16, true)
	require.ErrorIs(t, err, fs.ErrNotExist)
}
