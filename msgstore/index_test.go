package msgstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dacapoday/clusterbox"
	"github.com/stretchr/testify/require"
)

func TestIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IndexFile)

	index, err := LoadIndex(path)
	require.NoError(t, err)
	require.Empty(t, index.Refs)

	cfg := index.Config(dir)
	store, err := Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	for i := range 3 {
		ref, err := store.Save(testMessage(i))
		require.NoError(t, err)
		index.Refs = append(index.Refs, ref)
	}
	index.BlockSize, index.CacheBlockSize = DefaultBlockSize, DefaultCacheBlockSize
	require.NoError(t, index.Save(path))

	loaded, err := LoadIndex(path)
	require.NoError(t, err)
	require.Equal(t, index, loaded)

	for i, ref := range loaded.Refs {
		got, err := store.Load(ref)
		require.NoError(t, err)
		require.Equal(t, testMessage(i), got)
	}
}

func TestIndexCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), IndexFile)
	require.NoError(t, os.WriteFile(path, []byte("refs: [unterminated"), 0o600))

	_, err := LoadIndex(path)
	require.ErrorIs(t, err, clusterbox.ErrCorrupted)
}
