package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dacapoday/clusterbox/msgstore"
	"github.com/stretchr/testify/require"
)

func importMessages(t *testing.T, n int) [][]byte {
	t.Helper()
	var paths []string
	var raws [][]byte
	for i := range n {
		path, raw := writeMessage(t, i)
		paths = append(paths, path)
		raws = append(raws, raw)
	}
	out, err := captureOutput(t, func() error { return runImport(paths) })
	require.NoError(t, err)
	assertContains(t, out, []string{"Imported"})
	return raws
}

func TestImportListCat(t *testing.T) {
	dir := useStore(t)
	raws := importMessages(t, 3)

	index, err := msgstore.LoadIndex(filepath.Join(dir, msgstore.IndexFile))
	require.NoError(t, err)
	require.Len(t, index.Refs, 3)
	require.Equal(t, 64, index.BlockSize)
	require.Equal(t, 32, index.CacheBlockSize)

	out, err := captureOutput(t, runList)
	require.NoError(t, err)
	assertContains(t, out, []string{"SUBJECT", "message 0", "message 2", "Sender 1"})

	out, err = captureOutput(t, func() error { return runCat([]string{"1"}) })
	require.NoError(t, err)
	require.Equal(t, string(raws[1]), out)

	_, err = captureOutput(t, func() error { return runCat([]string{"3"}) })
	require.ErrorContains(t, err, "out of range")
}

func TestListJSON(t *testing.T) {
	useStore(t)
	importMessages(t, 2)
	jsonOut = true

	out, err := captureOutput(t, runList)
	require.NoError(t, err)

	var entries []listEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, "message 1", entries[1].Subject)
	require.Equal(t, "Sender 1", entries[1].From)
	require.Equal(t, entries[1].Size, entries[1].Ref.Length)
}

func TestRemoveCompactCheck(t *testing.T) {
	dir := useStore(t)
	raws := importMessages(t, 5)

	_, err := captureOutput(t, func() error { return runRm([]string{"0", "2"}) })
	require.NoError(t, err)

	for _, inPlace := range []bool{true, false} {
		compactInPlace = inPlace
		_, err = captureOutput(t, runCompact)
		require.NoError(t, err, "in place: %v", inPlace)

		out, err := captureOutput(t, func() error { return runCat([]string{"0", "1", "2"}) })
		require.NoError(t, err)
		require.Equal(t, string(raws[1])+string(raws[3])+string(raws[4]), out)
	}

	out, err := captureOutput(t, func() error { return runCheck([]string{dir}) })
	require.NoError(t, err)
	assertContains(t, out, []string{"ok (3 messages)"})
}

func TestGC(t *testing.T) {
	dir := useStore(t)
	importMessages(t, 3)

	// Drop a message from the index only, as an interrupted rm would.
	path := filepath.Join(dir, msgstore.IndexFile)
	index, err := msgstore.LoadIndex(path)
	require.NoError(t, err)
	index.Refs = index.Refs[:2]
	require.NoError(t, index.Save(path))

	jsonOut = true
	out, err := captureOutput(t, runGC)
	require.NoError(t, err)

	var report struct {
		Before, After msgstore.Stats
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Less(t, report.After.Messages.Used, report.Before.Messages.Used)
	require.Less(t, report.After.Cache.Used, report.Before.Cache.Used)
	require.Less(t, report.After.Messages.FileSize, report.Before.Messages.FileSize)
}

func TestCheckFailures(t *testing.T) {
	dir := useStore(t)
	importMessages(t, 2)

	// A ref past the end of the data.
	path := filepath.Join(dir, msgstore.IndexFile)
	index, err := msgstore.LoadIndex(path)
	require.NoError(t, err)
	bad := index.Refs[1]
	bad.Offset += 64 * 64
	index.Refs = append(index.Refs, bad)
	require.NoError(t, index.Save(path))

	missing := filepath.Join(t.TempDir(), "missing")
	out, err := captureOutput(t, func() error { return runCheck([]string{dir, missing}) })
	require.ErrorContains(t, err, "2 of 2 stores failed")
	assertContains(t, out, []string{dir + ": FAILED", missing + ": FAILED"})
}

func TestStatsJSON(t *testing.T) {
	useStore(t)
	importMessages(t, 2)
	jsonOut = true

	out, err := captureOutput(t, runStats)
	require.NoError(t, err)

	var stats struct {
		Indexed  int `json:"indexed"`
		Messages struct {
			BlockSize int64 `json:"block_size"`
			Used      int   `json:"used"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 2, stats.Indexed)
	require.EqualValues(t, 64, stats.Messages.BlockSize)
	require.Positive(t, stats.Messages.Used)
}

func TestImportMissingFile(t *testing.T) {
	useStore(t)
	path, _ := writeMessage(t, 0)
	missing := filepath.Join(t.TempDir(), "nope.eml")

	_, err := captureOutput(t, func() error { return runImport([]string{path, missing}) })
	require.ErrorIs(t, err, os.ErrNotExist)

	// The message imported before the failure is kept.
	index, err := msgstore.LoadIndex(filepath.Join(storeDir, msgstore.IndexFile))
	require.NoError(t, err)
	require.Len(t, index.Refs, 1)
}
