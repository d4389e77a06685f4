package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"syscall"
	"testing"

	"github.com/dacapoday/clusterbox"
	"github.com/dacapoday/clusterbox/mem"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, blockSize int) (*Storage, *mem.File, *mem.Blob) {
	t.Helper()
	file, maps := new(mem.File), new(mem.Blob)
	storage, err := New(file, maps, Init{BlockSize: blockSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage, file, maps
}

func mapBytes(storage *Storage) []byte {
	data, _ := storage.bitmap.MarshalBinary()
	return data
}

func load(t *testing.T, storage *Storage, offset int64, length int) []byte {
	t.Helper()
	buf := make([]byte, length)
	n, err := storage.Load(buf, offset)
	if err != nil {
		t.Fatalf("Load(%d, %d): %v", offset, length, err)
	}
	return buf[:n]
}

// TestSaveLoadRoundTrip saves blobs of sizes around the block boundary and
// reads each one back.
func TestSaveLoadRoundTrip(t *testing.T) {
	const bs = 64
	storage, _, _ := newTestStorage(t, bs)

	used := 0
	for _, size := range []int{0, 1, bs - 1, bs, bs + 1, 3*bs + 1} {
		blob := bytes.Repeat([]byte{byte(size)}, size)
		offset, err := storage.Save(blob)
		if err != nil {
			t.Fatalf("Save(%d bytes): %v", size, err)
		}
		if offset%bs != 0 {
			t.Fatalf("Save(%d bytes) offset %d is not aligned", size, offset)
		}
		if got := load(t, storage, offset, size); !bytes.Equal(got, blob) {
			t.Fatalf("Load(%d bytes) = %x, want %x", size, got, blob)
		}
		used += max(1, (size+bs-1)/bs)
	}

	if got := storage.bitmap.Count(); got != used {
		t.Fatalf("used clusters = %d, want %d", got, used)
	}
	t.Logf("✓ round trip: %d clusters used", used)
}

// TestBlockSize4096 follows one blob through save, load, free and reuse.
func TestBlockSize4096(t *testing.T) {
	storage, file, _ := newTestStorage(t, 4096)

	blob := make([]byte, 10000)
	for i := range blob {
		blob[i] = byte(i * 7)
	}
	offset, err := storage.Save(blob)
	require.NoError(t, err)
	require.EqualValues(t, 0, offset)
	require.Equal(t, 3, storage.bitmap.Count())
	require.EqualValues(t, 12288, file.Size())

	require.Equal(t, blob, load(t, storage, 0, 10000))

	require.NoError(t, storage.Free(0, 10000))
	require.Equal(t, 0, storage.bitmap.Count())

	offset, err = storage.Save(make([]byte, 5000))
	require.NoError(t, err)
	require.EqualValues(t, 0, offset)
	require.Equal(t, 2, storage.bitmap.Count())
}

func TestSaveGather(t *testing.T) {
	storage, _, _ := newTestStorage(t, 16)

	offset, err := storage.Save([]byte("hello, "), nil, []byte{}, []byte("world"), bytes.Repeat([]byte("!"), 10))
	require.NoError(t, err)
	require.Equal(t, "hello, world!!!!!!!!!!", string(load(t, storage, offset, 22)))
	require.Equal(t, 2, storage.bitmap.Count())
}

func TestSaveFirstFit(t *testing.T) {
	const bs = 32
	storage, _, _ := newTestStorage(t, bs)

	a, _ := storage.Save(make([]byte, bs))
	b, _ := storage.Save(make([]byte, 2*bs))
	c, _ := storage.Save(make([]byte, bs))
	require.Equal(t, []int64{0, bs, 3 * bs}, []int64{a, b, c})

	require.NoError(t, storage.Free(b, 2*bs))

	d, err := storage.Save([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, b, d, "one cluster reuses the first free cluster")

	e, err := storage.Save(make([]byte, 2*bs))
	require.NoError(t, err)
	require.EqualValues(t, 4*bs, e, "the single free cluster left is too short")

	f, err := storage.Save([]byte("f"))
	require.NoError(t, err)
	require.EqualValues(t, 2*bs, f)
}

// TestFreeErrors checks that bad frees are reported and change nothing.
func TestFreeErrors(t *testing.T) {
	const bs = 32
	storage, _, _ := newTestStorage(t, bs)

	a, _ := storage.Save(make([]byte, 2*bs))
	_, _ = storage.Save(make([]byte, bs))
	require.NoError(t, storage.Free(a, 2*bs))
	before := mapBytes(storage)

	for _, tc := range []struct {
		name           string
		offset, length int64
	}{
		{"double free", a, 2 * bs},
		{"partly free", bs, 2 * bs},
		{"misaligned", 1, bs},
		{"negative offset", -bs, bs},
		{"negative length", 2 * bs, -1},
		{"past the map", 100 * bs, bs},
	} {
		require.ErrorIs(t, storage.Allocated(tc.offset, tc.length), clusterbox.ErrCorrupted, tc.name)
		err := storage.Free(tc.offset, tc.length)
		require.ErrorIs(t, err, clusterbox.ErrCorrupted, tc.name)
		require.Equal(t, before, mapBytes(storage), tc.name)
	}
	require.NoError(t, storage.Allocated(2*bs, bs))
	require.NoError(t, storage.Allocated(2*bs, 0))
}

func TestLoadErrors(t *testing.T) {
	const bs = 32
	storage, _, _ := newTestStorage(t, bs)

	offset, _ := storage.Save(make([]byte, bs))

	_, err := storage.Load(make([]byte, 2*bs), offset)
	require.ErrorIs(t, err, clusterbox.ErrCorrupted, "length spans an unused cluster")

	_, err = storage.Load(make([]byte, 4), offset+1)
	require.ErrorIs(t, err, clusterbox.ErrCorrupted)

	_, err = storage.Load(make([]byte, 4), 8*bs)
	require.ErrorIs(t, err, clusterbox.ErrCorrupted)

	n, err := storage.Load(nil, offset)
	require.NoError(t, err)
	require.Zero(t, n)
}

// TestSaveWriteFailure forces the data write to fail halfway and checks that
// the map and the data file size are restored.
func TestSaveWriteFailure(t *testing.T) {
	const bs = 32
	storage, file, _ := newTestStorage(t, bs)

	a, _ := storage.Save(make([]byte, bs))
	_, _ = storage.Save(make([]byte, bs))
	require.NoError(t, storage.Free(a, bs))

	before := mapBytes(storage)
	size := file.Size()

	boom := errors.New("boom")
	for _, blob := range [][][]byte{
		{make([]byte, bs)},                     // reuses the free cluster
		{make([]byte, 3*bs)},                   // extends the file
		{make([]byte, bs), make([]byte, 2*bs)}, // fails on the second part
	} {
		var writes int
		file.SetFault(func(op string, off int64, n int) error {
			if op != "write" {
				return nil
			}
			writes++
			if writes == len(blob) {
				return boom
			}
			return nil
		})

		_, err := storage.Save(blob...)
		require.ErrorIs(t, err, clusterbox.ErrIO)
		require.ErrorIs(t, err, boom)
		require.Equal(t, before, mapBytes(storage))
		require.Equal(t, size, file.Size())
	}

	file.SetFault(nil)
	offset, err := storage.Save(make([]byte, bs))
	require.NoError(t, err)
	require.Equal(t, a, offset, "failed saves must not leak the free cluster")
}

// TestSaveRollbackShrinkFailure fails both the write of a blob that extends
// the file and the truncate that would shrink the file back.
func TestSaveRollbackShrinkFailure(t *testing.T) {
	const bs = 32
	storage, file, _ := newTestStorage(t, bs)

	_, err := storage.Save(make([]byte, bs))
	require.NoError(t, err)
	before := mapBytes(storage)

	boom := errors.New("boom")
	file.SetFault(func(op string, off int64, n int) error {
		if op == "write" || (op == "truncate" && off < 3*bs) {
			return boom
		}
		return nil
	})
	_, err = storage.Save(make([]byte, 2*bs))
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, mapBytes(storage))
	require.EqualValues(t, 3*bs, file.Size())
	require.Equal(t, file.Size(), storage.size, "recorded size follows the file")
	require.NoError(t, storage.Check())

	file.SetFault(nil)
	require.NoError(t, storage.Trim())
	require.EqualValues(t, bs, file.Size())
	require.EqualValues(t, bs, storage.size)
}

func TestSaveOutOfSpace(t *testing.T) {
	const bs = 32
	storage, file, _ := newTestStorage(t, bs)
	file.SetLimit(2 * bs)

	_, err := storage.Save(make([]byte, bs))
	require.NoError(t, err)
	before := mapBytes(storage)

	_, err = storage.Save(make([]byte, 2*bs))
	require.ErrorIs(t, err, clusterbox.ErrOutOfSpace)
	require.ErrorIs(t, err, syscall.ENOSPC)
	require.Equal(t, before, mapBytes(storage))
	require.EqualValues(t, bs, file.Size())

	offset, err := storage.Save(make([]byte, bs))
	require.NoError(t, err, "the store stays usable")
	require.EqualValues(t, bs, offset)
}

func TestCompactAcrossStorages(t *testing.T) {
	const bs = 32
	src, _, _ := newTestStorage(t, bs)
	dst, _, _ := newTestStorage(t, 2*bs)

	var offsets []int64
	var blobs [][]byte
	for i := range 5 {
		blob := bytes.Repeat(fmt.Appendf(nil, "blob %d;", i), i*5)
		offset, err := src.Save(blob)
		require.NoError(t, err)
		offsets = append(offsets, offset)
		blobs = append(blobs, blob)
	}
	before := mapBytes(src)

	for i := len(blobs) - 1; i >= 0; i-- {
		moved, err := dst.Compact(offsets[i], int64(len(blobs[i])), src)
		require.NoError(t, err)
		require.Equal(t, blobs[i], load(t, dst, moved, len(blobs[i])))
		require.Equal(t, blobs[i], load(t, src, offsets[i], len(blobs[i])))
	}
	require.Equal(t, before, mapBytes(src), "the source is never modified")

	require.NoError(t, src.Free(offsets[1], int64(len(blobs[1]))))
	_, err := dst.Compact(offsets[1], int64(len(blobs[1])), src)
	require.ErrorIs(t, err, clusterbox.ErrCorrupted)
}

func TestCompactInPlace(t *testing.T) {
	const bs = 32
	storage, _, _ := newTestStorage(t, bs)

	a, _ := storage.Save(make([]byte, bs))
	b, _ := storage.Save(make([]byte, bs))
	blob := bytes.Repeat([]byte("c"), bs+5)
	c, _ := storage.Save(blob)
	require.EqualValues(t, 2*bs, c)

	moved, err := storage.Compact(c, int64(len(blob)), nil)
	require.NoError(t, err)
	require.Equal(t, c, moved, "no free run before it")

	require.NoError(t, storage.Free(a, bs))
	require.NoError(t, storage.Free(b, bs))

	moved, err = storage.Compact(c, int64(len(blob)), nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, moved)
	require.Equal(t, blob, load(t, storage, moved, len(blob)))
	require.Equal(t, 2, storage.bitmap.Count())
	require.False(t, storage.bitmap.Used(2))
	require.False(t, storage.bitmap.Used(3))

	moved, err = storage.Compact(moved, int64(len(blob)), storage)
	require.NoError(t, err)
	require.EqualValues(t, 0, moved)

	_, err = storage.Compact(c, int64(len(blob)), nil)
	require.ErrorIs(t, err, clusterbox.ErrCorrupted)
}

func TestFreeUnused(t *testing.T) {
	const bs = 32
	storage, file, _ := newTestStorage(t, bs)

	var live []clusterbox.Extent
	for i := range 6 {
		blob := make([]byte, 1+i*bs/2)
		offset, err := storage.Save(blob)
		require.NoError(t, err)
		if i%2 == 0 {
			live = append(live, clusterbox.Extent{Offset: offset, Length: int64(len(blob))})
		}
	}
	require.Equal(t, 12, storage.bitmap.Count())

	require.NoError(t, storage.FreeUnused(live))
	require.Equal(t, 1+2+3, storage.bitmap.Count())

	last := live[len(live)-1]
	require.Equal(t, last.Offset+3*bs, file.Size(), "the data file ends after the last live blob")
	require.NoError(t, storage.Check())

	// The reclaimed holes are clusters 1 and 4-5.
	size := file.Size()
	offset, err := storage.Save(make([]byte, 2*bs))
	require.NoError(t, err)
	require.EqualValues(t, 4*bs, offset)
	offset, err = storage.Save([]byte("x"))
	require.NoError(t, err)
	require.EqualValues(t, bs, offset)
	require.Equal(t, size, file.Size(), "reused clusters do not grow the file")

	before := mapBytes(storage)
	overlap := append(live, clusterbox.Extent{Offset: live[1].Offset + bs, Length: 1})
	require.ErrorIs(t, storage.FreeUnused(overlap), clusterbox.ErrCorrupted)
	require.Equal(t, before, mapBytes(storage))

	past := append(live[:1:1], clusterbox.Extent{Offset: file.Size(), Length: 1})
	require.ErrorIs(t, storage.FreeUnused(past), clusterbox.ErrCorrupted)
	require.Equal(t, before, mapBytes(storage))

	require.NoError(t, storage.FreeUnused(nil))
	require.Zero(t, storage.bitmap.Count())
	require.Zero(t, file.Size())
}

func TestTrim(t *testing.T) {
	const bs = 32
	storage, file, _ := newTestStorage(t, bs)

	a, _ := storage.Save(make([]byte, bs))
	b, _ := storage.Save(make([]byte, 20*bs))
	require.EqualValues(t, 21*bs, file.Size())

	require.NoError(t, storage.Free(b, 20*bs))
	require.NoError(t, storage.Trim())
	require.EqualValues(t, bs, file.Size())
	require.Equal(t, 8, storage.bitmap.Len())

	offset, err := storage.Save(make([]byte, 2*bs))
	require.NoError(t, err)
	require.Equal(t, a+bs, offset)
}

func TestFlush(t *testing.T) {
	const bs = 32
	storage, file, maps := newTestStorage(t, bs)

	require.NoError(t, storage.Flush())
	require.Zero(t, maps.Writes(), "nothing to flush")
	require.Zero(t, file.Syncs())

	// The map must never reach the store before the data it describes.
	maps.SetFault(func() error {
		if file.Syncs() == 0 {
			return errors.New("map written before data sync")
		}
		return nil
	})

	blob := []byte("persist me")
	offset, err := storage.Save(blob)
	require.NoError(t, err)
	require.NoError(t, storage.Flush())
	require.Equal(t, 1, maps.Writes())
	require.Equal(t, 1, file.Syncs())

	require.NoError(t, storage.Flush())
	require.Equal(t, 1, maps.Writes())

	boom := errors.New("boom")
	maps.SetFault(func() error { return boom })
	require.NoError(t, storage.Free(offset, int64(len(blob))))
	err = storage.Flush()
	require.ErrorIs(t, err, clusterbox.ErrIO)
	require.ErrorIs(t, err, boom)

	maps.SetFault(nil)
	require.NoError(t, storage.Flush(), "a failed flush is retried")
	require.Equal(t, 2, maps.Writes())
}

// TestReopen flushes a store and opens a second engine over the same bytes.
func TestReopen(t *testing.T) {
	const bs = 64
	storage, file, maps := newTestStorage(t, bs)

	var extents []clusterbox.Extent
	for i := range 10 {
		blob := bytes.Repeat([]byte{byte('a' + i)}, i*40)
		offset, err := storage.Save(blob)
		require.NoError(t, err)
		extents = append(extents, clusterbox.Extent{Offset: offset, Length: int64(len(blob))})
	}
	require.NoError(t, storage.Free(extents[3].Offset, extents[3].Length))
	extents = append(extents[:3], extents[4:]...)
	require.NoError(t, storage.Flush())
	stats, err := storage.Stats()
	require.NoError(t, err)

	var copied mem.File
	_, err = copied.ReadFrom(bytes.NewReader(file.Bytes()))
	require.NoError(t, err)

	reopened, err := New(&copied, maps, Init{BlockSize: bs, ReadOnly: true})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Stats()
	require.NoError(t, err)
	require.Equal(t, stats, got)

	for _, e := range extents {
		blob := load(t, reopened, e.Offset, int(e.Length))
		require.Equal(t, int(e.Length), len(blob))
		if len(blob) > 0 {
			require.Equal(t, bytes.Repeat(blob[:1], len(blob)), blob)
		}
	}
}

func TestReadOnly(t *testing.T) {
	var file mem.File
	storage, err := New(&file, new(mem.Blob), Init{BlockSize: 16, ReadOnly: true})
	require.NoError(t, err)

	_, err = storage.Save([]byte("x"))
	require.ErrorIs(t, err, clusterbox.ErrReadOnly)
	require.ErrorIs(t, storage.Free(0, 1), clusterbox.ErrReadOnly)
	require.ErrorIs(t, storage.Trim(), clusterbox.ErrReadOnly)
	require.ErrorIs(t, storage.FreeUnused(nil), clusterbox.ErrReadOnly)
	_, err = storage.Compact(0, 1, nil)
	require.ErrorIs(t, err, clusterbox.ErrReadOnly)
	require.NoError(t, storage.Flush())
	require.NoError(t, storage.Close())
}

func TestClosed(t *testing.T) {
	storage, _, maps := newTestStorage(t, 16)

	_, err := storage.Save([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, storage.Close())
	require.Equal(t, 1, maps.Writes(), "Close flushes")
	require.NoError(t, storage.Close())

	_, err = storage.Save([]byte("x"))
	require.ErrorIs(t, err, clusterbox.ErrClosed)
	_, err = storage.Load(make([]byte, 1), 0)
	require.ErrorIs(t, err, clusterbox.ErrClosed)
	require.ErrorIs(t, storage.Free(0, 1), clusterbox.ErrClosed)
	require.ErrorIs(t, storage.Flush(), clusterbox.ErrClosed)
	require.ErrorIs(t, storage.Check(), clusterbox.ErrClosed)
	_, err = storage.Stats()
	require.ErrorIs(t, err, clusterbox.ErrClosed)
}

// TestCheckRepair opens a map that claims clusters the data file lacks,
// as left by a crash between a map write and the data reaching disk.
func TestCheckRepair(t *testing.T) {
	var file mem.File
	var maps mem.Blob
	require.NoError(t, maps.WriteMap([]byte{0x0f}))
	_, _ = file.WriteAt(make([]byte, 32), 0)

	storage, err := New(&file, &maps, Init{BlockSize: 16})
	require.NoError(t, err)
	defer storage.Close()

	require.ErrorIs(t, storage.Check(), clusterbox.ErrCorrupted)

	require.NoError(t, storage.FreeUnused([]clusterbox.Extent{{Offset: 0, Length: 20}}))
	require.NoError(t, storage.Check())
	require.Equal(t, 2, storage.bitmap.Count())
}

func TestStats(t *testing.T) {
	const bs = 16
	storage, _, _ := newTestStorage(t, bs)

	var offsets []int64
	for range 6 {
		offset, err := storage.Save(make([]byte, bs))
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.NoError(t, storage.Free(offsets[1], bs))
	require.NoError(t, storage.Free(offsets[3], bs))
	require.NoError(t, storage.Free(offsets[4], bs))

	stats, err := storage.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{
		BlockSize:   bs,
		Clusters:    8,
		Used:        3,
		Free:        5,
		FreeRuns:    3,
		LargestFree: 2,
		FileSize:    6 * bs,
		Fragmented:  1 - 2.0/5.0,
	}, stats)

	var extents []clusterbox.Extent
	for e := range storage.Extents {
		extents = append(extents, e)
	}
	require.Equal(t, []clusterbox.Extent{
		{Offset: 0, Length: bs},
		{Offset: 2 * bs, Length: bs},
		{Offset: 5 * bs, Length: bs},
	}, extents)
}

func TestNewInvalidBlockSize(t *testing.T) {
	for _, size := range []int{-1, 8, 100, 1 << 21} {
		_, err := New(new(mem.File), new(mem.Blob), Init{BlockSize: size})
		require.ErrorIs(t, err, clusterbox.ErrConfig, "block size %d", size)
	}
}

// TestRandomWorkload runs random saves and frees against a model of the
// live blobs and checks that no two blobs ever share a cluster.
func TestRandomWorkload(t *testing.T) {
	const bs = 32
	storage, _, _ := newTestStorage(t, bs)
	rng := rand.New(rand.NewPCG(7, 11))

	type blob struct {
		offset int64
		data   []byte
	}
	var live []blob

	for step := range 3000 {
		if len(live) > 0 && rng.IntN(5) < 2 {
			i := rng.IntN(len(live))
			b := live[i]
			if err := storage.Free(b.offset, int64(len(b.data))); err != nil {
				t.Fatalf("step %d: Free: %v", step, err)
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		data := make([]byte, rng.IntN(6*bs))
		for i := range data {
			data[i] = byte(rng.Uint32())
		}
		offset, err := storage.Save(data)
		if err != nil {
			t.Fatalf("step %d: Save: %v", step, err)
		}
		live = append(live, blob{offset, data})

		if step%250 == 0 {
			moved, err := storage.Compact(offset, int64(len(data)), nil)
			if err != nil {
				t.Fatalf("step %d: Compact: %v", step, err)
			}
			live[len(live)-1].offset = moved
		}
	}

	want := 0
	for _, b := range live {
		want += storage.clusters(int64(len(b.data)))
		if got := load(t, storage, b.offset, len(b.data)); !bytes.Equal(got, b.data) {
			t.Fatalf("blob at %d corrupted", b.offset)
		}
	}
	if got := storage.bitmap.Count(); got != want {
		t.Fatalf("used clusters = %d, want %d", got, want)
	}
	t.Logf("✓ %d live blobs in %d clusters", len(live), want)
}
