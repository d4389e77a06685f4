package cluster

import (
	"errors"
	"fmt"
	"io"

	"github.com/dacapoday/clusterbox"
)

// clusters returns how many clusters a blob of length bytes occupies.
// Empty blobs still take one cluster so that their offset stays unique.
func (storage *Storage) clusters(length int64) int {
	return int(max(1, (length+storage.block-1)/storage.block))
}

// span converts a byte extent into a cluster range.
func (storage *Storage) span(offset, length int64) (c, n int, err error) {
	if offset < 0 || offset%storage.block != 0 {
		return 0, 0, fmt.Errorf("%w: offset %d is not aligned to %d", clusterbox.ErrCorrupted, offset, storage.block)
	}
	if length < 0 {
		return 0, 0, fmt.Errorf("%w: negative length %d", clusterbox.ErrCorrupted, length)
	}
	return int(offset / storage.block), storage.clusters(length), nil
}

// inUse reports a corruption error unless every cluster of [c, c+n) is used.
func (storage *Storage) inUse(c, n int) error {
	if storage.bitmap.AllUsed(c, n) {
		return nil
	}
	storage.log.Warn("clusters not in use", "cluster", c, "count", n)
	return fmt.Errorf("%w: clusters [%d,+%d) are not in use", clusterbox.ErrCorrupted, c, n)
}

// Load reads the blob stored at offset into buf. len(buf) is the length the
// caller recorded for the blob; n is the number of bytes read, which is less
// than len(buf) only when the data file ends early.
func (storage *Storage) Load(buf []byte, offset int64) (n int, err error) {
	if err = storage.readable(); err != nil {
		return 0, fmt.Errorf("cluster.Load(%d): %w", offset, err)
	}
	c, count, err := storage.span(offset, int64(len(buf)))
	if err == nil {
		err = storage.inUse(c, count)
	}
	if err != nil {
		return 0, fmt.Errorf("cluster.Load(%d): %w", offset, err)
	}

	if len(buf) == 0 {
		return 0, nil
	}
	n, err = storage.file.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return n, storage.ioError(fmt.Sprintf("cluster.Load(%d)", offset), err)
	}
	return
}

// Allocated returns nil when every cluster of the extent at offset is in
// use, and an ErrCorrupted error otherwise. Free succeeds on exactly such
// extents.
func (storage *Storage) Allocated(offset, length int64) error {
	if err := storage.readable(); err != nil {
		return fmt.Errorf("cluster.Allocated(%d): %w", offset, err)
	}
	c, n, err := storage.span(offset, length)
	if err == nil {
		err = storage.inUse(c, n)
	}
	if err != nil {
		return fmt.Errorf("cluster.Allocated(%d): %w", offset, err)
	}
	return nil
}

// Save writes the concatenation of parts as one blob and returns its offset.
// The blob goes into the first run of free clusters large enough to hold it,
// or at the end of the data file. A failed Save leaves the map and the file
// size as they were.
func (storage *Storage) Save(parts ...[]byte) (offset int64, err error) {
	if err = storage.writable(); err != nil {
		return 0, fmt.Errorf("cluster.Save: %w", err)
	}

	var total int64
	for _, part := range parts {
		total += int64(len(part))
	}

	c, undo, err := storage.allocate(storage.clusters(total))
	if err != nil {
		return 0, fmt.Errorf("cluster.Save(%d bytes): %w", total, err)
	}
	offset = int64(c) * storage.block

	if err = storage.write(offset, parts); err != nil {
		undo()
		storage.log.Warn("save rolled back", "offset", offset, "bytes", total, "err", err)
		return 0, storage.ioError(fmt.Sprintf("cluster.Save(%d bytes)", total), err)
	}
	storage.log.Debug("saved", "offset", offset, "bytes", total)
	return offset, nil
}

// allocate marks n clusters used and makes sure the data file covers them.
// undo reverts both.
func (storage *Storage) allocate(n int) (c int, undo func(), err error) {
	mark := storage.bitmap.Mark()
	size, dirty := storage.size, storage.dirty

	c, ok := storage.bitmap.Find(n)
	if !ok {
		c = storage.bitmap.Len() - storage.bitmap.Tail()
	}
	storage.bitmap.Set(c, n)
	storage.dirty = true

	undo = func() {
		storage.bitmap.Rollback(mark, c, n)
		storage.dirty = dirty
		if storage.size != size {
			if err := storage.file.Truncate(size); err != nil {
				// storage.size keeps the larger size; Trim shrinks the file later.
				storage.log.Warn("data file not shrunk on rollback", "size", storage.size, "want", size, "err", err)
				return
			}
			storage.size = size
		}
	}

	if end := int64(c+n) * storage.block; end > storage.size {
		if err = storage.file.Truncate(end); err != nil {
			// The file may have grown partway.
			storage.size = end
			undo()
			return 0, nil, storage.ioError("grow data file", err)
		}
		storage.size = end
		storage.unsynced = true
		storage.log.Debug("data file extended", "size", end)
	}
	return c, undo, nil
}

func (storage *Storage) write(offset int64, parts [][]byte) error {
	for _, part := range parts {
		n, err := storage.file.WriteAt(part, offset)
		if err == nil && n < len(part) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return err
		}
		offset += int64(n)
	}
	storage.unsynced = true
	return nil
}

// Free releases the clusters of the blob at offset. Freeing a range that is
// not entirely in use is reported as corruption and changes nothing.
func (storage *Storage) Free(offset, length int64) error {
	if err := storage.writable(); err != nil {
		return fmt.Errorf("cluster.Free(%d, %d): %w", offset, length, err)
	}
	c, n, err := storage.span(offset, length)
	if err == nil {
		err = storage.inUse(c, n)
	}
	if err != nil {
		return fmt.Errorf("cluster.Free(%d, %d): %w", offset, length, err)
	}

	storage.bitmap.Clear(c, n)
	storage.dirty = true
	storage.log.Debug("freed", "offset", offset, "bytes", length)
	return nil
}

// Compact copies the blob at offset of src into this store and returns its
// new offset. src is not modified; freeing the original is up to the caller.
//
// With a nil src (or src == storage) the blob is moved within this store to
// the first free run that starts before it, and its old clusters are freed.
// If there is no such run the blob stays where it is.
func (storage *Storage) Compact(offset, length int64, src *Storage) (newOffset int64, err error) {
	if src == nil || src == storage {
		return storage.relocate(offset, length)
	}

	if err = storage.writable(); err != nil {
		return 0, fmt.Errorf("cluster.Compact(%d, %d): %w", offset, length, err)
	}
	if length < 0 {
		return 0, fmt.Errorf("cluster.Compact(%d, %d): %w: negative length", offset, length, clusterbox.ErrCorrupted)
	}

	buf := make([]byte, length)
	n, err := src.Load(buf, offset)
	if err != nil {
		return 0, fmt.Errorf("cluster.Compact(%d, %d): %w", offset, length, err)
	}
	if n < len(buf) {
		return 0, fmt.Errorf("cluster.Compact(%d, %d): %w: source holds only %d bytes",
			offset, length, clusterbox.ErrCorrupted, n)
	}

	if newOffset, err = storage.Save(buf); err != nil {
		return 0, fmt.Errorf("cluster.Compact(%d, %d): %w", offset, length, err)
	}
	return
}

func (storage *Storage) relocate(offset, length int64) (int64, error) {
	fail := func(err error) (int64, error) {
		return offset, fmt.Errorf("cluster.Compact(%d, %d): %w", offset, length, err)
	}

	if err := storage.writable(); err != nil {
		return fail(err)
	}
	c, n, err := storage.span(offset, length)
	if err == nil {
		err = storage.inUse(c, n)
	}
	if err != nil {
		return fail(err)
	}

	mark := storage.bitmap.Mark()
	to, ok := storage.bitmap.FindBefore(n, c)
	if !ok {
		storage.bitmap.Rollback(mark, 0, 0)
		return offset, nil
	}

	buf := make([]byte, length)
	read, err := storage.file.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		storage.bitmap.Rollback(mark, 0, 0)
		return fail(storage.ioError("read", err))
	}

	storage.bitmap.Set(to, n)
	newOffset := int64(to) * storage.block
	if err = storage.write(newOffset, [][]byte{buf[:read]}); err != nil {
		storage.bitmap.Rollback(mark, to, n)
		return fail(storage.ioError("write", err))
	}

	storage.bitmap.Clear(c, n)
	storage.dirty = true
	storage.log.Debug("relocated", "from", offset, "to", newOffset, "bytes", length)
	return newOffset, nil
}

// FreeUnused rebuilds the map so that exactly the clusters of the live
// extents are used, then trims free clusters off the end of the store.
// It reclaims clusters leaked by a crash between a data change and the
// next Flush. Overlapping extents, or extents past the end of the data
// file, are reported as corruption and leave the map unchanged.
func (storage *Storage) FreeUnused(live []clusterbox.Extent) error {
	if err := storage.writable(); err != nil {
		return fmt.Errorf("cluster.FreeUnused: %w", err)
	}

	type run struct{ c, n int }
	runs := make([]run, 0, len(live))
	for _, extent := range live {
		c, n, err := storage.span(extent.Offset, extent.Length)
		if err == nil && int64(c+n)*storage.block > storage.size {
			err = fmt.Errorf("%w: extent [%d,+%d) ends past the data file (%d bytes)",
				clusterbox.ErrCorrupted, extent.Offset, extent.Length, storage.size)
		}
		if err != nil {
			return fmt.Errorf("cluster.FreeUnused: %w", err)
		}
		runs = append(runs, run{c, n})
	}

	before := storage.bitmap.Count()
	err := storage.bitmap.Reset(func(yield func(c, n int) bool) {
		for _, r := range runs {
			if !yield(r.c, r.n) {
				return
			}
		}
	})
	if err != nil {
		storage.log.Warn("live extents overlap", "err", err)
		return fmt.Errorf("cluster.FreeUnused: %w: %w", clusterbox.ErrCorrupted, err)
	}
	storage.dirty = true
	storage.log.Info("unused clusters released",
		"before", before, "after", storage.bitmap.Count(), "live", len(live))

	if err = storage.trim(); err != nil {
		return fmt.Errorf("cluster.FreeUnused: %w", err)
	}
	return nil
}

// Trim drops free clusters from the end of the map and truncates the data
// file after the last used cluster.
func (storage *Storage) Trim() error {
	if err := storage.writable(); err != nil {
		return fmt.Errorf("cluster.Trim: %w", err)
	}
	if err := storage.trim(); err != nil {
		return fmt.Errorf("cluster.Trim: %w", err)
	}
	return nil
}

func (storage *Storage) trim() error {
	if length := storage.bitmap.Len(); storage.bitmap.Trim() != length {
		storage.dirty = true
	}
	end := int64(storage.bitmap.Len()-storage.bitmap.Tail()) * storage.block
	if end >= storage.size {
		return nil
	}
	if err := storage.file.Truncate(end); err != nil {
		return storage.ioError("truncate data file", err)
	}
	storage.log.Debug("data file truncated", "from", storage.size, "to", end)
	storage.size = end
	storage.unsynced = true
	return nil
}
