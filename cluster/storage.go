// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package cluster implements the cluster storage engine: a data file cut
// into fixed-size clusters, and a block map recording which clusters hold
// live data.
//
// Blobs are addressed by the byte offset of their first cluster. The caller
// keeps each blob's offset and exact length; the engine only knows which
// clusters are in use.
//
// A Storage is not safe for concurrent use. Callers serialize access.
package cluster

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dacapoday/clusterbox"
	"github.com/dacapoday/clusterbox/internal/bitmap"
	"github.com/dacapoday/clusterbox/internal/divided"
	"github.com/dacapoday/clusterbox/internal/osfile"
)

// Storage is an open cluster store.
type Storage struct {
	file  clusterbox.File
	maps  MapStore
	log   *slog.Logger
	block int64
	size  int64 // data file size

	bitmap   bitmap.Map
	dirty    bool // map changed since the last flush
	unsynced bool // data file changed since the last flush

	phase atomic.Pointer[phase]
}

type phase struct{ error }

var readwrite = &phase{errors.New("readwrite")}
var readonly = &phase{errors.New("readonly")}

// Open validates init and opens the store it describes, creating the base
// directory and an empty store when missing. The data file is locked for
// the lifetime of the Storage.
func Open(init Init) (*Storage, error) {
	if err := init.Validate(); err != nil {
		return nil, fmt.Errorf("cluster.Open: %w", err)
	}

	if !init.ReadOnly {
		if err := os.MkdirAll(init.Path, 0o700); err != nil {
			return nil, fmt.Errorf("cluster.Open: %w: %w", clusterbox.ErrConfig, err)
		}
	}

	var file clusterbox.File
	if init.PartSize > 0 {
		f, err := divided.Open(init.BoxPath(), init.PartSize, init.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("cluster.Open: %w: %w", clusterbox.ErrConfig, err)
		}
		file = f
	} else {
		f, err := osfile.Open(init.BoxPath(), init.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("cluster.Open: %w: %w", clusterbox.ErrConfig, err)
		}
		file = f
	}

	storage, err := New(file, MapFile(init.MapPath()), init)
	if err != nil {
		file.Close()
		return nil, err
	}
	return storage, nil
}

// New builds a Storage over an already open data file and map store.
// Only the layout fields of init (BlockSize, ReadOnly, Logger) are used.
// The Storage owns file from then on and closes it on Close.
func New(file clusterbox.File, maps MapStore, init Init) (*Storage, error) {
	if err := init.validateLayout(); err != nil {
		return nil, fmt.Errorf("cluster.New: %w", err)
	}

	size, err := fileSize(file)
	if err != nil {
		return nil, fmt.Errorf("cluster.New: %w: %w", clusterbox.ErrIO, err)
	}

	data, err := maps.ReadMap()
	if err != nil {
		return nil, fmt.Errorf("cluster.New: read map: %w: %w", clusterbox.ErrIO, err)
	}

	logger := init.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if init.Name != "" {
		logger = logger.With("store", init.Name)
	}

	storage := &Storage{
		file:  file,
		maps:  maps,
		log:   logger,
		block: int64(init.BlockSize),
		size:  size,
	}
	if err = storage.bitmap.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("cluster.New: decode map: %w: %w", clusterbox.ErrCorrupted, err)
	}

	if err = storage.check(); err != nil {
		logger.Warn("map does not match data file", "err", err)
	}

	if init.ReadOnly {
		storage.phase.Store(readonly)
	} else {
		storage.phase.Store(readwrite)
	}

	logger.Debug("opened",
		"block_size", storage.block,
		"file_size", size,
		"clusters", storage.bitmap.Len(),
		"used", storage.bitmap.Count())
	return storage, nil
}

func fileSize(file clusterbox.File) (int64, error) {
	switch f := file.(type) {
	case interface{ Size() int64 }:
		return f.Size(), nil
	case interface{ Size() (int64, error) }:
		return f.Size()
	case interface{ Stat() (fs.FileInfo, error) }:
		info, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	return 0, fmt.Errorf("cannot determine the size of %T", file)
}

func (storage *Storage) readable() error {
	if storage.phase.Load() == nil {
		return clusterbox.ErrClosed
	}
	return nil
}

func (storage *Storage) writable() error {
	switch storage.phase.Load() {
	case readwrite:
		return nil
	case readonly:
		return clusterbox.ErrReadOnly
	default:
		return clusterbox.ErrClosed
	}
}

// Flush syncs the data file and then writes the block map, so that the map
// on disk never refers to data that is not on disk yet.
func (storage *Storage) Flush() error {
	if err := storage.writable(); err != nil {
		if errors.Is(err, clusterbox.ErrReadOnly) {
			return nil
		}
		return fmt.Errorf("cluster.Flush: %w", err)
	}
	return storage.flush()
}

func (storage *Storage) flush() error {
	if storage.unsynced {
		if err := storage.file.Sync(); err != nil {
			return storage.ioError("cluster.Flush: sync data", err)
		}
		storage.unsynced = false
	}
	if storage.dirty {
		data, _ := storage.bitmap.MarshalBinary()
		if err := storage.maps.WriteMap(data); err != nil {
			return storage.ioError("cluster.Flush: write map", err)
		}
		storage.dirty = false
		storage.log.Debug("map written", "bytes", len(data))
	}
	return nil
}

// Close flushes a writable store and releases its files. Closing a closed
// store does nothing. The files are released even when the flush fails.
func (storage *Storage) Close() (err error) {
	p := storage.phase.Load()
	if p == nil {
		return nil
	}
	if p == readwrite {
		err = storage.flush()
	}
	if storage.phase.Swap(nil) == nil {
		return nil
	}
	if cerr := storage.file.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("cluster.Close: %w: %w", clusterbox.ErrIO, cerr))
	}
	storage.log.Debug("closed", "err", err)
	return
}

// Stats describes the occupancy of a store.
type Stats struct {
	BlockSize   int64   `json:"block_size" yaml:"block_size"`
	Clusters    int     `json:"clusters" yaml:"clusters"` // clusters covered by the map
	Used        int     `json:"used" yaml:"used"`
	Free        int     `json:"free" yaml:"free"`
	FreeRuns    int     `json:"free_runs" yaml:"free_runs"`
	LargestFree int     `json:"largest_free" yaml:"largest_free"`
	FileSize    int64   `json:"file_size" yaml:"file_size"`
	Fragmented  float64 `json:"fragmented" yaml:"fragmented"` // 1 - LargestFree/Free
}

// Stats reports the occupancy of the store.
func (storage *Storage) Stats() (stats Stats, err error) {
	if err = storage.readable(); err != nil {
		return stats, fmt.Errorf("cluster.Stats: %w", err)
	}
	s := storage.bitmap.Stats()
	stats = Stats{
		BlockSize:   storage.block,
		Clusters:    storage.bitmap.Len(),
		Used:        s.Used,
		Free:        s.Free,
		FreeRuns:    s.FreeRuns,
		LargestFree: s.LargestFree,
		FileSize:    storage.size,
	}
	if s.Free > 0 {
		stats.Fragmented = 1 - float64(s.LargestFree)/float64(s.Free)
	}
	return
}

// Extents yields every maximal run of used clusters as a byte extent.
// Adjacent allocations are reported as one extent.
func (storage *Storage) Extents(yield func(clusterbox.Extent) bool) {
	if storage.readable() != nil {
		return
	}
	for c, n := range storage.bitmap.UsedRuns {
		if !yield(clusterbox.Extent{Offset: int64(c) * storage.block, Length: int64(n) * storage.block}) {
			return
		}
	}
}

// Check verifies that the map claims no cluster past the end of the data
// file. A failure wraps clusterbox.ErrCorrupted; FreeUnused repairs it.
func (storage *Storage) Check() error {
	if err := storage.readable(); err != nil {
		return fmt.Errorf("cluster.Check: %w", err)
	}
	if err := storage.check(); err != nil {
		return fmt.Errorf("cluster.Check: %w", err)
	}
	return nil
}

func (storage *Storage) check() error {
	used := storage.bitmap.Len() - storage.bitmap.Tail()
	if end := int64(used) * storage.block; end > storage.size {
		return fmt.Errorf("%w: map uses %d clusters (%d bytes) but data file has %d bytes",
			clusterbox.ErrCorrupted, used, end, storage.size)
	}
	return nil
}

func (storage *Storage) ioError(op string, err error) error {
	kind := clusterbox.ErrIO
	if osfile.IsNoSpace(err) {
		kind = clusterbox.ErrOutOfSpace
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
