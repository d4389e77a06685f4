package msgstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dacapoday/clusterbox"
	"github.com/dacapoday/clusterbox/cluster"
	"github.com/dacapoday/clusterbox/internal/divided"
	"github.com/dacapoday/clusterbox/internal/osfile"
)

const (
	compactDir = ".compact"
	swapList   = ".swap" // names of the new generation, inside compactDir
)

var (
	rename = os.Rename
	pairMu sync.Mutex // taken to lock two stores at once
)

// CompactInto copies the messages of refs into dst and returns their refs
// in dst, in the same order. The messages stay in store. On error the refs
// of the messages copied so far are returned with it.
func (store *Store) CompactInto(dst *Store, refs []Ref) ([]Ref, error) {
	if dst == store {
		return nil, fmt.Errorf("msgstore.CompactInto: %w: destination is the source", clusterbox.ErrConfig)
	}
	// Holding pairMu while taking both store locks keeps two calls in
	// opposite directions from each waiting on the other.
	pairMu.Lock()
	store.mu.Lock()
	dst.mu.Lock()
	pairMu.Unlock()
	defer store.mu.Unlock()
	defer dst.mu.Unlock()

	if err := errors.Join(store.open(), dst.open()); err != nil {
		return nil, fmt.Errorf("msgstore.CompactInto: %w", err)
	}
	moved, err := store.compact(dst.msg, dst.cache, store.msg, store.cache, refs)
	if err != nil {
		return moved, fmt.Errorf("msgstore.CompactInto: %w", err)
	}
	return moved, nil
}

// Defragment moves messages towards the start of the store, in the order
// of refs, and returns their new refs. On error the returned refs replace
// the leading refs processed so far; the rest are unchanged.
func (store *Store) Defragment(refs []Ref) ([]Ref, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return nil, fmt.Errorf("msgstore.Defragment: %w", err)
	}
	moved, err := store.compact(store.msg, store.cache, nil, nil, refs)
	if err != nil {
		return moved, fmt.Errorf("msgstore.Defragment: %w", err)
	}
	if err = store.both((*cluster.Storage).Trim); err != nil {
		return moved, fmt.Errorf("msgstore.Defragment: %w", err)
	}
	return moved, nil
}

func (store *Store) compact(msg, cache, srcMsg, srcCache *cluster.Storage, refs []Ref) ([]Ref, error) {
	moved := make([]Ref, 0, len(refs))
	for i, ref := range refs {
		if _, err := store.loadCache(ref); err != nil {
			return moved, fmt.Errorf("ref %d: %w", i, err)
		}
		next := ref
		cacheOffset, err := cache.Compact(ref.Cache, ref.CacheLength, srcCache)
		if err != nil {
			return moved, fmt.Errorf("ref %d: %w", i, err)
		}
		next.Cache = cacheOffset
		extent := ref.messageExtent()
		if next.Offset, err = msg.Compact(extent.Offset, extent.Length, srcMsg); err != nil {
			if srcMsg == nil {
				// The cache record has already moved.
				next.Offset = ref.Offset
				moved = append(moved, next)
			} else if ferr := cache.Free(cacheOffset, ref.CacheLength); ferr != nil {
				store.log.Error("cache record leaked", "offset", cacheOffset, "err", ferr)
			}
			return moved, fmt.Errorf("ref %d: %w", i, err)
		}
		moved = append(moved, next)
	}
	store.log.Info("messages compacted", "count", len(moved), "in_place", srcMsg == nil)
	return moved, nil
}

// Rewrite copies the messages of refs into a fresh store and replaces the
// files of store with it. Until the swap begins the old store stays intact;
// a failed copy leaves it untouched. On success the store is open on the new
// files and the new refs are returned.
//
// Once the swap has begun it only rolls forward. If it fails, Rewrite returns
// the new refs together with the error and leaves the store closed; the next
// Open of the directory completes the swap.
func (store *Store) Rewrite(refs []Ref) ([]Ref, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return nil, fmt.Errorf("msgstore.Rewrite: %w", err)
	}
	if store.cfg.ReadOnly {
		return nil, fmt.Errorf("msgstore.Rewrite: %w", clusterbox.ErrReadOnly)
	}

	tmpDir := filepath.Join(store.cfg.Dir, compactDir)
	if _, err := os.Stat(filepath.Join(tmpDir, swapList)); err == nil {
		return nil, fmt.Errorf("msgstore.Rewrite: %w: unfinished swap in %s", clusterbox.ErrCorrupted, tmpDir)
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("msgstore.Rewrite: %w: %w", clusterbox.ErrIO, err)
	}

	moved, err := store.rewrite(tmpDir, refs)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("msgstore.Rewrite: %w", err)
	}

	if err = store.close(); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("msgstore.Rewrite: %w", err)
	}
	if err = beginSwap(tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		store.msg, store.cache, _ = openStorages(&store.cfg)
		return nil, fmt.Errorf("msgstore.Rewrite: %w", err)
	}
	if err = finishSwap(&store.cfg); err != nil {
		store.log.Error("swap interrupted, reopen the store to finish it", "err", err)
		return moved, fmt.Errorf("msgstore.Rewrite: %w", err)
	}

	if store.msg, store.cache, err = openStorages(&store.cfg); err != nil {
		return moved, fmt.Errorf("msgstore.Rewrite: reopen: %w", err)
	}
	store.log.Info("store rewritten", "messages", len(moved))
	return moved, nil
}

// rewrite copies the messages of refs into a new store in tmpDir.
func (store *Store) rewrite(tmpDir string, refs []Ref) ([]Ref, error) {
	cfg := store.cfg
	cfg.Dir = tmpDir
	msg, cache, err := openStorages(&cfg)
	if err != nil {
		return nil, err
	}
	moved, err := store.compact(msg, cache, store.msg, store.cache, refs)
	if err = errors.Join(err, msg.Close(), cache.Close()); err != nil {
		return nil, err
	}
	return moved, nil
}

// beginSwap records the files of the complete store in tmpDir. From then on
// the new generation is the valid one.
func beginSwap(tmpDir string) error {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	data := []byte(strings.Join(names, "\n") + "\n")
	if err = osfile.WriteFile(filepath.Join(tmpDir, swapList), data, 0o600); err != nil {
		return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
	}
	return nil
}

// finishSwap moves a recorded new generation over the files of the store in
// cfg.Dir. Each file replaces its counterpart by rename; data file parts the
// new generation does not have are removed only after every rename. It does
// nothing when no swap is recorded and may run again after a failure.
func finishSwap(cfg *Config) error {
	tmpDir := filepath.Join(cfg.Dir, compactDir)
	data, err := os.ReadFile(filepath.Join(tmpDir, swapList))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
	}
	if cfg.ReadOnly {
		return fmt.Errorf("%w: unfinished swap in %s", clusterbox.ErrReadOnly, tmpDir)
	}

	names := strings.Fields(string(data))
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		keep[name] = true
		from := filepath.Join(tmpDir, name)
		if _, err = os.Lstat(from); errors.Is(err, fs.ErrNotExist) {
			continue // moved by an earlier attempt
		}
		if err = rename(from, filepath.Join(cfg.Dir, name)); err != nil {
			return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
		}
	}
	if err = osfile.SyncDir(cfg.Dir); err != nil {
		return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
	}

	for _, name := range []string{MessageName, CacheName} {
		init := cfg.init(name)
		if err = init.Validate(); err != nil {
			return err
		}
		for _, path := range dataFiles(init) {
			if keep[filepath.Base(path)] {
				continue
			}
			if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
			}
		}
	}

	if err = os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
	}
	if err = osfile.SyncDir(cfg.Dir); err != nil {
		return fmt.Errorf("%w: %w", clusterbox.ErrIO, err)
	}
	return nil
}

// dataFiles lists the existing data files of a storage.
func dataFiles(init cluster.Init) []string {
	if init.PartSize == 0 {
		return []string{init.BoxPath()}
	}
	var paths []string
	for n := 0; ; n++ {
		path := divided.PartPath(init.BoxPath(), n)
		if _, err := os.Stat(path); err != nil {
			return paths
		}
		paths = append(paths, path)
	}
}

// FreeUnused releases every cluster of both storages that no ref uses and
// trims the storages.
func (store *Store) FreeUnused(refs []Ref) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return fmt.Errorf("msgstore.FreeUnused: %w", err)
	}

	messages := make([]clusterbox.Extent, len(refs))
	records := make([]clusterbox.Extent, len(refs))
	for i, ref := range refs {
		messages[i] = ref.messageExtent()
		records[i] = ref.cacheExtent()
	}

	err := errors.Join(store.msg.FreeUnused(messages), store.cache.FreeUnused(records))
	if err != nil {
		return fmt.Errorf("msgstore.FreeUnused: %w", err)
	}
	return nil
}
