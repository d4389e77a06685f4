// Package msgstore keeps raw RFC 5322 messages in a pair of cluster
// storages: "msg" holds the messages and "cache" holds a small record of
// selected header fields for each message, so that listings do not need to
// read whole messages.
//
// The store does not index its content. Callers keep the Ref returned by
// Save for every live message; an Index is provided to persist that list.
package msgstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dacapoday/clusterbox"
	"github.com/dacapoday/clusterbox/cluster"
	"golang.org/x/sync/errgroup"
)

const (
	MessageName = "msg"
	CacheName   = "cache"

	DefaultBlockSize      = 128
	DefaultCacheBlockSize = 64
)

// Config describes a message store directory.
type Config struct {
	Dir            string
	BlockSize      int   // cluster size of the message storage
	CacheBlockSize int   // cluster size of the cache storage
	PartSize       int64 // split the message data file into parts of this size, 0 for one file
	ReadOnly       bool
	Logger         *slog.Logger
}

func (cfg *Config) init(name string) cluster.Init {
	init := cluster.Init{
		Path:      cfg.Dir,
		Name:      name,
		BlockSize: cfg.BlockSize,
		PartSize:  cfg.PartSize,
		ReadOnly:  cfg.ReadOnly,
		Logger:    cfg.Logger,
	}
	if name == CacheName {
		init.BlockSize = cfg.CacheBlockSize
		init.PartSize = 0
	}
	return init
}

// Store is a message store. It is safe for concurrent use; all calls are
// serialized by one lock.
type Store struct {
	mu    sync.Mutex
	cfg   Config
	log   *slog.Logger
	msg   *cluster.Storage
	cache *cluster.Storage
}

// Open opens the message store in cfg.Dir, creating it when missing. A
// rewrite whose swap was interrupted is completed first.
func Open(cfg Config) (*Store, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.CacheBlockSize == 0 {
		cfg.CacheBlockSize = DefaultCacheBlockSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if err := finishSwap(&cfg); err != nil {
		return nil, fmt.Errorf("msgstore.Open: finish rewrite: %w", err)
	}
	msg, cache, err := openStorages(&cfg)
	if err != nil {
		return nil, fmt.Errorf("msgstore.Open: %w", err)
	}
	return newStore(cfg, msg, cache), nil
}

func openStorages(cfg *Config) (msg, cache *cluster.Storage, err error) {
	if msg, err = cluster.Open(cfg.init(MessageName)); err != nil {
		return nil, nil, err
	}
	if cache, err = cluster.Open(cfg.init(CacheName)); err != nil {
		msg.Close()
		return nil, nil, err
	}
	return msg, cache, nil
}

func newStore(cfg Config, msg, cache *cluster.Storage) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		cfg:   cfg,
		log:   cfg.Logger.With("dir", cfg.Dir),
		msg:   msg,
		cache: cache,
	}
}

// Dir returns the directory of the store.
func (store *Store) Dir() string {
	return store.cfg.Dir
}

func (store *Store) open() error {
	if store.msg == nil {
		return clusterbox.ErrClosed
	}
	return nil
}

// Flush flushes both storages.
func (store *Store) Flush() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return fmt.Errorf("msgstore.Flush: %w", err)
	}
	return store.both((*cluster.Storage).Flush)
}

// Close flushes and closes both storages. Closing a closed store does nothing.
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.close()
}

func (store *Store) close() error {
	if store.msg == nil {
		return nil
	}
	err := store.both((*cluster.Storage).Close)
	store.msg, store.cache = nil, nil
	return err
}

// both runs fn on the two storages concurrently.
func (store *Store) both(fn func(*cluster.Storage) error) error {
	var g errgroup.Group
	g.Go(func() error { return fn(store.msg) })
	g.Go(func() error { return fn(store.cache) })
	return g.Wait()
}

// Stats reports the occupancy of both storages.
type Stats struct {
	Messages cluster.Stats `json:"messages" yaml:"messages"`
	Cache    cluster.Stats `json:"cache" yaml:"cache"`
}

func (store *Store) Stats() (stats Stats, err error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err = store.open(); err != nil {
		return stats, fmt.Errorf("msgstore.Stats: %w", err)
	}
	if stats.Messages, err = store.msg.Stats(); err != nil {
		return
	}
	stats.Cache, err = store.cache.Stats()
	return
}

// Check checks both storages and verifies that every ref points at data
// in use.
func (store *Store) Check(refs []Ref) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return fmt.Errorf("msgstore.Check: %w", err)
	}
	err := store.both((*cluster.Storage).Check)
	for i, ref := range refs {
		if cerr := store.checkRef(ref); cerr != nil {
			err = errors.Join(err, fmt.Errorf("ref %d: %w", i, cerr))
		}
	}
	if err != nil {
		return fmt.Errorf("msgstore.Check: %w", err)
	}
	return nil
}
