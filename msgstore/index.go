package msgstore

import (
	"fmt"

	"github.com/dacapoday/clusterbox"
	"github.com/dacapoday/clusterbox/internal/osfile"
	"gopkg.in/yaml.v3"
)

// IndexFile is the conventional name of the index inside a store directory.
const IndexFile = "index.yaml"

// Index is a persisted list of live messages, together with the block
// sizes the store was created with.
type Index struct {
	BlockSize      int   `yaml:"block_size"`
	CacheBlockSize int   `yaml:"cache_block_size"`
	PartSize       int64 `yaml:"part_size,omitempty"`
	Refs           []Ref `yaml:"refs"`
}

// LoadIndex reads the index at path. A missing file yields an empty index.
func LoadIndex(path string) (*Index, error) {
	data, err := osfile.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("msgstore.LoadIndex: %w: %w", clusterbox.ErrIO, err)
	}
	index := new(Index)
	if err = yaml.Unmarshal(data, index); err != nil {
		return nil, fmt.Errorf("msgstore.LoadIndex: %w: %w", clusterbox.ErrCorrupted, err)
	}
	return index, nil
}

// Save replaces the index at path.
func (index *Index) Save(path string) error {
	data, err := yaml.Marshal(index)
	if err != nil {
		return fmt.Errorf("msgstore.Index.Save: %w", err)
	}
	if err = osfile.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("msgstore.Index.Save: %w: %w", clusterbox.ErrIO, err)
	}
	return nil
}

// Config returns a store configuration for dir using the block sizes of
// the index, or the defaults when the index has none yet.
func (index *Index) Config(dir string) Config {
	return Config{
		Dir:            dir,
		BlockSize:      index.BlockSize,
		CacheBlockSize: index.CacheBlockSize,
		PartSize:       index.PartSize,
	}
}
