package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig is the layout of the --config file.
//
//	dir: /var/mail/alice
//	block_size: 256
//	cache_block_size: 64
//	log:
//	  level: info
//	  format: json
type fileConfig struct {
	Dir            string `yaml:"dir"`
	BlockSize      int    `yaml:"block_size"`
	CacheBlockSize int    `yaml:"cache_block_size"`
	PartSize       int64  `yaml:"part_size"`
	Log            struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := new(fileConfig)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig fills the global flags that were not set on the command line
// from the --config file.
func applyConfig(cmd *cobra.Command) error {
	if configPath == "" {
		return nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if !flags.Changed(name) {
			apply()
		}
	}
	if cfg.Dir != "" {
		set("dir", func() { storeDir = cfg.Dir })
	}
	if cfg.BlockSize != 0 {
		set("block-size", func() { blockSize = cfg.BlockSize })
	}
	if cfg.CacheBlockSize != 0 {
		set("cache-block-size", func() { cacheBlockSize = cfg.CacheBlockSize })
	}
	if cfg.PartSize != 0 {
		set("part-size", func() { partSize = cfg.PartSize })
	}
	if cfg.Log.Level != "" {
		set("log-level", func() { logLevel = cfg.Log.Level })
	}
	if cfg.Log.Format != "" {
		set("log-format", func() { logFormat = cfg.Log.Format })
	}
	return nil
}
