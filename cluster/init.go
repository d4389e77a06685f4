// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dacapoday/clusterbox"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultBoxExt    = ".box"
	DefaultMapExt    = ".map"
	DefaultBlockSize = 128

	minBlockSize = 16
	maxBlockSize = 1 << 20
)

// Init describes where a store lives and how its data file is laid out.
// BlockSize is fixed for the life of a store; reopening a store with a
// different block size misreads it.
type Init struct {
	Path      string // base directory
	Name      string // store name, the file name without extension
	BoxExt    string // data file extension, DefaultBoxExt when empty
	MapExt    string // map file extension, DefaultMapExt when empty
	BlockSize int    // cluster size in bytes, DefaultBlockSize when zero

	// PartSize, when positive, divides the data file into numbered part
	// files of this many bytes. It must be a multiple of BlockSize.
	PartSize int64

	ReadOnly bool
	Logger   *slog.Logger
}

// BoxPath returns the path of the data file.
func (init *Init) BoxPath() string {
	return filepath.Join(init.Path, init.Name+init.BoxExt)
}

// MapPath returns the path of the map file.
func (init *Init) MapPath() string {
	return filepath.Join(init.Path, init.Name+init.MapExt)
}

// Validate fills in defaults, normalizes the store name to NFC and checks
// every field. Errors wrap clusterbox.ErrConfig.
func (init *Init) Validate() error {
	if init.Path == "" {
		return configError("empty path")
	}

	init.Name = norm.NFC.String(init.Name)
	if err := checkName("name", init.Name); err != nil {
		return err
	}

	if init.BoxExt == "" {
		init.BoxExt = DefaultBoxExt
	}
	if init.MapExt == "" {
		init.MapExt = DefaultMapExt
	}
	if err := checkName("box extension", init.BoxExt); err != nil {
		return err
	}
	if err := checkName("map extension", init.MapExt); err != nil {
		return err
	}
	if init.BoxExt == init.MapExt {
		return configError("box and map extensions are both %q", init.BoxExt)
	}

	return init.validateLayout()
}

func (init *Init) validateLayout() error {
	if init.BlockSize == 0 {
		init.BlockSize = DefaultBlockSize
	}
	size := init.BlockSize
	if size < minBlockSize || size > maxBlockSize || size&(size-1) != 0 {
		return fmt.Errorf("%w: block size %d is not a power of two in [%d, %d]",
			clusterbox.ErrConfig, size, minBlockSize, maxBlockSize)
	}
	if init.PartSize < 0 || init.PartSize%int64(size) != 0 {
		return configError("part size %d is not a multiple of block size %d", init.PartSize, size)
	}
	return nil
}

func checkName(what, name string) error {
	switch {
	case name == "":
		return configError("empty %s", what)
	case name == "." || name == "..":
		return configError("%s %q", what, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, filepath.Separator):
		return configError("%s %q contains a path separator", what, name)
	case strings.IndexByte(name, 0) >= 0:
		return configError("%s %q contains NUL", what, name)
	}
	return nil
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", clusterbox.ErrConfig, fmt.Sprintf(format, args...))
}
