// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package divided spreads one logical file over numbered part files of a
// fixed size, so that no single file on disk grows past the part size.
//
// For a logical path "dir/msg.box" the parts are "dir/msg000.box",
// "dir/msg001.box" and so on. Every part but the last is exactly the part
// size long.
package divided

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dacapoday/clusterbox"
	"github.com/dacapoday/clusterbox/internal/osfile"
)

// File is a clusterbox.File backed by part files.
type File struct {
	path     string
	partSize int64
	readOnly bool
	parts    []*osfile.File
	size     int64
}

var _ clusterbox.File = (*File)(nil)

// PartPath returns the path of part n of the logical file path.
// The number is inserted before the first dot of the file name.
func PartPath(path string, n int) string {
	dir, name := filepath.Split(path)
	ext := ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name, ext = name[:i], name[i:]
	}
	return filepath.Join(dir, fmt.Sprintf("%s%03d%s", name, n, ext))
}

// Open opens every existing part of path. A writable file with no parts gets
// an empty part 0; a read-only one fails with fs.ErrNotExist.
func Open(path string, partSize int64, readOnly bool) (file *File, err error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("divided.Open: invalid part size %d", partSize)
	}

	file = &File{path: path, partSize: partSize, readOnly: readOnly}
	defer func() {
		if err != nil {
			file.Close()
			file = nil
		}
	}()

	for n := 0; ; n++ {
		part := PartPath(path, n)
		if _, err = os.Stat(part); errors.Is(err, fs.ErrNotExist) {
			err = nil
			break
		} else if err != nil {
			return
		}
		if err = file.open(n); err != nil {
			return
		}
	}

	if len(file.parts) == 0 {
		if readOnly {
			err = &fs.PathError{Op: "open", Path: PartPath(path, 0), Err: fs.ErrNotExist}
			return
		}
		if err = file.open(0); err != nil {
			return
		}
	}

	last := len(file.parts) - 1
	size, err := file.parts[last].Size()
	if err != nil {
		return
	}
	file.size = int64(last)*partSize + size
	return
}

// Size returns the logical size of the file.
func (file *File) Size() int64 {
	return file.size
}

// Parts returns the number of part files currently in use.
func (file *File) Parts() int {
	return len(file.parts)
}

func (file *File) open(n int) error {
	f, err := osfile.Open(PartPath(file.path, n), file.readOnly)
	if err != nil {
		return err
	}
	file.parts = append(file.parts, f)
	return nil
}

// part returns part n, creating the parts up to it. Parts before n are
// extended to the full part size.
func (file *File) part(n int) (*osfile.File, error) {
	for len(file.parts) <= n {
		last := len(file.parts) - 1
		if err := file.parts[last].Truncate(file.partSize); err != nil {
			return nil, err
		}
		if err := file.open(last + 1); err != nil {
			return nil, err
		}
	}
	return file.parts[n], nil
}

// ReadAt implements io.ReaderAt.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	for len(p) > 0 {
		idx := int(off / file.partSize)
		if idx >= len(file.parts) {
			return n, io.EOF
		}
		within := off % file.partSize
		chunk := min(int64(len(p)), file.partSize-within)

		c, err := file.parts[idx].ReadAt(p[:chunk], within)
		n += c
		if err != nil {
			return n, err
		}
		p = p[c:]
		off += int64(c)
	}
	return
}

// WriteAt implements io.WriterAt.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	for len(p) > 0 {
		idx := int(off / file.partSize)
		within := off % file.partSize
		chunk := min(int64(len(p)), file.partSize-within)

		f, err := file.part(idx)
		if err != nil {
			return n, err
		}
		c, err := f.WriteAt(p[:chunk], within)
		n += c
		off += int64(c)
		file.size = max(file.size, off)
		if err != nil {
			return n, err
		}
		p = p[c:]
	}
	return
}

// Truncate resizes the logical file, removing parts that fall past the end.
func (file *File) Truncate(size int64) error {
	last := 0
	if size > 0 {
		last = int((size - 1) / file.partSize)
	}

	f, err := file.part(last)
	if err != nil {
		return err
	}
	if err = f.Truncate(size - int64(last)*file.partSize); err != nil {
		return err
	}

	for n := len(file.parts) - 1; n > last; n-- {
		file.parts[n].Close()
		if err = os.Remove(PartPath(file.path, n)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	file.parts = file.parts[:last+1]
	file.size = size
	return nil
}

// Sync syncs every part.
func (file *File) Sync() (err error) {
	for _, f := range file.parts {
		err = errors.Join(err, f.Sync())
	}
	return
}

// Close closes every part.
func (file *File) Close() (err error) {
	for _, f := range file.parts {
		err = errors.Join(err, f.Close())
	}
	file.parts = nil
	return
}
