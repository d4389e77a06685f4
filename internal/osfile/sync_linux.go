//go:build linux

package osfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// datasync skips the inode metadata flush unless the file size changed.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
