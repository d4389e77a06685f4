//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || windows)

package osfile

import (
	"errors"
	"os"
	"syscall"
)

// Advisory locks are not available; a second process is not detected.
func lock(f *os.File, exclusive bool) error { return nil }

func unlock(f *os.File) error { return nil }

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
