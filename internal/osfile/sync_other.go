//go:build !linux && !darwin && !windows

package osfile

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
