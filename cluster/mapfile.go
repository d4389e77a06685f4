package cluster

import "github.com/dacapoday/clusterbox/internal/osfile"

// MapStore persists the encoded block map.
type MapStore interface {
	// ReadMap returns the stored map, or nil when none was written yet.
	ReadMap() ([]byte, error)
	// WriteMap replaces the stored map. A failed write must leave the
	// previous map intact.
	WriteMap(data []byte) error
}

// MapFile is a MapStore kept in a file at the given path. Writes go to a
// temporary file that is renamed over the old one.
type MapFile string

func (path MapFile) ReadMap() ([]byte, error) {
	return osfile.ReadFile(string(path))
}

func (path MapFile) WriteMap(data []byte) error {
	return osfile.WriteFile(string(path), data, 0o600)
}
