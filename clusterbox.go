// Package clusterbox defines the basic types shared by the cluster storage engine
// and its backends.
//
// A store persists variable-length blobs in a data file partitioned into
// fixed-size clusters. A companion map file records which clusters are in use.
// The engine itself lives in package cluster.
package clusterbox

import "io"

// File provides access to the data file of a store.
// The File interface is the minimum implementation required.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	Sync() error
}

// Extent locates one allocation: the cluster-aligned byte offset returned by
// a save and the exact logical length of the blob stored there.
type Extent struct {
	Offset int64
	Length int64
}

// End returns the first byte past the logical end of the extent.
func (e Extent) End() int64 {
	return e.Offset + e.Length
}
