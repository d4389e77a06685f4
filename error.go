package clusterbox

import "errors"

// Error kinds reported by the storage engine. Operations wrap one of these
// together with the underlying cause, so both can be tested with errors.Is.
var (
	ErrConfig     = errors.New("invalid configuration")
	ErrIO         = errors.New("i/o error")
	ErrOutOfSpace = errors.New("out of space")
	ErrCorrupted  = errors.New("storage corrupted")
	ErrClosed     = errors.New("closed")
	ErrReadOnly   = errors.New("read-only")
)
