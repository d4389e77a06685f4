package msgstore

import (
	"bytes"
	"fmt"

	"github.com/dacapoday/clusterbox"
)

// Every message is framed by mbox-like separators so that a damaged data
// file can still be split into messages by scanning it.
var (
	usedSeparator   = []byte("\n\nFrom -\n")
	unusedSeparator = []byte("\n\nFrom *\n")
)

const separatorSize = 9

// Ref locates a saved message.
type Ref struct {
	Offset       int64 `yaml:"offset" json:"offset"`               // message record in the msg storage
	Length       int64 `yaml:"length" json:"length"`               // raw message length
	HeaderLength int64 `yaml:"header_length" json:"header_length"` // header length, blank line excluded
	Cache        int64 `yaml:"cache" json:"cache"`                 // cache record in the cache storage
	CacheLength  int64 `yaml:"cache_length" json:"cache_length"`
}

func (ref Ref) messageExtent() clusterbox.Extent {
	return clusterbox.Extent{Offset: ref.Offset, Length: ref.Length + 2*separatorSize}
}

func (ref Ref) cacheExtent() clusterbox.Extent {
	return clusterbox.Extent{Offset: ref.Cache, Length: ref.CacheLength}
}

// splitHeader splits raw at the first empty line. The header keeps the line
// break of its last field; sep is the empty line itself.
func splitHeader(raw []byte) (header, sep, body []byte) {
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf+2], raw[crlf+2 : crlf+4], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf+1], raw[lf+1 : lf+2], raw[lf+2:]
	}
	return raw, nil, nil
}

// Save stores raw and a cache record of its header fields.
func (store *Store) Save(raw []byte) (ref Ref, err error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err = store.open(); err != nil {
		return ref, fmt.Errorf("msgstore.Save: %w", err)
	}
	if ref, err = store.save(raw); err != nil {
		return ref, fmt.Errorf("msgstore.Save: %w", err)
	}
	return
}

func (store *Store) save(raw []byte) (ref Ref, err error) {
	header, sep, body := splitHeader(raw)
	record := encodeCache(store.log, header, int64(len(raw)))

	ref.Length = int64(len(raw))
	ref.HeaderLength = int64(len(header))
	ref.CacheLength = int64(len(record))

	if ref.Offset, err = store.msg.Save(usedSeparator, header, sep, body, unusedSeparator); err != nil {
		return Ref{}, err
	}
	if ref.Cache, err = store.cache.Save(record); err != nil {
		if ferr := store.msg.Free(ref.Offset, ref.messageExtent().Length); ferr != nil {
			store.log.Error("message leaked", "offset", ref.Offset, "err", ferr)
		}
		return Ref{}, err
	}

	store.log.Debug("message saved", "offset", ref.Offset, "length", ref.Length, "cache", ref.Cache)
	return ref, nil
}

// Load returns the raw message of ref.
func (store *Store) Load(ref Ref) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return nil, fmt.Errorf("msgstore.Load: %w", err)
	}
	raw, err := store.load(ref)
	if err != nil {
		return nil, fmt.Errorf("msgstore.Load(%d): %w", ref.Offset, err)
	}
	return raw, nil
}

func (store *Store) load(ref Ref) ([]byte, error) {
	if ref.Length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", clusterbox.ErrCorrupted, ref.Length)
	}
	buf := make([]byte, separatorSize+ref.Length)
	n, err := store.msg.Load(buf, ref.Offset)
	if err != nil {
		return nil, err
	}
	if n < len(buf) || !bytes.Equal(buf[:separatorSize], usedSeparator) {
		return nil, fmt.Errorf("%w: no message at offset %d", clusterbox.ErrCorrupted, ref.Offset)
	}
	return buf[separatorSize:], nil
}

// Free releases the message and cache record of ref.
func (store *Store) Free(ref Ref) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return fmt.Errorf("msgstore.Free: %w", err)
	}
	// Both records are checked first so that Free releases both or neither.
	if _, err := store.loadCache(ref); err != nil {
		return fmt.Errorf("msgstore.Free(%d): %w", ref.Offset, err)
	}
	if err := store.msg.Allocated(ref.Offset, ref.messageExtent().Length); err != nil {
		return fmt.Errorf("msgstore.Free(%d): %w", ref.Offset, err)
	}
	if err := store.cache.Free(ref.Cache, ref.CacheLength); err != nil {
		return fmt.Errorf("msgstore.Free(%d): %w", ref.Offset, err)
	}
	if err := store.msg.Free(ref.Offset, ref.messageExtent().Length); err != nil {
		return fmt.Errorf("msgstore.Free(%d): %w", ref.Offset, err)
	}
	return nil
}

// checkRef verifies that both records of ref are in place and lie in used
// clusters.
func (store *Store) checkRef(ref Ref) error {
	if _, err := store.load(ref); err != nil {
		return err
	}
	_, err := store.loadCache(ref)
	return err
}
