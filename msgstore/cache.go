package msgstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dacapoday/clusterbox"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// cachedFields are the header fields copied into a cache record.
var cachedFields = []string{"Date", "From", "To", "Subject", "Message-Id"}

const sizeField = "X-Clusterbox-Size"

// CacheEntry is the decoded cache record of a message.
type CacheEntry struct {
	Date      time.Time
	From      []*mail.Address
	To        []*mail.Address
	Subject   string
	MessageID string
	Size      int64
}

// A cache record is a little-endian uint32 length followed by a header
// block holding cachedFields and the message size.
func encodeCache(log *slog.Logger, header []byte, size int64) []byte {
	var cached textproto.Header

	r := io.MultiReader(bytes.NewReader(header), strings.NewReader("\r\n"))
	h, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		log.Warn("unparsable message header", "err", err)
	} else {
		for _, key := range cachedFields {
			if v := h.Get(key); v != "" {
				cached.Set(key, v)
			}
		}
	}
	cached.Set(sizeField, strconv.FormatInt(size, 10))

	var buf bytes.Buffer
	buf.Write(make([]byte, 4))
	// Writing into a bytes.Buffer only fails on invalid field names.
	_ = textproto.WriteHeader(&buf, cached)

	record := buf.Bytes()
	binary.LittleEndian.PutUint32(record, uint32(len(record)-4))
	return record
}

func decodeCache(record []byte) (entry CacheEntry, err error) {
	if len(record) < 4 || int(binary.LittleEndian.Uint32(record)) != len(record)-4 {
		return entry, fmt.Errorf("%w: bad cache record length", clusterbox.ErrCorrupted)
	}
	raw, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(record[4:])))
	if err != nil {
		return entry, fmt.Errorf("%w: cache record: %w", clusterbox.ErrCorrupted, err)
	}

	h := mail.Header{Header: message.Header{Header: raw}}
	if entry.Size, err = strconv.ParseInt(h.Get(sizeField), 10, 64); err != nil {
		return entry, fmt.Errorf("%w: cache record size: %w", clusterbox.ErrCorrupted, err)
	}

	// Malformed fields are kept out of the entry rather than failing it.
	entry.Date, _ = h.Date()
	entry.From, _ = h.AddressList("From")
	entry.To, _ = h.AddressList("To")
	entry.MessageID, _ = h.MessageID()
	if entry.Subject, err = h.Subject(); err != nil {
		entry.Subject = h.Get("Subject")
	}
	return entry, nil
}

func (store *Store) loadCache(ref Ref) ([]byte, error) {
	if ref.CacheLength < 4 {
		return nil, fmt.Errorf("%w: cache record of %d bytes", clusterbox.ErrCorrupted, ref.CacheLength)
	}
	record := make([]byte, ref.CacheLength)
	n, err := store.cache.Load(record, ref.Cache)
	if err != nil {
		return nil, err
	}
	if n < len(record) || int64(binary.LittleEndian.Uint32(record)) != ref.CacheLength-4 {
		return nil, fmt.Errorf("%w: no cache record at offset %d", clusterbox.ErrCorrupted, ref.Cache)
	}
	return record, nil
}

// Header returns the cached header fields of ref without reading the message.
func (store *Store) Header(ref Ref) (CacheEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.open(); err != nil {
		return CacheEntry{}, fmt.Errorf("msgstore.Header: %w", err)
	}
	record, err := store.loadCache(ref)
	if err == nil {
		var entry CacheEntry
		if entry, err = decodeCache(record); err == nil {
			return entry, nil
		}
	}
	return CacheEntry{}, fmt.Errorf("msgstore.Header(%d): %w", ref.Cache, err)
}
