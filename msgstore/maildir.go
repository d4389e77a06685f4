package msgstore

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-maildir"
)

// ImportMaildir saves every message of the Maildir at path, ordered by key,
// and returns their refs. Messages in new/ are moved to cur/ first, as a
// mail reader does when it sees them.
//
// On error the refs of the messages saved so far are returned with it.
func (store *Store) ImportMaildir(path string) ([]Ref, error) {
	dir := maildir.Dir(path)
	if _, err := dir.Unseen(); err != nil {
		return nil, fmt.Errorf("msgstore.ImportMaildir: %w", err)
	}
	messages, err := dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("msgstore.ImportMaildir: %w", err)
	}
	slices.SortFunc(messages, func(a, b *maildir.Message) int {
		return strings.Compare(a.Key(), b.Key())
	})

	refs := make([]Ref, 0, len(messages))
	for _, msg := range messages {
		raw, err := readMessage(msg)
		if err != nil {
			return refs, fmt.Errorf("msgstore.ImportMaildir: %s: %w", msg.Key(), err)
		}
		ref, err := store.Save(raw)
		if err != nil {
			return refs, fmt.Errorf("msgstore.ImportMaildir: %s: %w", msg.Key(), err)
		}
		refs = append(refs, ref)
	}

	store.log.Info("maildir imported", "path", path, "messages", len(refs))
	return refs, nil
}

func readMessage(msg *maildir.Message) ([]byte, error) {
	rc, err := msg.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
