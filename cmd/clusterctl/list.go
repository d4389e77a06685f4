package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dacapoday/clusterbox/msgstore"
	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"
)

// listEntry is one line of the list output.
type listEntry struct {
	ID        int          `json:"id"`
	Date      time.Time    `json:"date"`
	From      string       `json:"from"`
	Subject   string       `json:"subject"`
	MessageID string       `json:"message_id,omitempty"`
	Size      int64        `json:"size"`
	Ref       msgstore.Ref `json:"ref"`
}

func init() {
	cmd := newListCmd()
	rootCmd.AddCommand(cmd)
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List messages",
		Long: `List prints the cached header fields of every message in the index.
The message id printed in the first column is used by cat and rm.

Example:
  clusterctl -d store list
  clusterctl -d store list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList()
		},
	}
}

func runList() error {
	store, index, err := openStore(storeDir, true)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := listEntries(store, index.Refs)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(os.Stdout, entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tFROM\tSIZE\tSUBJECT")
	for _, e := range entries {
		date := "-"
		if !e.Date.IsZero() {
			date = e.Date.Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", e.ID, date, e.From, e.Size, e.Subject)
	}
	return w.Flush()
}

func listEntries(store *msgstore.Store, refs []msgstore.Ref) ([]listEntry, error) {
	entries := make([]listEntry, 0, len(refs))
	for i, ref := range refs {
		h, err := store.Header(ref)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		entries = append(entries, listEntry{
			ID:        i,
			Date:      h.Date,
			From:      formatAddresses(h.From),
			Subject:   h.Subject,
			MessageID: h.MessageID,
			Size:      h.Size,
			Ref:       ref,
		})
	}
	return entries, nil
}

func formatAddresses(list []*mail.Address) string {
	names := make([]string, 0, len(list))
	for _, addr := range list {
		if addr.Name != "" {
			names = append(names, addr.Name)
		} else {
			names = append(names, addr.Address)
		}
	}
	return strings.Join(names, ", ")
}
