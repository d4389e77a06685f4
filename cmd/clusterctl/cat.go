package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dacapoday/clusterbox/msgstore"
	"github.com/spf13/cobra"
)

func init() {
	cmd := newCatCmd()
	rootCmd.AddCommand(cmd)
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <id>...",
		Short: "Print raw messages",
		Long: `Cat writes the raw messages with the given ids to standard output.

Example:
  clusterctl -d store cat 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCat(args)
		},
	}
}

func runCat(args []string) error {
	store, index, err := openStore(storeDir, true)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := parseIDs(args, len(index.Refs))
	if err != nil {
		return err
	}
	for _, id := range ids {
		raw, err := store.Load(index.Refs[id])
		if err != nil {
			return fmt.Errorf("message %d: %w", id, err)
		}
		if _, err = os.Stdout.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

// parseIDs parses message ids, which index the refs of the index.
func parseIDs(args []string, n int) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q", arg)
		}
		if id < 0 || id >= n {
			return nil, fmt.Errorf("message id %d out of range [0, %d)", id, n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func removeIDs(refs []msgstore.Ref, ids []int) (kept, removed []msgstore.Ref) {
	drop := make(map[int]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for i, ref := range refs {
		if drop[i] {
			removed = append(removed, ref)
		} else {
			kept = append(kept, ref)
		}
	}
	return
}
