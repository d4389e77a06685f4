package main

import (
	"github.com/dacapoday/clusterbox/msgstore"
	"github.com/spf13/cobra"
)

var compactInPlace bool

func init() {
	cmd := newCompactCmd()
	cmd.Flags().BoolVar(&compactInPlace, "in-place", false, "Move messages inside the existing files instead of rewriting them")
	rootCmd.AddCommand(cmd)
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Pack messages to the start of the store",
		Long: `Compact copies every indexed message into fresh files, in index order,
and replaces the store files with them. With --in-place the messages are
moved towards the start of the existing files instead, and the free tail is
truncated.

Example:
  clusterctl -d store compact
  clusterctl -d store compact --in-place`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact()
		},
	}
}

func runCompact() error {
	store, index, err := openStore(storeDir, false)
	if err != nil {
		return err
	}
	defer store.Close()

	before, err := store.Stats()
	if err != nil {
		return err
	}

	var moved []msgstore.Ref
	if compactInPlace {
		moved, err = store.Defragment(index.Refs)
		// Messages moved before a failure live at their new refs only.
		copy(index.Refs, moved)
	} else {
		moved, err = store.Rewrite(index.Refs)
		if err != nil && moved != nil {
			// The swap began: the new files are the valid ones and the store
			// finishes moving them into place when it is opened next.
			index.Refs = moved
			if ierr := index.Save(indexPath(storeDir)); ierr != nil {
				logger.Error("index not saved after an interrupted rewrite", "err", ierr)
			}
			return err
		}
		if err == nil {
			index.Refs = moved
		}
	}
	if cerr := commit(store, index); cerr != nil {
		logger.Error("index not saved, run gc after fixing the index", "err", cerr)
		if err == nil {
			err = cerr
		}
	}
	if err != nil {
		return err
	}

	after, err := store.Stats()
	if err != nil {
		return err
	}
	printInfo("Compacted %d messages: %d -> %d bytes\n",
		len(moved), before.Messages.FileSize+before.Cache.FileSize, after.Messages.FileSize+after.Cache.FileSize)
	return nil
}
