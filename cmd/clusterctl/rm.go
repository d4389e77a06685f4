package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := newRmCmd()
	rootCmd.AddCommand(cmd)
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Remove messages",
		Long: `Rm removes the messages with the given ids. Ids of the remaining
messages shift down.

Example:
  clusterctl -d store rm 0 4`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRm(args)
		},
	}
}

func runRm(args []string) error {
	store, index, err := openStore(storeDir, false)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := parseIDs(args, len(index.Refs))
	if err != nil {
		return err
	}

	// The index is written first: a crash afterwards leaves unreferenced
	// clusters, which gc reclaims.
	kept, removed := removeIDs(index.Refs, ids)
	index.Refs = kept
	if err = index.Save(indexPath(storeDir)); err != nil {
		return err
	}

	var errs []error
	for _, ref := range removed {
		if ferr := store.Free(ref); ferr != nil {
			logger.Warn("free failed", "offset", ref.Offset, "err", ferr)
			errs = append(errs, ferr)
		}
	}
	errs = append(errs, store.Flush())
	if err = errors.Join(errs...); err != nil {
		return fmt.Errorf("%w (run gc to reclaim the space)", err)
	}
	printInfo("Removed %d messages\n", len(removed))
	return nil
}
