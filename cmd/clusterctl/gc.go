package main

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := newGCCmd()
	rootCmd.AddCommand(cmd)
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Reclaim clusters not referenced by the index",
		Long: `Gc rebuilds the allocation maps from the index, releasing every cluster
that no indexed message uses, and truncates the trailing free space.

Example:
  clusterctl -d store gc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC()
		},
	}
}

func runGC() error {
	store, index, err := openStore(storeDir, false)
	if err != nil {
		return err
	}
	defer store.Close()

	before, err := store.Stats()
	if err != nil {
		return err
	}
	if err = store.FreeUnused(index.Refs); err != nil {
		return err
	}
	if err = store.Flush(); err != nil {
		return err
	}
	after, err := store.Stats()
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(os.Stdout, map[string]any{"before": before, "after": after})
	}
	printInfo("Released %d message clusters and %d cache clusters\n",
		before.Messages.Used-after.Messages.Used, before.Cache.Used-after.Cache.Used)
	return nil
}
