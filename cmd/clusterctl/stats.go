package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dacapoday/clusterbox/cluster"
	"github.com/spf13/cobra"
)

func init() {
	cmd := newStatsCmd()
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage occupancy",
		Long: `Stats prints the occupancy of the message and cache storages.

Example:
  clusterctl -d store stats
  clusterctl -d store stats --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
}

func runStats() error {
	store, index, err := openStore(storeDir, true)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(os.Stdout, map[string]any{
			"dir":      storeDir,
			"indexed":  len(index.Refs),
			"messages": stats.Messages,
			"cache":    stats.Cache,
		})
	}

	fmt.Printf("Store:    %s\n", storeDir)
	fmt.Printf("Indexed:  %d messages\n\n", len(index.Refs))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "\tBLOCK\tCLUSTERS\tUSED\tFREE\tRUNS\tLARGEST\tBYTES\tFRAG\t")
	printStatsRow(w, "msg", stats.Messages)
	printStatsRow(w, "cache", stats.Cache)
	return w.Flush()
}

func printStatsRow(w *tabwriter.Writer, name string, s cluster.Stats) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f%%\t\n",
		name, s.BlockSize, s.Clusters, s.Used, s.Free, s.FreeRuns, s.LargestFree, s.FileSize, s.Fragmented*100)
}
