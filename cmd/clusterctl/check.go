package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var checkJobs int

func init() {
	cmd := newCheckCmd()
	cmd.Flags().IntVarP(&checkJobs, "jobs", "j", 4, "Stores checked concurrently")
	rootCmd.AddCommand(cmd)
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [dir]...",
		Short: "Verify stores against their index",
		Long: `Check verifies the allocation maps of each store and that every message
of its index lies in allocated clusters and is framed correctly. Without
arguments the store given by --dir is checked.

Example:
  clusterctl check /var/mail/*/store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{storeDir}
			}
			return runCheck(args)
		},
	}
}

type checkResult struct {
	Dir      string `json:"dir"`
	Messages int    `json:"messages"`
	Error    string `json:"error,omitempty"`
}

func runCheck(dirs []string) error {
	results := make([]checkResult, len(dirs))

	var g errgroup.Group
	g.SetLimit(max(checkJobs, 1))
	for i, dir := range dirs {
		g.Go(func() error {
			results[i] = checkStore(dir)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}

	if jsonOut {
		if err := printJSON(os.Stdout, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				fmt.Printf("%s: FAILED: %s\n", r.Dir, r.Error)
			} else {
				printInfo("%s: ok (%d messages)\n", r.Dir, r.Messages)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d stores failed the check", failed, len(dirs))
	}
	return nil
}

func checkStore(dir string) checkResult {
	result := checkResult{Dir: dir}
	store, index, err := openStore(dir, true)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer store.Close()

	result.Messages = len(index.Refs)
	if err = store.Check(index.Refs); err != nil {
		logger.Warn("check failed", "dir", dir, "err", err)
		result.Error = err.Error()
	}
	return result
}
