package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	date      = "unknown"
)

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"commit":  gitCommit,
					"date":    date,
					"go":      runtime.Version(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clusterctl %s (commit %s, built %s, %s)\n", version, gitCommit, date, runtime.Version())
			return nil
		},
	})
}
