package main

import (
	"fmt"
	"os"

	"github.com/dacapoday/clusterbox/msgstore"
	"github.com/spf13/cobra"
)

func init() {
	cmd := newImportCmd()
	rootCmd.AddCommand(cmd)
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <maildir|file>...",
		Short: "Import messages",
		Long: `Import stores messages into the store and records them in the index.

A directory argument is read as a maildir: its new messages are imported and
moved to cur. Any other argument is read as one raw message.

Example:
  clusterctl -d store import ~/Maildir
  clusterctl -d store import message.eml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(args)
		},
	}
}

func runImport(args []string) error {
	store, index, err := openStore(storeDir, false)
	if err != nil {
		return err
	}
	defer store.Close()

	imported := 0
	for _, arg := range args {
		refs, ierr := importPath(store, arg)
		index.Refs = append(index.Refs, refs...)
		imported += len(refs)
		if ierr != nil {
			err = fmt.Errorf("import %s: %w", arg, ierr)
			break
		}
	}

	// Messages saved before a failure are kept.
	if cerr := commit(store, index); cerr != nil {
		return cerr
	}
	printInfo("Imported %d messages (%d total)\n", imported, len(index.Refs))
	return err
}

func importPath(store *msgstore.Store, path string) ([]msgstore.Ref, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return store.ImportMaildir(path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ref, err := store.Save(raw)
	if err != nil {
		return nil, err
	}
	logger.Info("message imported", "path", path, "offset", ref.Offset, "length", ref.Length)
	return []msgstore.Ref{ref}, nil
}
