package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dacapoday/clusterbox/msgstore"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath     string
	storeDir       string
	blockSize      int
	cacheBlockSize int
	partSize       int64
	logLevel       string
	logFormat      string
	jsonOut        bool
	quiet          bool

	logger = slog.New(slog.DiscardHandler)
)

var rootCmd = &cobra.Command{
	Use:   "clusterctl",
	Short: "Inspect and maintain cluster message stores",
	Long: `clusterctl manages a message store directory: a pair of cluster
storages holding raw messages and their header cache, plus an index of the
live messages (index.yaml).

Settings come from flags, or from a YAML file given with --config.
Flags given on the command line override the file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applyConfig(cmd); err != nil {
			return err
		}
		var err error
		logger, err = newLogger(os.Stderr, logLevel, logFormat)
		return err
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML settings file")
	flags.StringVarP(&storeDir, "dir", "d", ".", "Message store directory")
	flags.IntVar(&blockSize, "block-size", msgstore.DefaultBlockSize, "Cluster size of a new message storage")
	flags.IntVar(&cacheBlockSize, "cache-block-size", msgstore.DefaultCacheBlockSize, "Cluster size of a new cache storage")
	flags.Int64Var(&partSize, "part-size", 0, "Split a new message data file into parts of this size")
	flags.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	flags.BoolVar(&jsonOut, "json", false, "Output in JSON format")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func indexPath(dir string) string {
	return filepath.Join(dir, msgstore.IndexFile)
}

// openStore opens the store in dir together with its index. A store without
// an index is new and takes its block sizes from the flags.
func openStore(dir string, readOnly bool) (*msgstore.Store, *msgstore.Index, error) {
	index, err := msgstore.LoadIndex(indexPath(dir))
	if err != nil {
		return nil, nil, err
	}
	if index.BlockSize == 0 {
		index.BlockSize = blockSize
		index.CacheBlockSize = cacheBlockSize
		index.PartSize = partSize
	}

	cfg := index.Config(dir)
	cfg.ReadOnly = readOnly
	cfg.Logger = logger
	store, err := msgstore.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("store opened", "dir", dir, "messages", len(index.Refs))
	return store, index, nil
}

// commit makes the store durable and then records the index, so that the
// index never refers to data that is not on disk.
func commit(store *msgstore.Store, index *msgstore.Index) error {
	if err := store.Flush(); err != nil {
		return err
	}
	return index.Save(indexPath(store.Dir()))
}
