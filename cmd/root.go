package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cwbudde/gppshc/internal/config"
	"github.com/cwbudde/gppshc/internal/store"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "gppshc",
	Short: "Hill climbing over single-cell phylogenies under the Dollo-k model",
	Long: `gppshc refines a mutation tree built from an ILP solution by repeatedly
pruning and reattaching subtrees, keeping the tree that best explains noisy
single-cell mutation calls.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: use debug, info, warn or error", logLevel)
		}
		handler, err := logHandler(logFormat, os.Stderr, &slog.HandlerOptions{Level: level})
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(handler))
		return nil
	},
}

// logHandler picks the slog handler for --log-format. "auto" writes text to
// a terminal and JSON otherwise.
func logHandler(format string, f *os.File, opts *slog.HandlerOptions) (slog.Handler, error) {
	if format == "auto" {
		format = "json"
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			format = "text"
		}
	}
	switch format {
	case "json":
		return slog.NewJSONHandler(f, opts), nil
	case "text":
		return slog.NewTextHandler(f, opts), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q: use json, text or auto", format)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Minimum level of the logs on stderr")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json, text or auto")
}

// sqliteFile is the database name inside a checkpoint directory.
const sqliteFile = "checkpoints.db"

// openStore opens the checkpoint backend rooted at dir. The returned close
// function is safe to call for every backend.
func openStore(backend, dir string) (store.Store, func(), error) {
	switch backend {
	case config.StoreFS, "":
		s, err := store.NewFSStore(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
		return s, func() {}, nil
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(filepath.Join(dir, sqliteFile))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint database: %w", err)
		}
		return s, func() { closeQuietly(s) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
