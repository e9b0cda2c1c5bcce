package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/gppshc/internal/server"
	"github.com/cwbudde/gppshc/internal/store"
)

var (
	serveAddr          string
	serveCheckpointDir string
	serveStore         string
	shutdownTimeout    time.Duration
	submitRate         float64
	submitBurst        int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Long: `Serves the job API. Jobs submitted with POST /api/v1/jobs run in the
background; with --checkpoint-dir their trace, checkpoints and result files
are kept in the checkpoint store.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveCheckpointDir, "checkpoint-dir", "", "Directory for job checkpoints (disabled when empty)")
	serveCmd.Flags().StringVar(&serveStore, "store", "fs", "Checkpoint backend: fs or sqlite")
	serveCmd.Flags().Float64Var(&submitRate, "submit-rate", 0, "Average job submissions admitted per second (0 = unlimited)")
	serveCmd.Flags().IntVar(&submitBurst, "submit-burst", 5, "Submissions admitted at once above --submit-rate")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for jobs to checkpoint on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var st store.Store
	if serveCheckpointDir != "" {
		s, closeStore, err := openStore(serveStore, serveCheckpointDir)
		if err != nil {
			return err
		}
		defer closeStore()
		st = s
	}

	srv := server.NewServer(serveAddr, st)
	srv.LimitSubmissions(submitRate, submitBurst)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("Received signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
