package main

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/gppshc/internal/store"
)

var (
	checkpointDataDir string
	checkpointBackend string
	retention         retentionPolicy
	olderThanDays     int
	assumeYes         bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and prune saved climbs",
	Long: `Every run started with --checkpoint-dir leaves a checkpoint holding its best
tree so far. These commands list, print and prune them.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved checkpoints",
	RunE:  runListCheckpoints,
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Print the best tree of a checkpoint in DOT format",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowCheckpoint,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete checkpoints by age or count",
	Long: `Deletes checkpoints older than --older-than days and, with --keep-last N,
every checkpoint beyond the N most recent.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd, showCheckpointCmd, cleanCheckpointsCmd)

	pf := checkpointsCmd.PersistentFlags()
	pf.StringVar(&checkpointDataDir, "checkpoint-dir", "./data", "Checkpoint directory")
	pf.StringVar(&checkpointBackend, "store", "fs", "Checkpoint backend: fs or sqlite")

	f := cleanCheckpointsCmd.Flags()
	f.IntVar(&retention.KeepLast, "keep-last", 0, "Keep the N most recent checkpoints (0 keeps all)")
	f.IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 disables)")
	f.BoolVarP(&assumeYes, "force", "f", false, "Do not ask for confirmation")
}

// retentionPolicy decides which checkpoints clean removes. Zero fields
// disable the corresponding rule.
type retentionPolicy struct {
	KeepLast int
	MaxAge   time.Duration
}

func (p retentionPolicy) enabled() bool {
	return p.KeepLast > 0 || p.MaxAge > 0
}

// victims returns the checkpoints the policy removes, oldest first. A
// checkpoint goes if it is older than MaxAge or falls outside the KeepLast
// most recent.
func (p retentionPolicy) victims(infos []store.CheckpointInfo, now time.Time) []store.CheckpointInfo {
	byAge := append([]store.CheckpointInfo(nil), infos...)
	sort.SliceStable(byAge, func(i, j int) bool {
		return byAge[i].Timestamp.After(byAge[j].Timestamp)
	})

	var out []store.CheckpointInfo
	for rank, info := range byAge {
		tooOld := p.MaxAge > 0 && now.Sub(info.Timestamp) > p.MaxAge
		surplus := p.KeepLast > 0 && rank >= p.KeepLast
		if tooOld || surplus {
			out = append(out, info)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	st, closeStore, err := openStore(checkpointBackend, checkpointDataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}

	var sizeOf func(jobID string) string
	if fsStore, ok := st.(*store.FSStore); ok {
		sizeOf = func(jobID string) string {
			n, err := dirSize(filepath.Join(fsStore.BaseDir(), "jobs", jobID))
			if err != nil {
				return "?"
			}
			return humanize.IBytes(uint64(n))
		}
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSAVED\tROUNDS\tLOG-LIKELIHOOD\tNODES\tSIZE")
	for _, info := range infos {
		size := "-"
		if sizeOf != nil {
			size = sizeOf(info.JobID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%.4f\t%d\t%s\n",
			shortID(info.JobID), humanize.Time(info.Timestamp),
			info.Iteration, info.MaxIterations, info.BestLikelihood, info.Nodes, size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d checkpoint(s) in %s\n", len(infos), checkpointDataDir)
	return nil
}

func runShowCheckpoint(cmd *cobra.Command, args []string) error {
	st, closeStore, err := openStore(checkpointBackend, checkpointDataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := st.LoadCheckpoint(args[0])
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	tree, err := cp.Tree()
	if err != nil {
		return fmt.Errorf("failed to restore tree: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "round %d/%d, log-likelihood %.4f (initial %.4f)\n",
		cp.Iteration, cp.Config.MaxIterations, cp.BestLikelihood, cp.InitialLikelihood)
	_, err = io.WriteString(cmd.OutOrStdout(), tree.DOT())
	return err
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	policy := retention
	policy.MaxAge = time.Duration(olderThanDays) * 24 * time.Hour
	if !policy.enabled() {
		return fmt.Errorf("nothing to do: pass --keep-last or --older-than")
	}

	st, closeStore, err := openStore(checkpointBackend, checkpointDataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := cmd.OutOrStdout()
	doomed := policy.victims(infos, time.Now())
	if len(doomed) == 0 {
		fmt.Fprintf(out, "Nothing to delete (%d checkpoint(s) kept).\n", len(infos))
		return nil
	}

	fmt.Fprintf(out, "%d of %d checkpoint(s) will be deleted:\n", len(doomed), len(infos))
	for _, info := range doomed {
		fmt.Fprintf(out, "  %s  round %d  saved %s\n", shortID(info.JobID), info.Iteration, humanize.Time(info.Timestamp))
	}
	if !assumeYes && !confirm(cmd.InOrStdin(), out, "Delete them?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	var failed int
	for _, info := range doomed {
		if err := st.DeleteCheckpoint(info.JobID); err != nil {
			slog.Error("Failed to delete checkpoint", "job_id", info.JobID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "job_id", info.JobID)
	}
	fmt.Fprintf(out, "Deleted %d, failed %d.\n", len(doomed)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d checkpoint(s) could not be deleted", failed)
	}
	return nil
}

// confirm asks a yes/no question; anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// dirSize sums the sizes of the regular files below root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
