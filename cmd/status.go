package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	cancelJob bool
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	statusCmd.Flags().BoolVar(&cancelJob, "cancel", false, "Cancel the given job")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		if cancelJob {
			return fmt.Errorf("--cancel needs a job id")
		}
		return listJobs(fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}

	jobID := args[0]
	if cancelJob {
		return requestCancel(fmt.Sprintf("%s/api/v1/jobs/%s", serverURL, jobID), jobID)
	}
	return getJobStatus(fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

// jobSummary is the part of a job listing shown by status.
type jobSummary struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Config struct {
		ObservedPath  string `json:"observedPath"`
		TreePath      string `json:"treePath"`
		K             int    `json:"k"`
		MaxIterations int    `json:"maxIterations"`
	} `json:"config"`
	Iterations        int     `json:"iterations"`
	InitialLikelihood float64 `json:"initialLikelihood"`
	BestLikelihood    float64 `json:"bestLikelihood"`
}

func listJobs(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []jobSummary
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Printf("Job ID: %s\n", job.ID)
		fmt.Printf("  State: %s\n", job.State)
		fmt.Printf("  Observations: %s\n", job.Config.ObservedPath)
		fmt.Printf("  Rounds: %d/%d\n", job.Iterations, job.Config.MaxIterations)
		if job.BestLikelihood != 0 {
			fmt.Printf("  Log-likelihood: %.4f -> %.4f\n", job.InitialLikelihood, job.BestLikelihood)
		}
		fmt.Println()
	}

	return nil
}

// jobStatus mirrors the server's status response.
type jobStatus struct {
	jobSummary
	StaleRounds     int     `json:"staleRounds"`
	Nodes           int     `json:"nodes"`
	Elapsed         float64 `json:"elapsed"`
	RoundsPerSecond float64 `json:"roundsPerSecond"`
	Error           string  `json:"error"`
}

func getJobStatus(url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	// Display status
	fmt.Printf("Job: %s\n", status.ID)
	fmt.Printf("State: %s\n", status.State)
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Observations: %s\n", status.Config.ObservedPath)
	fmt.Printf("  Tree: %s\n", status.Config.TreePath)
	fmt.Printf("  k: %d\n", status.Config.K)
	fmt.Printf("  Rounds: %d\n", status.Config.MaxIterations)
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Rounds done: %d (%d since last improvement)\n", status.Iterations, status.StaleRounds)
	if status.Nodes > 0 {
		fmt.Printf("  Initial log-likelihood: %.4f\n", status.InitialLikelihood)
		fmt.Printf("  Best log-likelihood: %.4f\n", status.BestLikelihood)
		fmt.Printf("  Improvement: %.4f\n", status.BestLikelihood-status.InitialLikelihood)
		fmt.Printf("  Tree nodes: %d\n", status.Nodes)
	}

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.RoundsPerSecond > 0 {
		fmt.Printf("  Throughput: %.1f rounds/sec\n", status.RoundsPerSecond)
	}

	if status.Error != "" {
		fmt.Printf("\nError: %s\n", status.Error)
	}

	return nil
}

func requestCancel(url, jobID string) error {
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("Cancelling job %s\n", jobID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("job not found: %s", jobID)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}
}
