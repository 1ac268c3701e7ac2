package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jupark12/cropmask-pipeline/auditlog"
	"github.com/jupark12/cropmask-pipeline/models"
	"github.com/jupark12/cropmask-pipeline/progress"
	"github.com/jupark12/cropmask-pipeline/server"
)

// apiClient talks to a running `cropmask serve`
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("server")
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://localhost:8080", "Base URL of the cropmask API")
}

// do sends body as JSON and decodes the JSON reply into out
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd() *cobra.Command {
	var (
		req        server.CreateJobRequest
		scheduleAt string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a crop mask job",
		Example: `  cropmask submit --year 2024 --country USA --states Kansas,Iowa --crops "corn, soybean"
  cropmask submit --year 2024 --country USA --states Kansas --crops corn --gpus -1 --at 2024-05-01T22:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scheduleAt != "" {
				at, err := time.Parse(time.RFC3339, scheduleAt)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req.ScheduleAt = &at
			}
			var resp server.CreateJobResponse
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodPost, "/jobs", req, &resp); err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Year, "year", "", "Input year")
	f.StringVar(&req.Country, "country", "", "Input country code")
	f.StringSliceVar(&req.States, "states", nil, "Comma separated states")
	f.StringVar(&req.Crops, "crops", "", "Crop list such as \"corn, soybean\"")
	f.StringVar(&req.OutputName, "output", "", "Output directory name (defaults to the job ID)")
	f.StringVar(&req.PipelineConfigID, "pipeline", "", "Pipeline config ID")
	f.IntVar(&req.GPUCount, "gpus", 0, "GPUs to use: -1 all available, 0 CPU")
	f.BoolVar(&req.SkipInference, "skip-inference", false, "Skip tiles whose masks exist")
	f.BoolVar(&req.SkipMerge, "skip-merge", false, "Skip mosaics that exist")
	f.BoolVar(&req.SkipArea, "skip-area", false, "Skip states already in the area CSV")
	f.StringVar(&scheduleAt, "at", "", "Start time (RFC3339)")
	for _, name := range []string{"year", "country", "states", "crops"} {
		_ = cmd.MarkFlagRequired(name)
	}
	addServerFlag(cmd)
	return cmd
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/jobs"
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var jobs []models.Job
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodGet, path, nil, &jobs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(w, "%-36s  %-9s  %-9s  %3d%%  %s\n",
					j.ID, j.Status, j.CurrentStep, j.ProgressPercent, j.OutputName)
			}
			return nil
		},
	}
	cmd.Flags().String("status", "", "Only jobs in this status")
	addServerFlag(cmd)
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]string
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], resp["status"])
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Queue a finished job again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req server.RetryRequest
			flags := map[string]**bool{
				"skip-inference": &req.SkipInference,
				"skip-merge":     &req.SkipMerge,
				"skip-area":      &req.SkipArea,
			}
			for name, dst := range flags {
				if cmd.Flags().Changed(name) {
					v, _ := cmd.Flags().GetBool(name)
					*dst = &v
				}
			}
			var resp map[string]interface{}
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/retry", req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v (started: %v)\n", args[0], resp["status"], resp["started"])
			return nil
		},
	}
	cmd.Flags().Bool("skip-inference", false, "Skip tiles whose masks exist")
	cmd.Flags().Bool("skip-merge", false, "Skip mosaics that exist")
	cmd.Flags().Bool("skip-area", false, "Skip states already in the area CSV")
	addServerFlag(cmd)
	return cmd
}

func newProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress JOB_ID",
		Short: "Show the progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap progress.Snapshot
			if err := newAPIClient(cmd).do(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0])+"/progress", nil, &snap); err != nil {
				return err
			}
			writeSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func writeSnapshot(w io.Writer, snap progress.Snapshot) {
	fmt.Fprintf(w, "%-18s %s %s\n", "overall", auditlog.ProgressBar(snap.Overall.Percent), snap.Overall.Message)
	steps := make([]string, 0, len(snap.Steps))
	for name := range snap.Steps {
		steps = append(steps, name)
	}
	sort.Strings(steps)
	for _, name := range steps {
		rec := snap.Steps[name]
		fmt.Fprintf(w, "%-18s %s %d/%d %s\n", name, auditlog.ProgressBar(rec.Percent), rec.Current, rec.Total, rec.Message)
	}
}
