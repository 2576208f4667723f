package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/cwygoda/downlee/internal/adapter/processor"
	"github.com/cwygoda/downlee/internal/adapter/sqlite"
	"github.com/cwygoda/downlee/internal/domain"
	"github.com/cwygoda/downlee/internal/orchestrator"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type discard struct{}

func (discard) Publish(domain.Event) {}

func reconcileCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Mark jobs left downloading by a previous run as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			repo, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer repo.Close()

			orch := orchestrator.New(repo, processor.NewRegistry(), discard{}, orchestrator.DefaultOptions())
			n, err := orch.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d interrupted jobs as failed\n", n)
			return nil
		},
	}
}

func statsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Recompute aggregate stats from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			repo, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer repo.Close()

			jobs, err := repo.ListAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			stats := domain.ComputeStats(jobs)
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "--- Downloads ---")
			for _, st := range domain.Statuses {
				fmt.Fprintf(out, "%s: \t%d\n", st, stats.Counts[st])
			}
			fmt.Fprintf(out, "total: \t%d\n", stats.Total)
			fmt.Fprintln(out, "\n--- Bytes ---")
			fmt.Fprintf(out, "downloaded: \t%s\n", humanize.IBytes(uint64(stats.TotalDownloaded)))
			fmt.Fprintf(out, "pending: \t%s\n", humanize.IBytes(uint64(stats.PendingBytes)))
			return nil
		},
	}
}

func listCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, downloading first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}

			q := domain.JobQuery{}
			q.Search, _ = cmd.Flags().GetString("search")
			q.SourceID, _ = cmd.Flags().GetString("source")
			q.PageSize, _ = cmd.Flags().GetInt("limit")
			status, _ := cmd.Flags().GetString("status")
			q.Status = domain.JobStatus(status)
			if q.Status != "" && !q.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			repo, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer repo.Close()

			page, err := repo.Query(cmd.Context(), q.Normalize())
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(page.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSOURCE\tSIZE\tUPDATED\tNAME")
			for _, j := range page.Jobs {
				size := "-"
				if j.TotalBytes > 0 {
					size = humanize.IBytes(uint64(j.TotalBytes))
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Status, j.SourceID, size, humanize.Time(j.UpdatedAt), j.DisplayName)
			}
			tw.Flush()
			if page.Total > len(page.Jobs) {
				fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d)\n", len(page.Jobs), page.Total)
			}
			return nil
		},
	}
	cmd.Flags().String("search", "", "Filter by display name or reference")
	cmd.Flags().String("status", "", "Filter by status (downloading, done, failed, stopped)")
	cmd.Flags().String("source", "", "Filter by source id")
	cmd.Flags().Int("limit", 50, "Maximum number of jobs to show")
	return cmd
}
