package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skiplock/skiplock/internal/cli/ui"
	"github.com/skiplock/skiplock/internal/queue"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete jobs (all, by status, or by age)",
	RunE:  runClear,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return orphaned processing jobs to the queue",
	Long: `Jobs stuck in processing belong to workers that died mid-execution.
requeue moves every processing job whose last update is older than
--age-minutes back to queued. Pick an age safely above your slowest
handler so in-flight work is not disturbed.`,
	RunE: runRequeue,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the queue table is reachable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s queue reachable\n", ui.SymbolCheck)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts by status",
	RunE:  runStatus,
}

func init() {
	clearCmd.Flags().String("status", "", "Only these statuses (comma-separated)")
	clearCmd.Flags().Int("older-than-days", 0, "Only jobs created at least this many days ago")

	requeueCmd.Flags().Int("age-minutes", 30, "Minimum minutes since last update")

	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
}

func runClear(cmd *cobra.Command, _ []string) error {
	statusCSV, _ := cmd.Flags().GetString("status")
	statuses, err := parseStatuses(statusCSV)
	if err != nil {
		return err
	}
	olderThan, _ := cmd.Flags().GetInt("older-than-days")

	return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
		switch {
		case olderThan > 0:
			err = store.ClearJobsOlderThan(ctx, olderThan, statuses)
		case len(statuses) > 0:
			err = store.ClearByStatus(ctx, statuses)
		default:
			err = store.Clear(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s cleared\n", ui.SymbolCheck)
		return nil
	})
}

func runRequeue(cmd *cobra.Command, _ []string) error {
	ageMinutes, _ := cmd.Flags().GetInt("age-minutes")
	if ageMinutes < 1 {
		return fmt.Errorf("--age-minutes must be at least 1, got %d", ageMinutes)
	}

	return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
		n, err := store.Requeue(ctx, ageMinutes)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s requeued %d stalled job(s)\n", ui.SymbolCheck, n)
		return nil
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "queued\t%d\n", stats.Queued)
		fmt.Fprintf(w, "processing\t%d\n", stats.Processing)
		fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
		fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
		fmt.Fprintf(w, "cancelled\t%d\n", stats.Cancelled)
		if stats.OldestAge != nil {
			fmt.Fprintf(w, "oldest queued\t%.0fs\n", *stats.OldestAge)
		}
		return w.Flush()
	})
}
