package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skiplock/skiplock/internal/cli/ui"
	"github.com/skiplock/skiplock/internal/queue"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the queue table (idempotent)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
			if err := store.InitializeDatabase(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s queue table ready\n", ui.SymbolCheck)
			return nil
		})
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <name> [json-payload]",
	Short: "Enqueue a job",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runEnqueue,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <name>",
	Short: "Cancel all queued jobs with the given name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
			if err := store.CancelJobsByName(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled queued jobs named %q\n", ui.SymbolCheck, args[0])
			return nil
		})
	},
}

func init() {
	enqueueCmd.Flags().String("run-at", "", "Earliest run time, RFC 3339 UTC (default now)")
	enqueueCmd.Flags().Duration("interval", 0, "Re-run interval for periodic jobs (e.g. 5m)")
	enqueueCmd.Flags().String("tags", "", "Comma-separated routing tags")

	listCmd.Flags().String("status", "", "Filter by statuses (comma-separated)")
	listCmd.Flags().Int("age-days", 0, "Only jobs created at least this many days ago")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	name := args[0]
	payload := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON: %s", args[1])
		}
		payload = json.RawMessage(args[1])
	}

	runAt := time.Now().UTC()
	if v, _ := cmd.Flags().GetString("run-at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("parsing --run-at: %w", err)
		}
		runAt = t.UTC()
	}

	var opts queue.EnqueueOpts
	if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
		opts.Interval = &d
	}
	opts.Tags = parseTags(cmd.Flags())

	return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
		id, err := store.Enqueue(ctx, name, payload, runAt, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s enqueued %s as %s\n", ui.SymbolCheck, name, id)
		return nil
	})
}

func runList(cmd *cobra.Command, _ []string) error {
	statusCSV, _ := cmd.Flags().GetString("status")
	statuses, err := parseStatuses(statusCSV)
	if err != nil {
		return err
	}

	var ageDays *int
	if n, _ := cmd.Flags().GetInt("age-days"); n > 0 {
		ageDays = &n
	}

	return withStore(cmd, func(ctx context.Context, store *queue.Store) error {
		jobs, err := store.GetJobs(ctx, statuses, ageDays)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tRUN AT\tTAGS")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.Name, styleStatus(j.Status),
				j.RunAt.UTC().Format(time.RFC3339), tagList(j.Tags))
		}
		return w.Flush()
	})
}

func styleStatus(st queue.JobStatus) string {
	if !ui.ColorEnabled() {
		return string(st)
	}
	switch st {
	case queue.StatusCompleted:
		return ui.StyleSuccess.Render(string(st))
	case queue.StatusFailed:
		return ui.StyleError.Render(string(st))
	case queue.StatusProcessing:
		return ui.StyleWarning.Render(string(st))
	case queue.StatusCancelled:
		return ui.StyleDim.Render(string(st))
	default:
		return string(st)
	}
}

func tagList(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	return strings.Join(tags, ",")
}
