package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skiplock/skiplock/internal/cli/ui"
	"github.com/skiplock/skiplock/internal/queue"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <name> <cron-expr> [json-payload]",
	Short: "Enqueue a job at the next tick of a cron expression",
	Long: `schedule computes the next tick of the cron expression on the UTC
clock and enqueues the job with that run time. Combine with --interval to
make the job periodic from that point on.

Example: skiplock schedule nightly_report "0 3 * * *" '{"scope":"all"}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().Duration("interval", 0, "Re-run interval once started (e.g. 24h)")
	scheduleCmd.Flags().String("tags", "", "Comma-separated routing tags")

	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	name, cronExpr := args[0], args[1]
	payload := json.RawMessage(`{}`)
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("payload is not valid JSON: %s", args[2])
		}
		payload = json.RawMessage(args[2])
	}

	runAt, err := queue.NextCronTime(cronExpr, time.Now())
	if err != nil {
		return err
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
		fmt.Fprintf(cmd.OutOrStdout(), "%s scheduled %s as %s for %s\n",
			ui.SymbolCheck, name, id, runAt.Format(time.RFC3339))
		return nil
	})
}
