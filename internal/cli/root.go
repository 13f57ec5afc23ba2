// Package cli implements the skiplock operator commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skiplock/skiplock/internal/config"
	"github.com/skiplock/skiplock/internal/postgres"
	"github.com/skiplock/skiplock/internal/queue"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "skiplock",
	Short: "Durable Postgres-backed background job queue",
	Long: `skiplock is a durable background job queue backed by PostgreSQL.
Jobs live in a single table; workers claim them with FOR UPDATE SKIP LOCKED,
so any number of worker processes can share one queue without coordination.

The CLI covers operations: inspect the queue, enqueue jobs, cancel, purge,
and recover work orphaned by crashed workers. Running handlers is a library
concern; see the queue package.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "skiplock %s (commit %s, built %s)\n",
			buildVersion, buildCommit, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default skiplock.toml)")
	rootCmd.PersistentFlags().String("database-url", "", "Database URL (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// withStore loads config, builds the pool, and hands a Store to fn, closing
// the pool afterwards. Every data command goes through here.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *queue.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, pool, err := connect(cmd, ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, queue.NewStore(pool, cfg.Logger(os.Stderr)))
}

func connect(cmd *cobra.Command, ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		cfg.Database.URL = url
	}
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("no database URL configured (set database.url, SKIPLOCK_DATABASE_URL, or --database-url)")
	}

	pool, err := postgres.New(ctx, cfg.PoolConfig(), cfg.Logger(os.Stderr))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

// parseTags reads the --tags flag as a comma-separated list, dropping blanks.
func parseTags(flags *pflag.FlagSet) []string {
	v, _ := flags.GetString("tags")
	if v == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(v, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// parseStatuses converts comma-separated status names into the enum form.
func parseStatuses(csv string) ([]queue.JobStatus, error) {
	if csv == "" {
		return nil, nil
	}
	var statuses []queue.JobStatus
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		st, err := queue.ParseJobStatus(part)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
