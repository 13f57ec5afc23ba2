package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tableName is the canonical queue table. External consumers reading it
// directly must treat status as a lowercase textual enum and tags as a JSON
// array of strings.
const tableName = "pg_loco_queue"

const jobColumns = "id, name, task_data, status, run_at, interval, created_at, updated_at, tags"

// Store handles all database operations for the job queue. The pool is the
// single shared resource; Store itself carries no mutable state.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store on top of an existing connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Pool exposes the underlying connection pool for callers that need to run
// their own queries against the queue table (tests, admin tooling).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// InitializeDatabase creates the queue table if it does not exist. Safe to
// call on every startup.
func (s *Store) InitializeDatabase(ctx context.Context) error {
	s.logger.Debug("initializing job queue table", "table", tableName)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			task_data JSONB NOT NULL,
			status VARCHAR NOT NULL DEFAULT '%s',
			run_at TIMESTAMPTZ NOT NULL,
			interval BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			tags JSONB
		)`, tableName, StatusQueued))
	if err != nil {
		return fmt.Errorf("creating %s: %w", tableName, err)
	}
	return nil
}

// scanJob materializes one row into a Job. The status column is parsed
// textually; an unknown value makes the row unreadable. Tags are normalized:
// anything other than a non-empty JSON string array becomes absent.
func scanJob(row pgx.Row) (*Job, error) {
	var (
		j       Job
		status  string
		tagsRaw []byte
	)
	if err := row.Scan(&j.ID, &j.Name, &j.Data, &status, &j.RunAt, &j.Interval,
		&j.CreatedAt, &j.UpdatedAt, &tagsRaw); err != nil {
		return nil, err
	}
	parsed, err := ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	j.Status = parsed
	j.Tags = normalizeTags(tagsRaw)
	return &j, nil
}

// Enqueue inserts a new job in the queued state and returns its id. Ids are
// UUIDv7, so they sort lexicographically by creation time.
func (s *Store) Enqueue(ctx context.Context, name string, data any, runAt time.Time, opts EnqueueOpts) (string, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serializing job data: %w", err)
	}

	var tagsJSON []byte
	if len(opts.Tags) > 0 {
		if tagsJSON, err = json.Marshal(opts.Tags); err != nil {
			return "", fmt.Errorf("serializing job tags: %w", err)
		}
	}

	var intervalMS *int64
	if opts.Interval != nil {
		ms := opts.Interval.Milliseconds()
		intervalMS = &ms
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating job id: %w", err)
	}
	id := u.String()

	s.logger.Debug("enqueueing job", "job_id", id, "job_name", name,
		"run_at", runAt.UTC(), "tags", opts.Tags)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+tableName+` (id, name, task_data, run_at, interval, tags)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, name, dataJSON, runAt.UTC(), intervalMS, tagsJSON)
	if err != nil {
		return "", fmt.Errorf("inserting job: %w", err)
	}
	return id, nil
}

// Dequeue atomically claims the earliest due job matching the worker's tags
// and moves it to processing. Returns nil, nil when nothing is eligible.
//
// The select and the status flip happen in one transaction with
// FOR UPDATE SKIP LOCKED, so concurrent workers never observe the same row
// as claimable: locked rows are skipped instead of waited on.
//
// Tag routing: an untagged worker only sees untagged jobs; a tagged worker
// only sees jobs carrying at least one of its tags.
func (s *Store) Dequeue(ctx context.Context, workerTags []string) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `SELECT ` + jobColumns + ` FROM ` + tableName + `
		WHERE status = $1 AND run_at <= NOW()`
	args := []any{StatusQueued}

	if len(workerTags) == 0 {
		query += ` AND tags IS NULL`
	} else {
		// jsonb ? text checks string membership in the tags array; one
		// disjunct per worker tag.
		conds := make([]string, len(workerTags))
		for i, tag := range workerTags {
			conds[i] = fmt.Sprintf("tags ? $%d", i+2)
			args = append(args, tag)
		}
		query += ` AND tags IS NOT NULL AND (` + strings.Join(conds, " OR ") + `)`
	}

	query += ` ORDER BY run_at LIMIT 1 FOR UPDATE SKIP LOCKED`

	job, err := scanJob(tx.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting claimable job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+tableName+` SET status = $1, updated_at = NOW() WHERE id = $2`,
		StatusProcessing, job.ID); err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	job.Status = StatusProcessing
	return job, nil
}

// Complete records a successful run. Without an interval the job becomes
// terminal; with one it is requeued under the same id with run_at advanced
// by that many milliseconds. Both timestamps come from the database clock so
// application clock skew never matters.
func (s *Store) Complete(ctx context.Context, id string, intervalMS *int64) error {
	var err error
	if intervalMS == nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE `+tableName+` SET status = $1, run_at = NOW(), updated_at = NOW() WHERE id = $2`,
			StatusCompleted, id)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE `+tableName+` SET status = $1, run_at = NOW() + $2 * INTERVAL '1 millisecond', updated_at = NOW() WHERE id = $3`,
			StatusQueued, *intervalMS, id)
	}
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return nil
}

// Fail marks the job failed and merges {"error": message} into its payload.
// The || concat follows jsonb semantics: an object payload gains/overwrites
// the error key; any other payload shape becomes [original, {error}].
func (s *Store) Fail(ctx context.Context, id string, jobErr error) error {
	errJSON, err := json.Marshal(map[string]string{"error": jobErr.Error()})
	if err != nil {
		return fmt.Errorf("serializing job error: %w", err)
	}
	s.logger.Debug("marking job as failed", "job_id", id, "error", jobErr.Error())
	_, err = s.pool.Exec(ctx,
		`UPDATE `+tableName+` SET status = $1, updated_at = NOW(), task_data = task_data || $2::jsonb WHERE id = $3`,
		StatusFailed, errJSON, id)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// CancelJobsByName cancels every queued job with the given name. Jobs
// already processing are left alone.
func (s *Store) CancelJobsByName(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+tableName+` SET status = $1, updated_at = NOW() WHERE name = $2 AND status = $3`,
		StatusCancelled, name, StatusQueued)
	if err != nil {
		return fmt.Errorf("cancelling jobs named %q: %w", name, err)
	}
	return nil
}

// Clear deletes every job regardless of status.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+tableName); err != nil {
		return fmt.Errorf("clearing jobs: %w", err)
	}
	return nil
}

// ClearByStatus deletes every job whose status is in the given set.
func (s *Store) ClearByStatus(ctx context.Context, statuses []JobStatus) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+tableName+` WHERE status = ANY($1)`, statusStrings(statuses))
	if err != nil {
		return fmt.Errorf("clearing jobs by status: %w", err)
	}
	return nil
}

// ClearJobsOlderThan deletes jobs created more than ageDays ago, optionally
// restricted to a status set.
func (s *Store) ClearJobsOlderThan(ctx context.Context, ageDays int, statuses []JobStatus) error {
	query := `DELETE FROM ` + tableName + ` WHERE created_at < NOW() - make_interval(days => $1)`
	args := []any{ageDays}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("clearing jobs older than %d days: %w", ageDays, err)
	}
	return nil
}

// Requeue returns orphaned jobs to the queue: anything still processing
// whose updated_at is at least ageMinutes old is assumed to belong to a dead
// worker. Choose an age comfortably above the expected handler latency so
// in-flight work is not disturbed. Returns the number of requeued jobs.
func (s *Store) Requeue(ctx context.Context, ageMinutes int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tableName+` SET status = $1, updated_at = NOW()
		 WHERE status = $2 AND updated_at <= NOW() - make_interval(mins => $3)`,
		StatusQueued, StatusProcessing, ageMinutes)
	if err != nil {
		return 0, fmt.Errorf("requeueing stalled jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJobs lists jobs, optionally filtered by status set and by minimum age
// in days. Rows whose status cannot be parsed are skipped, not fatal.
func (s *Store) GetJobs(ctx context.Context, statuses []JobStatus, ageDays *int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ` + tableName + ` WHERE true`
	args := []any{}
	argN := 1

	if len(statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argN)
		args = append(args, statusStrings(statuses))
		argN++
	}
	if ageDays != nil {
		query += fmt.Sprintf(" AND created_at <= NOW() - make_interval(days => $%d)", argN)
		args = append(args, *ageDays)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			s.logger.Error("skipping unreadable job row", "error", err)
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Stats returns aggregate counts by status plus the age of the oldest
// queued job.
func (s *Store) Stats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)
		FROM `+tableName).
		Scan(&stats.Queued, &stats.Processing, &stats.Completed, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	var age *float64
	err = s.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM NOW() - MIN(run_at)) FROM `+tableName+` WHERE status = 'queued'`).
		Scan(&age)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("measuring queue age: %w", err)
	}
	stats.OldestAge = age

	return &stats, nil
}

// Ping confirms the queue table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SELECT id FROM `+tableName+` LIMIT 1`); err != nil {
		return fmt.Errorf("pinging %s: %w", tableName, err)
	}
	return nil
}

func statusStrings(statuses []JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
