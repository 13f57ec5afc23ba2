package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job. It is stored in the
// database as its lowercase textual form.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// ParseJobStatus converts the stored textual form back into a JobStatus.
// Unknown values are an error: a row carrying one is unreadable, not queued.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("invalid job status %q", s)
}

// Job is a snapshot of a row in pg_loco_queue. The row is the source of
// truth; a Job held by a worker is only valid for the duration of handler
// execution and must never be written back directly.
type Job struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Status    JobStatus       `json:"status"`
	RunAt     time.Time       `json:"runAt"`
	Interval  *int64          `json:"interval,omitempty"` // milliseconds; non-nil means periodic
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Tags      []string        `json:"tags,omitempty"`
}

// EnqueueOpts are optional parameters for Enqueue.
type EnqueueOpts struct {
	Interval *time.Duration // non-nil makes the job periodic
	Tags     []string
}

// QueueStats holds aggregate counts by job status.
type QueueStats struct {
	Queued     int      `json:"queued"`
	Processing int      `json:"processing"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	Cancelled  int      `json:"cancelled"`
	OldestAge  *float64 `json:"oldestQueuedAgeSec,omitempty"` // seconds since the oldest queued job's run_at
}

// normalizeTags decodes the stored tags column. Tags are either absent or a
// non-empty JSON array of strings; an empty array or any other JSON shape
// normalizes to absent.
func normalizeTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}
