// Package queue implements the atomic work-distribution semantics of
// the processing_queue table: enqueue, batch claiming under
// FOR UPDATE SKIP LOCKED, terminal transitions, orphan recovery, and
// status aggregation.
package queue

import (
	"encoding/json"
	"time"
)

// Status is a queue record's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is one row of the processing queue.
type Record struct {
	ID           int64           `json:"id"`
	FlowName     string          `json:"flow_name"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	InstanceID   string          `json:"instance_id,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}

// Counts are per-status record totals.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

func (c *Counts) add(status Status, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
	c.Total += n
}

// QueueStatus aggregates record counts, with a per-flow breakdown when
// the status query wasn't filtered to one flow.
type QueueStatus struct {
	Counts
	Flows map[string]Counts `json:"flows,omitempty"`
}

// ErrorCount is one aggregated error message within a performance window.
type ErrorCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// PerfStats are raw aggregates over a trailing window, consumed by the
// health component's performance assessment.
type PerfStats struct {
	Window          time.Duration `json:"-"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	AvgProcessingMS float64       `json:"avg_processing_time_ms"`
	TopErrors       []ErrorCount  `json:"top_errors"`
}
