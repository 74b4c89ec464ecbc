package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/fault"
	"github.com/surveymill/conveyor/ops"
	"github.com/surveymill/conveyor/store"
)

// claimSQL transitions up to a batch of the oldest pending rows of a
// flow into processing as one statement. The skip-locked subquery
// guarantees that concurrent claimers select disjoint rows; splitting
// the SELECT and UPDATE would permit double-claims under contention.
const claimSQL = `
UPDATE processing_queue
SET status = 'processing', instance_id = $1, claimed_at = now(), updated_at = now()
WHERE id IN (
    SELECT id FROM processing_queue
    WHERE flow_name = $2 AND status = 'pending'
    ORDER BY created_at ASC, id ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING id, flow_name, payload, retry_count, claimed_at;`

const completeSQL = `
UPDATE processing_queue
SET status = 'completed', completed_at = now(), updated_at = now(),
    payload = COALESCE($2::jsonb, payload)
WHERE id = $1 AND status = 'processing';`

const failSQL = `
UPDATE processing_queue
SET status = 'failed', error_message = $2, retry_count = retry_count + 1, updated_at = now()
WHERE id = $1 AND status = 'processing';`

const reapSQL = `
UPDATE processing_queue
SET status = 'pending', instance_id = NULL, claimed_at = NULL, error_message = NULL,
    retry_count = retry_count + 1, updated_at = now()
WHERE status = 'processing' AND claimed_at < now() - ($1 * interval '1 second');`

// resetFailedSQL clears error_message on the failed -> pending edge,
// and deliberately leaves retry_count untouched.
const resetFailedSQL = `
UPDATE processing_queue
SET status = 'pending', error_message = NULL, updated_at = now()
WHERE status = 'failed' AND retry_count < $1`

// ErrMessageLimit bounds stored error messages.
const ErrMessageLimit = 1024

// Engine implements the queue contract over the queue store.
type Engine struct {
	store     *store.Store
	publisher ops.Publisher
}

// NewEngine returns an Engine over |st|. It fails with
// ErrUnsupportedStore when the store lacks skip-locked claiming, rather
// than degrade to racy two-statement claims.
func NewEngine(st *store.Store, publisher ops.Publisher) (*Engine, error) {
	if !st.SupportsSkipLocked() {
		return nil, fmt.Errorf("store %s (driver %s) lacks FOR UPDATE SKIP LOCKED: %w",
			st.Name(), st.Driver(), fault.ErrUnsupportedStore)
	}
	return &Engine{store: st, publisher: publisher}, nil
}

// Enqueue inserts |payloads| as pending records of |flow| and returns
// the number inserted. An empty batch is a no-op.
func (e *Engine) Enqueue(ctx context.Context, flow string, payloads []json.RawMessage) (int, error) {
	if flow == "" {
		return 0, errors.New("flow name is required")
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	var placeholders = make([]string, 0, len(payloads))
	var args = make([]interface{}, 0, 2*len(payloads))
	for i, payload := range payloads {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d::jsonb)", 2*i+1, 2*i+2))
		args = append(args, flow, []byte(payload))
	}
	var insertSQL = fmt.Sprintf(
		"INSERT INTO processing_queue (flow_name, payload) VALUES %s;",
		strings.Join(placeholders, ", "))

	count, err := e.store.Exec(ctx, insertSQL, args...)
	if err != nil {
		return 0, fmt.Errorf("enqueueing %d records: %w", len(payloads), err)
	}
	enqueuedCounter.WithLabelValues(flow).Add(float64(count))
	ops.PublishLog(e.publisher, logrus.InfoLevel, "queue", "records_enqueued",
		"flow", flow, "count", count)
	return int(count), nil
}

// ClaimBatch atomically claims up to |batchSize| pending records of
// |flow|, stamping them with |instanceID|. It returns an empty batch
// when no rows are available, and performs no writes when |batchSize|
// is zero or negative.
func (e *Engine) ClaimBatch(ctx context.Context, flow, instanceID string, batchSize int) ([]Record, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	var started = time.Now()

	var rows, err = e.store.Query(ctx, claimSQL, instanceID, flow, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claiming batch: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r = Record{Status: StatusProcessing, InstanceID: instanceID}
		if err = rows.Scan(&r.ID, &r.FlowName, &r.Payload, &r.RetryCount, &r.ClaimedAt); err != nil {
			return nil, fmt.Errorf("scanning claimed record: %w", err)
		}
		records = append(records, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("claiming batch: %w", err)
	}

	claimDuration.Observe(time.Since(started).Seconds())
	if len(records) != 0 {
		claimedCounter.WithLabelValues(flow).Add(float64(len(records)))
		ops.PublishLog(e.publisher, logrus.InfoLevel, "queue", "records_claimed",
			"flow", flow, "instance_id", instanceID, "count", len(records))
	}
	return records, nil
}

// Complete transitions a processing record into completed. A non-nil
// |result| replaces the record's payload. Completing an
// already-completed record is a no-op; any other starting state fails
// with ErrIllegalTransition.
func (e *Engine) Complete(ctx context.Context, recordID int64, result json.RawMessage) error {
	var resultArg interface{}
	if result != nil {
		resultArg = []byte(result)
	}

	var count, err = e.store.Exec(ctx, completeSQL, recordID, resultArg)
	if err != nil {
		return fmt.Errorf("completing record %d: %w", recordID, err)
	}
	if count == 0 {
		return e.refuseTransition(ctx, recordID, StatusCompleted)
	}

	completedCounter.Inc()
	ops.PublishLog(e.publisher, logrus.InfoLevel, "queue", "record_completed",
		"record_id", recordID)
	return nil
}

// Fail transitions a processing record into failed, recording a
// truncated |message| and incrementing its retry count. Failing an
// already-failed record is a no-op; any other starting state fails with
// ErrIllegalTransition.
func (e *Engine) Fail(ctx context.Context, recordID int64, message string) error {
	var count, err = e.store.Exec(ctx, failSQL, recordID, Truncate(message, ErrMessageLimit))
	if err != nil {
		return fmt.Errorf("failing record %d: %w", recordID, err)
	}
	if count == 0 {
		return e.refuseTransition(ctx, recordID, StatusFailed)
	}

	failedCounter.Inc()
	ops.PublishLog(e.publisher, logrus.WarnLevel, "queue", "record_failed",
		"record_id", recordID, "error", Truncate(message, ErrMessageLimit))
	return nil
}

// refuseTransition resolves why a terminal transition matched no rows:
// a repeat of the same terminal transition is a no-op, and anything
// else is a disallowed edge.
func (e *Engine) refuseTransition(ctx context.Context, recordID int64, target Status) error {
	var rows, err = e.store.Query(ctx,
		"SELECT status FROM processing_queue WHERE id = $1;", recordID)
	if err != nil {
		return fmt.Errorf("inspecting record %d: %w", recordID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return fmt.Errorf("record %d does not exist: %w", recordID, fault.ErrQueryFailed)
	}
	var current Status
	if err = rows.Scan(&current); err != nil {
		return fmt.Errorf("inspecting record %d: %w", recordID, err)
	}
	if current == target {
		return nil // Idempotent repeat of a terminal transition.
	}

	ops.PublishLog(e.publisher, logrus.ErrorLevel, "queue", "illegal_transition",
		"record_id", recordID, "from", string(current), "to", string(target))
	return fmt.Errorf("record %d cannot move %s -> %s: %w",
		recordID, current, target, fault.ErrIllegalTransition)
}

// ReapOrphans returns processing records whose claim is older than
// |orphanTimeout| to pending, clearing their claim stamps and counting
// the orphaning as a failure-equivalent retry.
func (e *Engine) ReapOrphans(ctx context.Context, orphanTimeout time.Duration) (int, error) {
	var count, err = e.store.Exec(ctx, reapSQL, orphanTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reaping orphans: %w", err)
	}
	if count != 0 {
		reapedCounter.Add(float64(count))
		ops.PublishLog(e.publisher, logrus.WarnLevel, "queue", "orphans_reaped",
			"count", count, "orphan_timeout", orphanTimeout.String())
	}
	return int(count), nil
}

// CountOrphans reports how many processing records currently exceed
// |orphanTimeout| without reaping them.
func (e *Engine) CountOrphans(ctx context.Context, orphanTimeout time.Duration) (int, error) {
	var rows, err = e.store.Query(ctx,
		`SELECT COUNT(*) FROM processing_queue
		 WHERE status = 'processing' AND claimed_at < now() - ($1 * interval '1 second');`,
		orphanTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("counting orphans: %w", err)
	}
	defer rows.Close()

	var count int
	if rows.Next() {
		if err = rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	return count, rows.Err()
}

// ResetFailed returns failed records whose retry count is below
// |maxRetries| to pending. An empty |flow| resets across all flows.
func (e *Engine) ResetFailed(ctx context.Context, flow string, maxRetries int) (int, error) {
	var query = resetFailedSQL + ";"
	var args = []interface{}{maxRetries}
	if flow != "" {
		query = resetFailedSQL + " AND flow_name = $2;"
		args = append(args, flow)
	}

	var count, err = e.store.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("resetting failed records: %w", err)
	}
	if count != 0 {
		ops.PublishLog(e.publisher, logrus.InfoLevel, "queue", "failed_reset",
			"flow", flow, "count", count, "max_retries", maxRetries)
	}
	return int(count), nil
}

// Status aggregates record counts. With an empty |flow| it also returns
// a per-flow breakdown.
func (e *Engine) Status(ctx context.Context, flow string) (QueueStatus, error) {
	if flow != "" {
		var rows, err = e.store.Query(ctx,
			`SELECT status, COUNT(*) FROM processing_queue
			 WHERE flow_name = $1 GROUP BY status;`, flow)
		if err != nil {
			return QueueStatus{}, fmt.Errorf("querying queue status: %w", err)
		}
		defer rows.Close()

		var out QueueStatus
		for rows.Next() {
			var status Status
			var count int
			if err = rows.Scan(&status, &count); err != nil {
				return QueueStatus{}, err
			}
			out.add(status, count)
		}
		return out, rows.Err()
	}

	var rows, err = e.store.Query(ctx,
		`SELECT flow_name, status, COUNT(*) FROM processing_queue
		 GROUP BY flow_name, status;`)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("querying queue status: %w", err)
	}
	defer rows.Close()

	var out = QueueStatus{Flows: make(map[string]Counts)}
	for rows.Next() {
		var flowName string
		var status Status
		var count int
		if err = rows.Scan(&flowName, &status, &count); err != nil {
			return QueueStatus{}, err
		}
		out.add(status, count)

		var flowCounts = out.Flows[flowName]
		flowCounts.add(status, count)
		out.Flows[flowName] = flowCounts
	}
	return out, rows.Err()
}

// Performance aggregates processing outcomes over the trailing |window|.
// An empty |flow| aggregates across all flows.
func (e *Engine) Performance(ctx context.Context, flow string, window time.Duration) (PerfStats, error) {
	var stats = PerfStats{Window: window}

	var aggSQL = `
		SELECT
		    COUNT(*) FILTER (WHERE status = 'completed'),
		    COUNT(*) FILTER (WHERE status = 'failed'),
		    COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - claimed_at)) * 1000)
		        FILTER (WHERE status = 'completed'), 0)
		FROM processing_queue
		WHERE updated_at > now() - ($1 * interval '1 second')`
	var args = []interface{}{window.Seconds()}
	if flow != "" {
		aggSQL += " AND flow_name = $2"
		args = append(args, flow)
	}

	rows, err := e.store.Query(ctx, aggSQL+";", args...)
	if err != nil {
		return stats, fmt.Errorf("querying performance window: %w", err)
	}
	if rows.Next() {
		err = rows.Scan(&stats.Completed, &stats.Failed, &stats.AvgProcessingMS)
	}
	if closeErr := rows.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return stats, fmt.Errorf("querying performance window: %w", err)
	}

	var errSQL = `
		SELECT error_message, COUNT(*) FROM processing_queue
		WHERE status = 'failed' AND error_message IS NOT NULL
		  AND updated_at > now() - ($1 * interval '1 second')`
	if flow != "" {
		errSQL += " AND flow_name = $2"
	}
	errSQL += " GROUP BY error_message ORDER BY COUNT(*) DESC, error_message ASC LIMIT 5;"

	errRows, err := e.store.Query(ctx, errSQL, args...)
	if err != nil {
		return stats, fmt.Errorf("querying top errors: %w", err)
	}
	defer errRows.Close()

	for errRows.Next() {
		var ec ErrorCount
		if err = errRows.Scan(&ec.Message, &ec.Count); err != nil {
			return stats, err
		}
		stats.TopErrors = append(stats.TopErrors, ec)
	}
	return stats, errRows.Err()
}

// Truncate bounds |s| to at most |limit| bytes, backing off to a rune
// boundary so the result stays valid UTF-8.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
