// Package worker runs the claim-and-dispatch loop of a conveyor
// instance: it repeatedly claims batches of pending records for its
// flow, invokes the configured handler with bounded concurrency, and
// reports each outcome as a terminal transition. It also paces the
// orphan reaper.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/config"
	"github.com/surveymill/conveyor/fault"
	"github.com/surveymill/conveyor/ops"
	"github.com/surveymill/conveyor/queue"
)

// Handler processes one claimed record's payload. A non-nil result
// replaces the record's payload on completion; a nil result keeps it.
// A returned error fails the record with the error's message.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Passthrough is a Handler which completes every record unchanged.
func Passthrough(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

// Engine is the queue surface the loop drives. *queue.Engine implements it.
type Engine interface {
	ClaimBatch(ctx context.Context, flow, instanceID string, batchSize int) ([]queue.Record, error)
	Complete(ctx context.Context, recordID int64, result json.RawMessage) error
	Fail(ctx context.Context, recordID int64, message string) error
	ReapOrphans(ctx context.Context, orphanTimeout time.Duration) (int, error)
}

// Loop is one worker instance's processing loop.
type Loop struct {
	engine    Engine
	handler   Handler
	publisher ops.Publisher

	instanceID    string
	flow          string
	batchSize     int
	maxInflight   int
	idleBackoff   time.Duration
	reapInterval  time.Duration
	orphanTimeout time.Duration
	shutdownGrace time.Duration

	lastReap time.Time
}

// NewLoop builds a Loop from resolved configuration. The instance
// identity is minted here and stamps every record this loop claims.
func NewLoop(cfg config.Config, engine Engine, handler Handler, publisher ops.Publisher) *Loop {
	return &Loop{
		engine:        engine,
		handler:       handler,
		publisher:     publisher,
		instanceID:    NewInstanceID(),
		flow:          cfg.FlowName,
		batchSize:     cfg.BatchSize,
		maxInflight:   cfg.MaxInflight,
		idleBackoff:   cfg.IdleBackoff,
		reapInterval:  cfg.ReapInterval,
		orphanTimeout: cfg.OrphanTimeout,
		shutdownGrace: cfg.ShutdownGrace,
	}
}

// NewInstanceID mints a process-unique worker identity of the form
// hostname-pid-suffix. The suffix disambiguates restarts which reuse
// a PID.
func NewInstanceID() string {
	var hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// InstanceID is the identity stamped onto claimed records.
func (l *Loop) InstanceID() string { return l.instanceID }

// Run drives the loop until |ctx| is cancelled, then drains in-flight
// handlers for up to the shutdown grace before returning. Claim and
// reap errors are logged and retried on the next tick; records whose
// terminal transition could not be reported are left for the reaper.
func (l *Loop) Run(ctx context.Context) error {
	ops.PublishLog(l.publisher, logrus.InfoLevel, "worker", "worker_started",
		"instance_id", l.instanceID,
		"flow", l.flow,
		"batch_size", l.batchSize,
		"max_inflight", l.maxInflight,
	)

	// Handlers run under |workCtx|, which outlives |ctx| by the shutdown
	// grace so in-flight records can finish and report.
	var workCtx, cancelWork = context.WithCancel(context.Background())
	defer cancelWork()
	go func() {
		<-ctx.Done()
		select {
		case <-workCtx.Done():
		case <-time.After(l.shutdownGrace):
			cancelWork()
		}
	}()

	var sem = make(chan struct{}, l.maxInflight)
	for {
		select {
		case <-ctx.Done():
			ops.PublishLog(l.publisher, logrus.InfoLevel, "worker", "worker_stopped",
				"instance_id", l.instanceID)
			return nil
		default:
		}

		l.maybeReap(workCtx)

		var records, err = l.engine.ClaimBatch(workCtx, l.flow, l.instanceID, l.batchSize)
		if err != nil {
			ops.PublishLog(l.publisher, logrus.WarnLevel, "worker", "claim_failed",
				"instance_id", l.instanceID, "error", err)
			records = nil
		}
		if len(records) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(l.idleBackoff):
			}
			continue
		}

		var wg sync.WaitGroup
		for _, record := range records {
			sem <- struct{}{}
			wg.Add(1)
			go func(r queue.Record) {
				defer wg.Done()
				defer func() { <-sem }()
				l.process(workCtx, r)
			}(record)
		}
		l.waitBatch(ctx, &wg)
	}
}

// waitBatch waits for the dispatched batch. Once |ctx| is cancelled it
// waits at most the shutdown grace, so a wedged handler cannot hold the
// loop past its deadline.
func (l *Loop) waitBatch(ctx context.Context, wg *sync.WaitGroup) {
	var done = make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	select {
	case <-done:
	case <-time.After(l.shutdownGrace):
		ops.PublishLog(l.publisher, logrus.WarnLevel, "worker", "shutdown_grace_expired",
			"instance_id", l.instanceID, "shutdown_grace", l.shutdownGrace.String())
	}
}

func (l *Loop) process(ctx context.Context, record queue.Record) {
	inflightGauge.Inc()
	defer inflightGauge.Dec()

	var started = time.Now()
	var result, err = l.invoke(ctx, record)
	handlerDuration.WithLabelValues(l.flow).Observe(time.Since(started).Seconds())

	if err != nil {
		ops.PublishLog(l.publisher, logrus.WarnLevel, "worker", "record_handler_failed",
			"instance_id", l.instanceID, "record_id", record.ID,
			"error", fmt.Errorf("%w: %v", fault.ErrHandler, err))
		// The stored error_message is the handler error's own string form.
		if failErr := l.engine.Fail(ctx, record.ID, err.Error()); failErr != nil {
			// The record stays in processing and is recovered by the reaper.
			ops.PublishLog(l.publisher, logrus.ErrorLevel, "worker", "report_failed",
				"instance_id", l.instanceID, "record_id", record.ID, "error", failErr)
		}
		return
	}

	if completeErr := l.engine.Complete(ctx, record.ID, result); completeErr != nil {
		ops.PublishLog(l.publisher, logrus.ErrorLevel, "worker", "report_failed",
			"instance_id", l.instanceID, "record_id", record.ID, "error", completeErr)
	}
}

// invoke runs the handler, converting a panic into an error so one bad
// record cannot take down the loop. Handler failures never propagate
// past the record they fail.
func (l *Loop) invoke(ctx context.Context, record queue.Record) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.handler(ctx, record.Payload)
}

// maybeReap runs the orphan reaper when at least the reap interval has
// passed since the last attempt. Reap errors don't stall the loop.
func (l *Loop) maybeReap(ctx context.Context) {
	if time.Since(l.lastReap) < l.reapInterval {
		return
	}
	l.lastReap = time.Now()

	if _, err := l.engine.ReapOrphans(ctx, l.orphanTimeout); err != nil {
		ops.PublishLog(l.publisher, logrus.WarnLevel, "worker", "reap_failed",
			"instance_id", l.instanceID, "error", err)
	}
}
