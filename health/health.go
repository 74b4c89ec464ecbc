// Package health assesses the operational state of a conveyor
// deployment: store connectivity, queue depth and orphan pressure, and
// trailing processing performance, rolled into a single
// healthy / degraded / unhealthy verdict.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/surveymill/conveyor/config"
	"github.com/surveymill/conveyor/queue"
	"github.com/surveymill/conveyor/store"
)

// State is the rolled-up verdict of a health check.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Thresholds tune when queue pressure downgrades the verdict.
type Thresholds struct {
	// FailedCritical is the failed-record count above which the queue is
	// unhealthy.
	FailedCritical int
	// PendingWarning is the pending backlog above which the queue is
	// degraded.
	PendingWarning int
	// SuccessWarningPct is the trailing success rate below which
	// processing is considered degraded.
	SuccessWarningPct float64
	// PerfWindow is the trailing window of the performance assessment.
	PerfWindow time.Duration
	// ProbeTTL bounds how often stores are re-probed.
	ProbeTTL time.Duration
}

// DefaultThresholds returns the standard tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedCritical:    10,
		PendingWarning:    100,
		SuccessWarningPct: 90,
		PerfWindow:        time.Hour,
		ProbeTTL:          15 * time.Second,
	}
}

// StoreProber probes every configured store. *store.Access implements it.
type StoreProber interface {
	HealthAll(ctx context.Context) map[string]store.Health
}

// QueueInspector reads queue aggregates. *queue.Engine implements it.
type QueueInspector interface {
	Status(ctx context.Context, flow string) (queue.QueueStatus, error)
	CountOrphans(ctx context.Context, orphanTimeout time.Duration) (int, error)
	Performance(ctx context.Context, flow string, window time.Duration) (queue.PerfStats, error)
}

// QueueHealth is the queue-pressure portion of a report.
type QueueHealth struct {
	queue.Counts
	Orphans int `json:"orphans"`
}

// Performance is the derived trailing-window assessment.
type Performance struct {
	WindowSeconds      float64            `json:"window_seconds"`
	Completed          int                `json:"completed"`
	Failed             int                `json:"failed"`
	SuccessRatePct     float64            `json:"success_rate_pct"`
	ProcessingPerHour  float64            `json:"processing_rate_per_hour"`
	AvgProcessingMS    float64            `json:"avg_processing_time_ms"`
	TopErrors          []queue.ErrorCount `json:"top_errors,omitempty"`
}

// Report is one complete health assessment.
type Report struct {
	Status      State                   `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Stores      map[string]store.Health `json:"stores"`
	Queue       QueueHealth             `json:"queue"`
	Performance Performance             `json:"performance"`
	Diagnostics []string                `json:"diagnostics,omitempty"`
}

// Checker composes store probes and queue aggregates into Reports.
type Checker struct {
	stores        StoreProber
	inspector     QueueInspector
	thresholds    Thresholds
	flow          string
	orphanTimeout time.Duration

	// Store probes are cached so aggressive health polling cannot
	// saturate the pools it is meant to observe.
	probeCache *expirable.LRU[string, map[string]store.Health]
}

// NewChecker builds a Checker over |stores| and |inspector|, scoped to
// the configured flow and orphan timeout.
func NewChecker(cfg config.Config, stores StoreProber, inspector QueueInspector, thresholds Thresholds) *Checker {
	return &Checker{
		stores:        stores,
		inspector:     inspector,
		thresholds:    thresholds,
		flow:          cfg.FlowName,
		orphanTimeout: cfg.OrphanTimeout,
		probeCache:    expirable.NewLRU[string, map[string]store.Health](1, nil, thresholds.ProbeTTL),
	}
}

// Check assesses the deployment. It always returns a Report; failures
// of the underlying probes surface as diagnostics and verdict
// downgrades rather than errors.
func (c *Checker) Check(ctx context.Context) Report {
	var report = Report{
		Status:    StateHealthy,
		Timestamp: time.Now().UTC(),
		Stores:    c.probeStores(ctx),
	}

	var degrade = func(diag string) {
		if report.Status == StateHealthy {
			report.Status = StateDegraded
		}
		report.Diagnostics = append(report.Diagnostics, diag)
	}

	for name, health := range report.Stores {
		if p := health.Pool; p != nil && p.Overflow > 0 && p.Idle == 0 {
			degrade(fmt.Sprintf("store %s pool is saturated (%d in use, %d overflow)",
				name, p.InUse, p.Overflow))
		}
		if health.Connected && health.QueryOK {
			continue
		}
		if name == store.QueueStore {
			report.Status = StateUnhealthy
			report.Diagnostics = append(report.Diagnostics,
				fmt.Sprintf("queue store probe failed: %s", health.Error))
		} else {
			degrade(fmt.Sprintf("store %s probe failed: %s", name, health.Error))
		}
	}
	if report.Status == StateUnhealthy {
		return report
	}

	status, err := c.inspector.Status(ctx, c.flow)
	if err != nil {
		report.Status = StateUnhealthy
		report.Diagnostics = append(report.Diagnostics,
			fmt.Sprintf("queue status query failed: %s", err))
		return report
	}
	report.Queue.Counts = status.Counts

	orphans, err := c.inspector.CountOrphans(ctx, c.orphanTimeout)
	if err != nil {
		degrade(fmt.Sprintf("orphan count query failed: %s", err))
	}
	report.Queue.Orphans = orphans

	if status.Failed > c.thresholds.FailedCritical {
		report.Status = StateUnhealthy
		report.Diagnostics = append(report.Diagnostics,
			fmt.Sprintf("failed records at %d (threshold %d)",
				status.Failed, c.thresholds.FailedCritical))
	}
	if status.Pending > c.thresholds.PendingWarning {
		degrade(fmt.Sprintf("pending backlog at %d (threshold %d)",
			status.Pending, c.thresholds.PendingWarning))
	}
	if orphans > 0 {
		degrade(fmt.Sprintf("%d processing records exceed the orphan timeout", orphans))
	}

	stats, err := c.inspector.Performance(ctx, c.flow, c.thresholds.PerfWindow)
	if err != nil {
		degrade(fmt.Sprintf("performance query failed: %s", err))
		return report
	}
	report.Performance = derivePerformance(stats)

	if stats.Completed+stats.Failed > 0 &&
		report.Performance.SuccessRatePct < c.thresholds.SuccessWarningPct {
		degrade(fmt.Sprintf("success rate at %.1f%% (threshold %.1f%%)",
			report.Performance.SuccessRatePct, c.thresholds.SuccessWarningPct))
	}
	return report
}

// probeStores returns cached probes when fresh, probing otherwise.
func (c *Checker) probeStores(ctx context.Context) map[string]store.Health {
	if cached, ok := c.probeCache.Get("stores"); ok {
		return cached
	}
	var probed = c.stores.HealthAll(ctx)
	c.probeCache.Add("stores", probed)
	return probed
}

// derivePerformance converts raw window aggregates into rates. An empty
// window reads as a perfect success rate rather than a zero one.
func derivePerformance(stats queue.PerfStats) Performance {
	var out = Performance{
		WindowSeconds:   stats.Window.Seconds(),
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		AvgProcessingMS: stats.AvgProcessingMS,
		SuccessRatePct:  100,
		TopErrors:       stats.TopErrors,
	}
	if total := stats.Completed + stats.Failed; total > 0 {
		out.SuccessRatePct = 100 * float64(stats.Completed) / float64(total)
	}
	if hours := stats.Window.Hours(); hours > 0 {
		out.ProcessingPerHour = float64(stats.Completed) / hours
	}
	return out
}
