package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/surveymill/conveyor/config"
	"github.com/surveymill/conveyor/ops"
	"github.com/surveymill/conveyor/queue"
	"github.com/surveymill/conveyor/store"
)

type fakeProber struct {
	health map[string]store.Health
	probes int
}

func (p *fakeProber) HealthAll(context.Context) map[string]store.Health {
	p.probes++
	return p.health
}

type fakeInspector struct {
	status    queue.QueueStatus
	statusErr error
	orphans   int
	stats     queue.PerfStats
}

func (i *fakeInspector) Status(context.Context, string) (queue.QueueStatus, error) {
	return i.status, i.statusErr
}

func (i *fakeInspector) CountOrphans(context.Context, time.Duration) (int, error) {
	return i.orphans, nil
}

func (i *fakeInspector) Performance(_ context.Context, _ string, window time.Duration) (queue.PerfStats, error) {
	var stats = i.stats
	stats.Window = window
	return stats, nil
}

func okStores() *fakeProber {
	return &fakeProber{health: map[string]store.Health{
		store.QueueStore:  {Connected: true, QueryOK: true, ResponseMS: 2},
		store.SourceStore: {Connected: true, QueryOK: true, ResponseMS: 3},
	}}
}

func testChecker(prober *fakeProber, inspector *fakeInspector) *Checker {
	var cfg = config.New()
	cfg.FlowName = "test-flow"
	return NewChecker(cfg, prober, inspector, DefaultThresholds())
}

func TestHealthyReport(t *testing.T) {
	var inspector = &fakeInspector{
		status: queue.QueueStatus{Counts: queue.Counts{Pending: 3, Completed: 40, Failed: 2, Total: 45}},
		stats:  queue.PerfStats{Completed: 40, Failed: 2, AvgProcessingMS: 120},
	}
	var report = testChecker(okStores(), inspector).Check(context.Background())

	require.Equal(t, StateHealthy, report.Status)
	require.Empty(t, report.Diagnostics)
	require.Equal(t, 3, report.Queue.Pending)
	require.InDelta(t, 95.2, report.Performance.SuccessRatePct, 0.1)
	require.InDelta(t, 40, report.Performance.ProcessingPerHour, 0.01)
}

func TestQueueStoreFailureIsUnhealthy(t *testing.T) {
	var prober = &fakeProber{health: map[string]store.Health{
		store.QueueStore: {Error: "connection refused"},
	}}
	var report = testChecker(prober, &fakeInspector{}).Check(context.Background())

	require.Equal(t, StateUnhealthy, report.Status)
	require.Contains(t, report.Diagnostics[0], "queue store probe failed")
}

func TestSourceStoreFailureOnlyDegrades(t *testing.T) {
	var prober = okStores()
	prober.health[store.SourceStore] = store.Health{Error: "connection refused"}

	var report = testChecker(prober, &fakeInspector{}).Check(context.Background())
	require.Equal(t, StateDegraded, report.Status)
	require.Contains(t, report.Diagnostics[0], "source_store probe failed")
}

func TestQueuePressureDegrades(t *testing.T) {
	var inspector = &fakeInspector{
		status:  queue.QueueStatus{Counts: queue.Counts{Pending: 500, Failed: 5, Total: 505}},
		orphans: 2,
	}
	var report = testChecker(okStores(), inspector).Check(context.Background())

	require.Equal(t, StateDegraded, report.Status)
	require.Len(t, report.Diagnostics, 2)
	require.Equal(t, 2, report.Queue.Orphans)
}

func TestCriticalFailedCountIsUnhealthy(t *testing.T) {
	var inspector = &fakeInspector{
		status: queue.QueueStatus{Counts: queue.Counts{Failed: 25, Total: 25}},
	}
	var report = testChecker(okStores(), inspector).Check(context.Background())

	require.Equal(t, StateUnhealthy, report.Status)
	require.Contains(t, report.Diagnostics[0], "failed records at 25")
}

func TestLowSuccessRateDegrades(t *testing.T) {
	var inspector = &fakeInspector{
		stats: queue.PerfStats{Completed: 5, Failed: 5},
	}
	var report = testChecker(okStores(), inspector).Check(context.Background())

	require.Equal(t, StateDegraded, report.Status)
	require.InDelta(t, 50, report.Performance.SuccessRatePct, 0.01)
}

func TestEmptyWindowReadsAsPerfect(t *testing.T) {
	var report = testChecker(okStores(), &fakeInspector{}).Check(context.Background())
	require.Equal(t, StateHealthy, report.Status)
	require.InDelta(t, 100, report.Performance.SuccessRatePct, 0.01)
}

func TestStatusQueryFailureIsUnhealthy(t *testing.T) {
	var inspector = &fakeInspector{statusErr: errors.New("query timeout")}
	var report = testChecker(okStores(), inspector).Check(context.Background())
	require.Equal(t, StateUnhealthy, report.Status)
}

func TestStoreProbesAreCached(t *testing.T) {
	var prober = okStores()
	var checker = testChecker(prober, &fakeInspector{})

	checker.Check(context.Background())
	checker.Check(context.Background())
	checker.Check(context.Background())
	require.Equal(t, 1, prober.probes)
}

func TestHTTPHandler(t *testing.T) {
	var inspector = &fakeInspector{
		status: queue.QueueStatus{Counts: queue.Counts{Completed: 10, Total: 10}},
		stats:  queue.PerfStats{Completed: 10},
	}
	var handler = NewHandler(testChecker(okStores(), inspector), ops.NopPublisher{})

	var rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, string(StateHealthy), summary["status"])
	require.Contains(t, summary, "uptime_s")
	require.GreaterOrEqual(t, summary["uptime_s"].(float64), float64(0))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health/detailed", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 10, report.Queue.Completed)
	require.Contains(t, report.Stores, store.QueueStore)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "conveyor_")
}

func TestUnhealthyHTTPStatus(t *testing.T) {
	var prober = &fakeProber{health: map[string]store.Health{
		store.QueueStore: {Error: "connection refused"},
	}}
	var handler = NewHandler(testChecker(prober, &fakeInspector{}), ops.NopPublisher{})

	var rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
