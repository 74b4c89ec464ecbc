package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/surveymill/conveyor/config"
	"github.com/surveymill/conveyor/ops"
	"github.com/surveymill/conveyor/queue"
)

// fakeEngine is an in-memory Engine which serves claims FIFO and
// records reported outcomes.
type fakeEngine struct {
	mu        sync.Mutex
	pending   []queue.Record
	completed map[int64]json.RawMessage
	failed    map[int64]string
	reaps     int
	claimErr  error

	inflight    int
	maxObserved int
}

func newFakeEngine(n int) *fakeEngine {
	var e = &fakeEngine{
		completed: make(map[int64]json.RawMessage),
		failed:    make(map[int64]string),
	}
	for i := 0; i < n; i++ {
		e.pending = append(e.pending, queue.Record{
			ID:       int64(i + 1),
			FlowName: "test-flow",
			Payload:  json.RawMessage(fmt.Sprintf(`{"seq": %d}`, i)),
		})
	}
	return e
}

func (e *fakeEngine) ClaimBatch(_ context.Context, _, instanceID string, batchSize int) ([]queue.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.claimErr != nil {
		return nil, e.claimErr
	}
	if batchSize > len(e.pending) {
		batchSize = len(e.pending)
	}
	var out = make([]queue.Record, batchSize)
	copy(out, e.pending[:batchSize])
	e.pending = e.pending[batchSize:]

	for i := range out {
		out[i].Status = queue.StatusProcessing
		out[i].InstanceID = instanceID
	}
	return out, nil
}

func (e *fakeEngine) Complete(_ context.Context, recordID int64, result json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed[recordID] = result
	return nil
}

func (e *fakeEngine) Fail(_ context.Context, recordID int64, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed[recordID] = message
	return nil
}

func (e *fakeEngine) ReapOrphans(context.Context, time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reaps++
	return 0, nil
}

// enter and leave bracket a handler invocation to observe concurrency.
func (e *fakeEngine) enter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight++
	if e.inflight > e.maxObserved {
		e.maxObserved = e.inflight
	}
}

func (e *fakeEngine) leave() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
}

func (e *fakeEngine) outcomes() (completed, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed), len(e.failed)
}

func testConfig() config.Config {
	var cfg = config.New()
	cfg.FlowName = "test-flow"
	cfg.BatchSize = 3
	cfg.MaxInflight = 2
	cfg.IdleBackoff = time.Millisecond
	cfg.ShutdownGrace = time.Second
	return cfg
}

// runLoop runs |loop| until |done| reports true, then cancels and
// waits for a clean return.
func runLoop(t *testing.T, loop *Loop, done func() bool) {
	t.Helper()

	var ctx, cancel = context.WithCancel(context.Background())
	var finished = make(chan error, 1)
	go func() { finished <- loop.Run(ctx) }()

	require.Eventually(t, done, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-finished)
}

func TestLoopDrainsQueue(t *testing.T) {
	var engine = newFakeEngine(10)
	var handler = func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok": true}`), nil
	}
	var loop = NewLoop(testConfig(), engine, handler, ops.NopPublisher{})

	runLoop(t, loop, func() bool {
		var completed, _ = engine.outcomes()
		return completed == 10
	})

	completed, failed := engine.outcomes()
	require.Equal(t, 10, completed)
	require.Equal(t, 0, failed)
	require.JSONEq(t, `{"ok": true}`, string(engine.completed[1]))
}

func TestHandlerErrorFailsRecord(t *testing.T) {
	var engine = newFakeEngine(4)
	var handler = func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var doc struct{ Seq int }
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		if doc.Seq%2 == 1 {
			return nil, errors.New("odd records are rejected")
		}
		return nil, nil
	}
	var loop = NewLoop(testConfig(), engine, handler, ops.NopPublisher{})

	runLoop(t, loop, func() bool {
		completed, failed := engine.outcomes()
		return completed+failed == 4
	})

	completed, failed := engine.outcomes()
	require.Equal(t, 2, completed)
	require.Equal(t, 2, failed)
	require.Equal(t, "odd records are rejected", engine.failed[2])
}

// The persisted error_message is the handler error's own string form,
// without any classification prefix.
func TestHandlerErrorMessageIsRecordedVerbatim(t *testing.T) {
	var engine = newFakeEngine(1)
	var handler = func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("bad data")
	}
	var loop = NewLoop(testConfig(), engine, handler, ops.NopPublisher{})

	runLoop(t, loop, func() bool {
		var _, failed = engine.outcomes()
		return failed == 1
	})
	require.Equal(t, "bad data", engine.failed[1])
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	var engine = newFakeEngine(1)
	var handler = func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	}
	var loop = NewLoop(testConfig(), engine, handler, ops.NopPublisher{})

	runLoop(t, loop, func() bool {
		var _, failed = engine.outcomes()
		return failed == 1
	})
	require.Equal(t, "panic: boom", engine.failed[1])
}

func TestMaxInflightBoundsConcurrency(t *testing.T) {
	var engine = newFakeEngine(12)
	var handler = func(context.Context, json.RawMessage) (json.RawMessage, error) {
		engine.enter()
		defer engine.leave()
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}

	var cfg = testConfig()
	cfg.BatchSize = 6
	cfg.MaxInflight = 2
	var loop = NewLoop(cfg, engine, handler, ops.NopPublisher{})

	runLoop(t, loop, func() bool {
		var completed, _ = engine.outcomes()
		return completed == 12
	})
	require.LessOrEqual(t, engine.maxObserved, 2)
	require.Positive(t, engine.maxObserved)
}

func TestClaimErrorBacksOffAndRecovers(t *testing.T) {
	var engine = newFakeEngine(2)
	engine.claimErr = errors.New("store unavailable")

	var loop = NewLoop(testConfig(), engine, Passthrough, ops.NopPublisher{})

	var ctx, cancel = context.WithCancel(context.Background())
	var finished = make(chan error, 1)
	go func() { finished <- loop.Run(ctx) }()

	// The loop ticks through claim failures without reporting outcomes.
	time.Sleep(20 * time.Millisecond)
	completed, failed := engine.outcomes()
	require.Zero(t, completed+failed)

	// Once the store recovers, the backlog drains.
	engine.mu.Lock()
	engine.claimErr = nil
	engine.mu.Unlock()

	require.Eventually(t, func() bool {
		var completed, _ = engine.outcomes()
		return completed == 2
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-finished)
}

func TestReapPacing(t *testing.T) {
	var engine = newFakeEngine(0)
	var cfg = testConfig()
	cfg.ReapInterval = time.Hour

	var loop = NewLoop(cfg, engine, Passthrough, ops.NopPublisher{})

	var ctx, cancel = context.WithCancel(context.Background())
	var finished = make(chan error, 1)
	go func() { finished <- loop.Run(ctx) }()

	// Many idle ticks elapse, but the reaper runs once per interval.
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, <-finished)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Equal(t, 1, engine.reaps)
}

func TestInstanceIDShape(t *testing.T) {
	var id = NewInstanceID()
	var hostname, _ = os.Hostname()

	require.True(t, strings.HasPrefix(id, fmt.Sprintf("%s-%d-", hostname, os.Getpid())))
	var parts = strings.Split(id, "-")
	require.Len(t, parts[len(parts)-1], 8)
	require.NotEqual(t, id, NewInstanceID())
}
