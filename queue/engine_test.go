package queue

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"github.com/surveymill/conveyor/config"
	"github.com/surveymill/conveyor/fault"
	"github.com/surveymill/conveyor/ops"
	"github.com/surveymill/conveyor/store"
)

// The claim statement's shape is load-bearing: it must be a single
// UPDATE driven by a skip-locked subquery, with FIFO ordering by
// created_at and an id tiebreak.
func TestClaimStatementShape(t *testing.T) {
	require.Equal(t, 1, strings.Count(claimSQL, ";"), "claim must be a single statement")
	require.Contains(t, claimSQL, "FOR UPDATE SKIP LOCKED")
	require.Contains(t, claimSQL, "ORDER BY created_at ASC, id ASC")
	require.Contains(t, claimSQL, "RETURNING id, flow_name, payload, retry_count, claimed_at")
	require.True(t, strings.HasPrefix(strings.TrimSpace(claimSQL), "UPDATE processing_queue"))
}

func TestRetryAccountingStatements(t *testing.T) {
	// fail and reap each count one retry; reset-failed does not.
	require.Contains(t, failSQL, "retry_count = retry_count + 1")
	require.Contains(t, reapSQL, "retry_count = retry_count + 1")
	require.NotContains(t, resetFailedSQL, "retry_count = retry_count + 1")

	// Records returning to pending shed their claim stamps and error.
	require.Contains(t, reapSQL, "instance_id = NULL")
	require.Contains(t, reapSQL, "claimed_at = NULL")
	require.Contains(t, reapSQL, "error_message = NULL")
	require.Contains(t, resetFailedSQL, "error_message = NULL")
	require.Contains(t, resetFailedSQL, "retry_count < $1")
}

func TestNewEngineRejectsStoreWithoutSkipLocked(t *testing.T) {
	var cfg = config.New()
	cfg.QueueStore.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	cfg.FlowName = "test-flow"
	require.NoError(t, cfg.Validate())

	access, err := store.Open(cfg, ops.NopPublisher{})
	require.NoError(t, err)
	defer access.Close()

	st, err := access.Get(store.QueueStore)
	require.NoError(t, err)

	_, err = NewEngine(st, ops.NopPublisher{})
	require.ErrorIs(t, err, fault.ErrUnsupportedStore)
	require.Equal(t, fault.ExitUnsupported, fault.ExitCode(err))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abc", 5))
	require.Equal(t, "abcde", Truncate("abcdef", 5))
	require.Equal(t, "", Truncate("", 5))
	require.Len(t, Truncate(strings.Repeat("x", 4096), ErrMessageLimit), ErrMessageLimit)

	// Truncation never splits a multibyte rune.
	require.Equal(t, "h", Truncate("héllo", 2))
	var truncated = Truncate(strings.Repeat("é", ErrMessageLimit), ErrMessageLimit)
	require.True(t, utf8.ValidString(truncated))
	require.Len(t, truncated, ErrMessageLimit)
}

func TestCountsAggregation(t *testing.T) {
	var s QueueStatus
	s.add(StatusPending, 3)
	s.add(StatusProcessing, 1)
	s.add(StatusCompleted, 10)
	s.add(StatusFailed, 2)

	require.Equal(t, 3, s.Pending)
	require.Equal(t, 1, s.Processing)
	require.Equal(t, 10, s.Completed)
	require.Equal(t, 2, s.Failed)
	require.Equal(t, 16, s.Total)
}
