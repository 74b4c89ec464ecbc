package ops

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nsf/jsondiff"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLocalPublisherEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	var p = newLocalPublisher(&buf, logrus.InfoLevel)

	p.Publish(logrus.InfoLevel, "queue", "records_claimed", Fields{
		"flow":        "score-surveys",
		"instance_id": "host-1234-deadbeef",
		"count":       3,
	})
	p.Publish(logrus.WarnLevel, "worker", "report_failed", Fields{
		"record_id": 42,
	})

	var lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var opts = jsondiff.DefaultConsoleOptions()
	diff, _ := jsondiff.Compare([]byte(lines[0]), []byte(
		`{"component":"queue","count":3,"event":"records_claimed","flow":"score-surveys","instance_id":"host-1234-deadbeef","level":"info"}`,
	), &opts)
	// The emitted line carries an extra "ts" field beyond the expectation.
	require.Equal(t, jsondiff.SupersetMatch, diff)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	require.Equal(t, "worker", decoded["component"])
	require.Equal(t, "report_failed", decoded["event"])
	require.Equal(t, "warning", decoded["level"])

	ts, err := time.Parse(time.RFC3339Nano, decoded["ts"].(string))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestLocalPublisherRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	var p = newLocalPublisher(&buf, logrus.InfoLevel)

	p.Publish(logrus.DebugLevel, "store", "connection_recycled", nil)
	require.Empty(t, buf.String())
}

func TestPublishLogPairsAndErrors(t *testing.T) {
	var capture CapturePublisher
	PublishLog(&capture, logrus.ErrorLevel, "worker", "claim_failed",
		"flow", "score-surveys",
		"err", errors.New("connection refused"),
	)

	var events = capture.Events()
	require.Len(t, events, 1)
	require.Equal(t, "claim_failed", events[0].Event)
	require.Equal(t, "score-surveys", events[0].Fields["flow"])
	// Errors are rendered to their string form rather than marshalled as '{}'.
	require.Equal(t, "connection refused", events[0].Fields["err"])

	require.Panics(t, func() {
		PublishLog(&capture, logrus.InfoLevel, "worker", "odd_fields", "key-without-value")
	})
}
