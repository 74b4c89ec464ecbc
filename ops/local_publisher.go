package ops

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalPublisher writes events to the local process stderr as JSON
// lines, one object per line. Required fields are "ts" (ISO-8601 UTC),
// "level", "component", and "event"; remaining fields are event-specific.
type LocalPublisher struct {
	logger *logrus.Logger
}

var _ Publisher = &LocalPublisher{}

// NewLocalPublisher returns a LocalPublisher emitting to stderr at |level|.
func NewLocalPublisher(level logrus.Level) *LocalPublisher {
	return newLocalPublisher(os.Stderr, level)
}

func newLocalPublisher(w io.Writer, level logrus.Level) *LocalPublisher {
	var logger = logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "event",
		},
	})
	return &LocalPublisher{logger: logger}
}

func (p *LocalPublisher) Publish(level logrus.Level, component, event string, fields Fields) {
	var entry = p.logger.WithField("component", component)
	if len(fields) != 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	entry.Log(level, event)
}

// CapturePublisher records events in memory. It's a test aid, and also
// backs diagnostics surfaces that want to inspect recent events.
type CapturePublisher struct {
	mu     sync.Mutex
	events []CapturedEvent
}

// CapturedEvent is one event recorded by a CapturePublisher.
type CapturedEvent struct {
	Level     logrus.Level
	Component string
	Event     string
	Fields    Fields
}

var _ Publisher = &CapturePublisher{}

func (p *CapturePublisher) Publish(level logrus.Level, component, event string, fields Fields) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, CapturedEvent{
		Level:     level,
		Component: component,
		Event:     event,
		Fields:    fields,
	})
}

// Events returns a copy of all recorded events.
func (p *CapturePublisher) Events() []CapturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CapturedEvent(nil), p.events...)
}
