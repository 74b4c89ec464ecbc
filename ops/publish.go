// Package ops publishes structured operational events. Every state
// transition in conveyor emits an event to a Publisher; events are
// advisory, and their loss must not affect queue correctness.
package ops

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Fields are event-specific key/value pairs. Consumers must tolerate
// unknown fields.
type Fields = map[string]interface{}

// Publisher is a sink for operational events. Implementations must be
// safe for concurrent use.
type Publisher interface {
	// Publish emits one event. |component| is one of "store",
	// "migration", "queue", "worker", or "health"; |event| names the
	// transition or observation.
	Publish(level logrus.Level, component, event string, fields Fields)
}

// PublishLog constructs and publishes an event using the given Publisher.
// Extra must be pairs of a string key followed by a value.
// PublishLog panics if |extra| is odd or a key isn't a string, because
// incorrect fields are a developer implementation error rather than a
// user or input error.
func PublishLog(publisher Publisher, level logrus.Level, component, event string, extra ...interface{}) {
	if len(extra)%2 != 0 {
		panic(fmt.Sprintf("extra must be of even length: %#v", extra))
	}

	var fields = make(Fields, len(extra)/2)
	for i := 0; i != len(extra); i += 2 {
		var key = extra[i].(string)
		var value = extra[i+1]

		// Errors typically have struct marshalling behavior and appear
		// as '{}', so explicitly cast them to their displayed string.
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		fields[key] = value
	}
	publisher.Publish(level, component, event, fields)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(logrus.Level, string, string, Fields) {}

var _ Publisher = NopPublisher{}
