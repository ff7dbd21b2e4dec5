// Package sink defines where readings go once a producer has built
// them. Producers publish through a [Sink] without knowing whether it
// is an MQTT broker, a Kafka topic, a local archive, or several at once.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sink accepts encoded readings. Implementations must be safe for
// concurrent use; manual producers and the default producer publish
// from separate goroutines.
type Sink interface {
	// Publish delivers one payload to topic. Delivery is best effort:
	// a nil error means the payload was handed to the transport, not
	// that a consumer received it.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Close flushes and releases the transport. Publish after Close
	// returns an error.
	Close(ctx context.Context) error
}

// ErrClosed is returned by Publish after the sink has been closed.
var ErrClosed = errors.New("sink closed")

// PublishError reports a failed publish of one payload. Producers log
// it against the topic and carry on with the rest of the tick.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Fanout publishes to a primary sink and mirrors every payload the
// primary accepted to zero or more secondary sinks. Only the primary's
// result is returned; secondary failures are logged and otherwise
// ignored.
type Fanout struct {
	primary     Sink
	secondaries []Sink
	logger      *slog.Logger
}

// NewFanout creates a fan-out in front of primary.
func NewFanout(logger *slog.Logger, primary Sink, secondaries ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{primary: primary, secondaries: secondaries, logger: logger}
}

// Publish implements [Sink].
func (f *Fanout) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := f.primary.Publish(ctx, topic, payload, qos, retain); err != nil {
		return err
	}
	for _, s := range f.secondaries {
		if err := s.Publish(ctx, topic, payload, qos, retain); err != nil {
			f.logger.Warn("secondary sink publish failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// Close closes the primary first, then every secondary, and returns
// all close errors joined.
func (f *Fanout) Close(ctx context.Context) error {
	errs := []error{f.primary.Close(ctx)}
	for _, s := range f.secondaries {
		errs = append(errs, s.Close(ctx))
	}
	return errors.Join(errs...)
}
