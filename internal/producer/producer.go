// Package producer runs the periodic tasks that publish readings: one
// operator-driven [Manual] producer per domain, and the background
// [Default] producer that replays baseline samples for every sensor no
// manual producer has claimed.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/sensorpub/internal/logfunnel"
	"github.com/nugget/sensorpub/internal/sensor"
	"github.com/nugget/sensorpub/internal/sink"
)

var (
	// ErrInvalidConfig is returned by Start when the period, selector or
	// field values are unusable. Nothing is claimed.
	ErrInvalidConfig = errors.New("invalid producer config")

	// ErrAlreadyRunning is returned by Start on a producer that is not
	// idle.
	ErrAlreadyRunning = errors.New("producer already running")

	// ErrShutdownTimeout is returned by Stop when the loop did not exit
	// within the join timeout. The loop is abandoned; claimed keys are
	// still released.
	ErrShutdownTimeout = errors.New("producer shutdown timed out")
)

// DefaultJoinTimeout bounds Stop when no timeout is configured.
const DefaultJoinTimeout = time.Second

// Target is where a producer publishes: the sink plus the topic and
// delivery settings every payload shares.
type Target struct {
	Sink      sink.Sink
	BaseTopic string
	QoS       byte
	Retain    bool
}

func (t Target) publish(ctx context.Context, k sensor.Key, payload any) error {
	topic := k.Topic(t.BaseTopic)
	body, err := json.Marshal(payload)
	if err != nil {
		return &sink.PublishError{Topic: topic, Err: fmt.Errorf("encode payload: %w", err)}
	}
	return t.Sink.Publish(ctx, topic, body, t.QoS, t.Retain)
}

// Observer is told about publish outcomes. The metrics collector
// implements it; a nil Observer discards everything.
type Observer interface {
	Published(d sensor.Domain, producer string, n int)
	PublishFailed(d sensor.Domain, producer string, n int)
	BaselineUnavailable(d sensor.Domain)
	TickRecovered(producer string)
}

type nopObserver struct{}

func (nopObserver) Published(sensor.Domain, string, int)     {}
func (nopObserver) PublishFailed(sensor.Domain, string, int) {}
func (nopObserver) BaselineUnavailable(sensor.Domain)        {}
func (nopObserver) TickRecovered(string)                     {}

// Options are shared by both producer kinds. Zero values are filled
// in by the constructors.
type Options struct {
	// Reporter receives operator-visible status lines.
	Reporter *logfunnel.Reporter
	Logger   *slog.Logger
	Observer Observer
	// JoinTimeout bounds how long Stop waits for the loop to exit.
	JoinTimeout time.Duration
	// Now is the payload clock; tests pin it.
	Now func() time.Time
}

func (o Options) withDefaults(name string) Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Reporter == nil {
		o.Reporter = logfunnel.NewRegistry(nil, o.Logger, "").Reporter(name)
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// join waits for done until the join timeout or ctx expires.
func join(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}
}
