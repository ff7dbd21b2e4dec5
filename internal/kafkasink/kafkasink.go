// Package kafkasink publishes readings to a Kafka topic instead of an
// MQTT broker. The sensor topic path becomes the message key, so every
// sensor's readings land on one partition in publish order.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nugget/sensorpub/internal/config"
	"github.com/nugget/sensorpub/internal/sink"
)

// HeaderTopic carries the sensor topic path on every message.
const HeaderTopic = "sensor_topic"

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink is a [sink.Sink] backed by a kafka-go writer.
type Sink struct {
	brokers []string
	topic   string
	logger  *slog.Logger

	mu     sync.RWMutex
	w      messageWriter
	closed bool
}

var _ sink.Sink = (*Sink)(nil)

// New creates a sink writing to cfg.Topic. The writer dials lazily on
// the first publish.
func New(cfg config.KafkaConfig, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return newSink(cfg, newWriter(cfg), logger)
}

// Publish writes and waits for one message at a time; the writer
// flushes each one immediately.
const (
	writerBatchSize    = 1
	writerBatchTimeout = 5 * time.Millisecond
)

func newWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              writerBatchSize,
		BatchTimeout:           writerBatchTimeout,
		AllowAutoTopicCreation: true,
	}
}

func newSink(cfg config.KafkaConfig, w messageWriter, logger *slog.Logger) *Sink {
	return &Sink{
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		logger:  logger.With("component", "kafka-sink"),
		w:       w,
	}
}

// Publish implements [sink.Sink]. Kafka has no retained messages or
// per-message QoS; the writer always waits for the leader's ack.
func (s *Sink) Publish(ctx context.Context, topic string, payload []byte, _ byte, _ bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &sink.PublishError{Topic: topic, Err: sink.ErrClosed}
	}

	msg := kafka.Message{
		Key:     []byte(topic),
		Value:   payload,
		Headers: []kafka.Header{{Key: HeaderTopic, Value: []byte(topic)}},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return &sink.PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Close flushes pending messages and closes the writer. It is safe to
// call more than once.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	s.logger.Info("kafka writer closed", "topic", s.topic)
	return nil
}

// Probe dials the first reachable broker. It is the health check for
// the Kafka transport.
func (s *Sink) Probe(ctx context.Context) error {
	var errs []error
	for _, b := range s.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return conn.Close()
	}
	if len(errs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	return errors.Join(errs...)
}
