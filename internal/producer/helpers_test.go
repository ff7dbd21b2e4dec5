package producer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/sensorpub/internal/baseline"
	"github.com/nugget/sensorpub/internal/sensor"
	"github.com/nugget/sensorpub/internal/sink"
)

const testBase = "lemon/sensors"

type published struct {
	Topic   string
	Payload []byte
}

// recordSink captures publishes. Topics in failOn fail; when block is
// non-nil every publish waits on it.
type recordSink struct {
	mu       sync.Mutex
	msgs     []published
	failOn   map[string]bool
	block    chan struct{}
	attempts atomic.Int32
}

func (r *recordSink) Publish(_ context.Context, topic string, payload []byte, _ byte, _ bool) error {
	r.attempts.Add(1)
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn[topic] {
		return &sink.PublishError{Topic: topic, Err: errors.New("broker down")}
	}
	r.msgs = append(r.msgs, published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (r *recordSink) Close(context.Context) error { return nil }

func (r *recordSink) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Topic
	}
	return out
}

func (r *recordSink) count(prefix string) int {
	n := 0
	for _, t := range r.topics() {
		if strings.HasPrefix(t, prefix) {
			n++
		}
	}
	return n
}

func (r *recordSink) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

func (r *recordSink) decode(t *testing.T, topic string) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Topic == topic {
			var v map[string]any
			if err := json.Unmarshal(m.Payload, &v); err != nil {
				t.Fatalf("payload for %s is not JSON: %v", topic, err)
			}
			return v
		}
	}
	t.Fatalf("no publish to %s; got %v", topic, r.msgs)
	return nil
}

// fakeSource serves fixed rows; domains in fail report unavailable.
type fakeSource struct {
	fail map[sensor.Domain]bool
}

func (f fakeSource) Nearest(_ context.Context, d sensor.Domain) (baseline.Row, error) {
	if f.fail[d] {
		return baseline.Row{}, baseline.ErrUnavailable
	}
	fields := map[sensor.Domain]map[string]float64{
		sensor.Power: {
			"temp": 24, "humi": 50, "total_power_factor": 0.95,
			"active_electric_energy": 1000, "total_active_power": 40,
			"total_reactive_power": 5, "total_apparent_power": 42,
		},
		sensor.Water: {
			"inst_flow": 3, "neg_dec_data": 0, "neg_sum_data": 0,
			"pos_dec_data": 1, "pos_sum_data": 100, "plain_dec_data": 1,
			"plain_sum_data": 100, "today_value": 12,
		},
		sensor.Energy: {"temp": 22, "humi": 40, "co2": 420},
	}
	return baseline.Row{Fields: fields[d], At: time.Now()}, nil
}

// countingObserver tallies observer callbacks.
type countingObserver struct {
	mu        sync.Mutex
	published map[sensor.Domain]int
	failed    map[sensor.Domain]int
	baseline  int
	recovered int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{published: map[sensor.Domain]int{}, failed: map[sensor.Domain]int{}}
}

func (c *countingObserver) Published(d sensor.Domain, _ string, n int) {
	c.mu.Lock()
	c.published[d] += n
	c.mu.Unlock()
}

func (c *countingObserver) PublishFailed(d sensor.Domain, _ string, n int) {
	c.mu.Lock()
	c.failed[d] += n
	c.mu.Unlock()
}

func (c *countingObserver) BaselineUnavailable(sensor.Domain) {
	c.mu.Lock()
	c.baseline++
	c.mu.Unlock()
}

func (c *countingObserver) TickRecovered(string) {
	c.mu.Lock()
	c.recovered++
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
