package producer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/sensorpub/internal/arbiter"
	"github.com/nugget/sensorpub/internal/sensor"
	"github.com/nugget/sensorpub/internal/telemetry"
)

// State is a manual producer's lifecycle position.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ManualConfig is what an operator submits to start a manual producer.
type ManualConfig struct {
	Selector sensor.Selector `json:"selector"`
	// Period is the emit interval in milliseconds, as typed. Fractions
	// are truncated; the result must be at least 1.
	Period string `json:"period"`
	// Fields holds the operator-entered values by payload field name.
	Fields map[string]string `json:"fields"`
}

// ManualStatus is a point-in-time view of a manual producer.
type ManualStatus struct {
	Domain    sensor.Domain      `json:"domain"`
	State     State              `json:"state"`
	Keys      []string           `json:"keys,omitempty"`
	PeriodMS  int64              `json:"period_ms,omitempty"`
	Fields    map[string]float64 `json:"fields,omitempty"`
	Sent      uint64             `json:"sent"`
	Failed    uint64             `json:"failed"`
	StartedAt time.Time          `json:"started_at,omitzero"`
}

// manualRun is the state of one Start..Stop cycle.
type manualRun struct {
	keys      []sensor.Key
	period    time.Duration
	values    map[string]float64
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manual emits operator-entered values for a set of keys on a fixed
// period. While running it holds an override claim on those keys so
// the default producer leaves them alone.
type Manual struct {
	domain sensor.Domain
	state  *arbiter.State
	target Target
	opts   Options
	name   string

	mu     sync.Mutex
	st     State
	run    *manualRun
	sent   uint64
	failed uint64
}

// NewManual creates an idle manual producer for domain d.
func NewManual(d sensor.Domain, state *arbiter.State, target Target, opts Options) *Manual {
	name := "manual-" + string(d)
	return &Manual{
		domain: d,
		state:  state,
		target: target,
		opts:   opts.withDefaults(name),
		name:   name,
	}
}

// Domain returns the producer's domain.
func (m *Manual) Domain() sensor.Domain { return m.domain }

// ParsePeriod converts an operator-entered period in milliseconds.
// The value is truncated toward zero and must be at least 1.
func ParsePeriod(s string) (time.Duration, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: period %q is not a number", ErrInvalidConfig, s)
	}
	if v >= math.MaxInt64/float64(time.Millisecond) {
		return 0, fmt.Errorf("%w: period %q is too large", ErrInvalidConfig, s)
	}
	ms := int64(v)
	if ms < 1 {
		return 0, fmt.Errorf("%w: period must be at least 1 ms, got %q", ErrInvalidConfig, s)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Start validates cfg, claims the selected keys and launches the emit
// loop. On any error the producer stays idle with nothing claimed.
// Claims overlapping another running manual producer fail with
// [arbiter.ErrKeyConflict].
func (m *Manual) Start(cfg ManualConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st != Idle {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, m.name, m.st)
	}
	m.st = Starting

	run, err := m.prepare(cfg)
	if err != nil {
		m.st = Idle
		return err
	}
	if err := m.state.Claim(m.domain, run.keys); err != nil {
		m.st = Idle
		if errors.Is(err, arbiter.ErrKeyConflict) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel
	run.done = make(chan struct{})
	run.startedAt = m.opts.Now()
	m.run = run
	m.sent, m.failed = 0, 0
	m.st = Running

	go m.loop(ctx, run)

	m.opts.Reporter.Infof("%s start: %d keys every %s", m.domain, len(run.keys), run.period)
	return nil
}

func (m *Manual) prepare(cfg ManualConfig) (*manualRun, error) {
	period, err := ParsePeriod(cfg.Period)
	if err != nil {
		return nil, err
	}
	keys, err := cfg.Selector.Expand(m.domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	values, err := telemetry.ParseManualFields(m.domain, cfg.Fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &manualRun{keys: keys, period: period, values: values}, nil
}

// Stop cancels the loop, waits up to the join timeout for it to exit,
// and releases exactly the keys claimed by Start. Stop on an idle
// producer is a no-op. A loop that outlives the timeout is abandoned
// and [ErrShutdownTimeout] returned; the keys are released regardless.
func (m *Manual) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.st != Running {
		m.mu.Unlock()
		return nil
	}
	m.st = Stopping
	run := m.run
	m.mu.Unlock()

	run.cancel()
	joinErr := join(ctx, run.done, m.opts.JoinTimeout)
	m.state.Release(m.domain, run.keys)

	m.mu.Lock()
	m.st = Idle
	m.run = nil
	sent := m.sent
	m.mu.Unlock()

	if joinErr != nil {
		m.opts.Reporter.Warnf("%s stop: loop did not exit in %s, abandoned", m.domain, m.opts.JoinTimeout)
		return fmt.Errorf("stop %s: %w", m.name, joinErr)
	}
	m.opts.Reporter.Infof("%s stop: %d sent", m.domain, sent)
	return nil
}

// Status returns the producer's current state and counters.
func (m *Manual) Status() ManualStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ManualStatus{
		Domain: m.domain,
		State:  m.st,
		Sent:   m.sent,
		Failed: m.failed,
	}
	if m.run != nil {
		s.Keys = make([]string, len(m.run.keys))
		for i, k := range m.run.keys {
			s.Keys[i] = k.String()
		}
		s.PeriodMS = m.run.period.Milliseconds()
		s.Fields = make(map[string]float64, len(m.run.values))
		for k, v := range m.run.values {
			s.Fields[k] = v
		}
		s.StartedAt = m.run.startedAt
	}
	return s
}

func (m *Manual) loop(ctx context.Context, run *manualRun) {
	defer close(run.done)

	ticker := time.NewTicker(run.period)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		m.tick(ctx, run)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick publishes one payload per claimed key, then posts one summary
// line. Publishes are not cut short by cancellation.
func (m *Manual) tick(ctx context.Context, run *manualRun) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Observer.TickRecovered(m.name)
			m.opts.Reporter.Errorf("%s tick panic: %v", m.domain, r)
		}
	}()

	pubCtx := context.WithoutCancel(ctx)
	now := m.opts.Now()
	var ok, failed int
	for _, k := range run.keys {
		payload := telemetry.Manual(k, run.values, now)
		if err := m.target.publish(pubCtx, k, payload); err != nil {
			failed++
			m.opts.Reporter.Warnf("%s publish failed: %v", k, err)
			continue
		}
		ok++
	}

	m.mu.Lock()
	// An abandoned loop must not count against a later run.
	if m.run == run {
		m.sent += uint64(ok)
		m.failed += uint64(failed)
	}
	total := m.sent
	m.mu.Unlock()

	m.opts.Observer.Published(m.domain, m.name, ok)
	if failed > 0 {
		m.opts.Observer.PublishFailed(m.domain, m.name, failed)
	}
	m.opts.Reporter.Infof("%s %d sent (total %d)", m.domain, ok, total)
}
