// Package orchestrator owns the simulator's long-lived pieces: the
// arbitration state, the log funnel, one manual producer per domain and
// the default producer. It exposes the operator operations the control
// API calls and tears everything down in order on shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/sensorpub/internal/arbiter"
	"github.com/nugget/sensorpub/internal/baseline"
	"github.com/nugget/sensorpub/internal/logfunnel"
	"github.com/nugget/sensorpub/internal/producer"
	"github.com/nugget/sensorpub/internal/sensor"
	"github.com/nugget/sensorpub/internal/telemetry"
)

// DefaultDrainEvery is the funnel drain cadence when none is configured.
const DefaultDrainEvery = 100 * time.Millisecond

// ErrClosed is returned by operations attempted after Shutdown.
var ErrClosed = errors.New("simulator is shut down")

// Observer receives producer outcomes plus manual lifecycle changes.
// [metrics.Metrics] implements it.
type Observer interface {
	producer.Observer
	SetManualRunning(d sensor.Domain, running bool)
}

// Config wires the orchestrator to its collaborators.
type Config struct {
	Target producer.Target
	Source baseline.Source
	Model  *telemetry.Model

	DefaultsEnabled bool
	DefaultPeriod   time.Duration
	JoinTimeout     time.Duration

	Funnel     logfunnel.Config
	DrainEvery time.Duration
	// LogDir enables per-name daily log files when non-empty.
	LogDir string

	Observer Observer
	Logger   *slog.Logger
	// Now pins the payload clock in tests.
	Now func() time.Time
}

// Orchestrator is the process-wide simulator. Build it with [New].
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	state    *arbiter.State
	funnel   *logfunnel.Funnel
	registry *logfunnel.Registry
	manual   map[sensor.Domain]*producer.Manual
	def      *producer.Default
	events   *logfunnel.Reporter

	mu          sync.Mutex
	started     bool
	closed      bool
	funnelStop  context.CancelFunc
	funnelDone  chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

// New builds every component but starts nothing.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Target.Sink == nil {
		return nil, errors.New("orchestrator: sink is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("orchestrator: baseline source is required")
	}
	if cfg.Model == nil {
		return nil, errors.New("orchestrator: telemetry model is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DrainEvery <= 0 {
		cfg.DrainEvery = DefaultDrainEvery
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  arbiter.New(),
		funnel: logfunnel.New(cfg.Funnel),
		manual: make(map[sensor.Domain]*producer.Manual, len(sensor.Domains)),
	}
	o.registry = logfunnel.NewRegistry(o.funnel, cfg.Logger, cfg.LogDir)
	o.events = o.registry.Reporter("sensorpub")

	var obs producer.Observer
	if cfg.Observer != nil {
		obs = cfg.Observer
	}
	for _, d := range sensor.Domains {
		o.manual[d] = producer.NewManual(d, o.state, cfg.Target, producer.Options{
			Reporter:    o.registry.Reporter("manual-" + string(d)),
			Logger:      cfg.Logger,
			Observer:    obs,
			JoinTimeout: cfg.JoinTimeout,
			Now:         cfg.Now,
		})
	}
	o.def = producer.NewDefault(o.state, cfg.Source, cfg.Model, cfg.Target, cfg.DefaultPeriod, producer.Options{
		Reporter:    o.registry.Reporter("default"),
		Logger:      cfg.Logger,
		Observer:    obs,
		JoinTimeout: cfg.JoinTimeout,
		Now:         cfg.Now,
	})
	return o, nil
}

// Funnel returns the operator log funnel.
func (o *Orchestrator) Funnel() *logfunnel.Funnel { return o.funnel }

// Reporter returns the named operator log reporter, for components
// outside the orchestrator such as the broker watchers.
func (o *Orchestrator) Reporter(name string) *logfunnel.Reporter {
	return o.registry.Reporter(name)
}

// Start launches the funnel owner loop and, when enabled, the default
// producer. Start may be called once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.started {
		return errors.New("orchestrator already started")
	}
	o.started = true

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.funnelStop = cancel
	o.funnelDone = make(chan struct{})
	go func() {
		defer close(o.funnelDone)
		o.funnel.Run(fctx, o.cfg.DrainEvery)
	}()

	if o.cfg.DefaultsEnabled {
		if err := o.def.Start(ctx); err != nil {
			return fmt.Errorf("start default producer: %w", err)
		}
	} else {
		o.events.Infof("default producer disabled")
	}
	return nil
}

// StartManual starts domain d's manual producer. Errors wrap
// [producer.ErrInvalidConfig], [producer.ErrAlreadyRunning] or
// [arbiter.ErrKeyConflict]; after Shutdown it returns [ErrClosed].
func (o *Orchestrator) StartManual(d sensor.Domain, cfg producer.ManualConfig) error {
	m, ok := o.manual[d]
	if !ok {
		return fmt.Errorf("%w: unknown domain %q", producer.ErrInvalidConfig, d)
	}

	// Held across Start so Shutdown either sees this producer running
	// or rejects it.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if err := m.Start(cfg); err != nil {
		return err
	}
	o.setManualRunning(d, true)
	return nil
}

// StopManual stops domain d's manual producer. The keys it claimed are
// released even when the result is [producer.ErrShutdownTimeout].
func (o *Orchestrator) StopManual(ctx context.Context, d sensor.Domain) error {
	m, ok := o.manual[d]
	if !ok {
		return fmt.Errorf("%w: unknown domain %q", producer.ErrInvalidConfig, d)
	}
	err := m.Stop(ctx)
	o.setManualRunning(d, false)
	return err
}

// ReplaceAllowList restricts default production in domain d to keys.
// An empty list lifts the restriction.
func (o *Orchestrator) ReplaceAllowList(d sensor.Domain, keys []sensor.Key) {
	o.state.ReplaceAllowList(d, keys)
	if len(keys) == 0 {
		o.events.Infof("%s allow-list cleared", d)
		return
	}
	o.events.Infof("%s allow-list set: %d keys", d, len(keys))
}

// ClearAllowList lifts domain d's allow-list restriction.
func (o *Orchestrator) ClearAllowList(d sensor.Domain) {
	o.ReplaceAllowList(d, nil)
}

// DomainState is one domain's slice of [Status].
type DomainState struct {
	Manual     producer.ManualStatus `json:"manual"`
	Overridden []string              `json:"overridden"`
	Allowed    []string              `json:"allowed"`
}

// Status is a point-in-time view of the whole simulator.
type Status struct {
	Domains         map[sensor.Domain]DomainState `json:"domains"`
	DefaultRunning  bool                          `json:"default_running"`
	DefaultPeriodMS int64                         `json:"default_period_ms"`
	FunnelPending   int                           `json:"funnel_pending"`
	FunnelDropped   uint64                        `json:"funnel_dropped"`
}

// Status reports every manual producer, the arbitration sets and the
// default producer.
func (o *Orchestrator) Status() Status {
	s := Status{
		Domains:         make(map[sensor.Domain]DomainState, len(sensor.Domains)),
		DefaultRunning:  o.def.Running(),
		DefaultPeriodMS: o.def.Period().Milliseconds(),
		FunnelPending:   o.funnel.Pending(),
		FunnelDropped:   o.funnel.Dropped(),
	}
	for _, d := range sensor.Domains {
		snap := o.state.Snapshot(d)
		s.Domains[d] = DomainState{
			Manual:     o.manual[d].Status(),
			Overridden: keyStrings(d, snap.Overridden),
			Allowed:    keyStrings(d, snap.Allowed),
		}
	}
	return s
}

// keyStrings renders set members in universe order.
func keyStrings(d sensor.Domain, set arbiter.KeySet) []string {
	out := make([]string, 0, len(set))
	for _, k := range sensor.Universe(d) {
		if set.Has(k) {
			out = append(out, k.String())
		}
	}
	return out
}

// Shutdown stops the default producer, then every manual producer,
// then closes the sink and drains the funnel one last time. Producer
// timeouts are logged and shutdown carries on. Only the first call
// does any work; later calls return the first result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdown.Do(func() {
		o.shutdownErr = o.doShutdown(ctx)
	})
	return o.shutdownErr
}

func (o *Orchestrator) doShutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.events.Infof("shutting down")

	if err := o.def.Stop(ctx); err != nil {
		o.logger.Warn("default producer stop", "error", err)
	}

	var g errgroup.Group
	for _, d := range sensor.Domains {
		g.Go(func() error {
			if err := o.StopManual(ctx, d); err != nil {
				o.logger.Warn("manual producer stop", "domain", d, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	if err := o.cfg.Target.Sink.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}

	o.mu.Lock()
	stop, done := o.funnelStop, o.funnelDone
	o.mu.Unlock()
	if stop == nil {
		o.funnel.Drain()
	} else {
		stop()
		select {
		case <-done:
			// Catch anything posted after the owner's own final drain.
			o.funnel.Drain()
		case <-ctx.Done():
			o.logger.Warn("funnel owner did not exit", "error", ctx.Err())
		}
	}

	if err := o.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log files: %w", err))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) setManualRunning(d sensor.Domain, running bool) {
	if o.cfg.Observer != nil {
		o.cfg.Observer.SetManualRunning(d, running)
	}
}
