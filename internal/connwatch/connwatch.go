// Package connwatch tracks whether the transports sensorpub publishes
// through are reachable. The autopaho and kafka-go clients reconnect on
// their own; connwatch only observes, so the health endpoint, metrics
// and operator log can say when the broker went away and came back.
//
// A Watcher probes one service. While the service is down it retries
// with exponential backoff (1s, 2s, 4s, ... capped at 30s); while it is
// up it re-probes on a fixed poll interval. State changes fire the
// OnReady and OnDown callbacks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed probe.
	InitialDelay time.Duration
	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each consecutive failure.
	Multiplier float64
	// PollInterval is the re-probe interval while the service is up.
	PollInterval time.Duration
	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the stock schedule for broker watching.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		PollInterval: 15 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = def.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = def.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = def.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, metrics and status ("mqtt").
	Name string
	// Probe checks service health. Must be safe for concurrent use.
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady fires on every down→up transition, including the first
	// successful probe. Runs on the watcher goroutine; keep it short.
	OnReady func()
	// OnDown fires on every up→down transition. Runs on the watcher
	// goroutine; keep it short.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service, as served by the
// health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns a copy of the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.cfg.Backoff
	delay := cfg.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wait := cfg.PollInterval
		if err != nil {
			wait = delay
			delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
		} else {
			delay = cfg.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// record stores the probe result and fires callbacks on transitions.
func (w *Watcher) record(err error) {
	now := time.Now()
	w.mu.Lock()
	wasReady, first := w.status.Ready, w.status.LastCheck.IsZero()
	w.status.LastCheck = now
	if err != nil {
		w.status.Ready = false
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Ready = true
		w.status.LastError = ""
		w.status.Failures = 0
	}
	if w.status.Ready != wasReady || first {
		w.status.Since = now
	}
	failures := w.status.Failures
	w.mu.Unlock()

	logger := w.cfg.Logger.With("service", w.cfg.Name)
	switch {
	case err == nil && (!wasReady || first):
		logger.Info("service connected")
		if w.cfg.OnReady != nil {
			w.cfg.OnReady()
		}
	case err != nil && wasReady:
		logger.Warn("service became unreachable", "error", err)
		if w.cfg.OnDown != nil {
			w.cfg.OnDown(err)
		}
	case err != nil:
		logger.Debug("service still unreachable", "failures", failures, "error", err)
	}
}

// Manager owns the watchers for every transport.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher for cfg.Name, replacing any existing watcher
// of that name. It panics on an empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name},
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(ctx)
	return w
}

// Status returns every watched service's status by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Ready reports whether every watched service is reachable. A manager
// with no watchers is ready.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop stops every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}
