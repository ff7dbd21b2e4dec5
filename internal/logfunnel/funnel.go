// Package logfunnel carries operator-visible status lines from every
// producer goroutine to one owner. Producers post without blocking;
// the owner drains on a fixed cadence into a bounded display buffer
// and fans each drained event out to live subscribers such as the
// websocket log stream.
//
// The Funnel is nil-safe for posting: calling Post on a nil *Funnel is
// a no-op, so components built without a funnel need no guards.
package logfunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one status line. Events are immutable once posted.
type Event struct {
	Time   time.Time  `json:"ts"`
	Source string     `json:"source"`
	Level  slog.Level `json:"level"`
	Text   string     `json:"text"`
}

// Line renders the event the way the display buffer shows it.
func (e Event) Line() string {
	return fmt.Sprintf("[%s] %s: %s", e.Time.Format("2006-01-02 15:04:05.000"), e.Source, e.Text)
}

// Config bounds the funnel's buffers.
type Config struct {
	// DisplayCap is the display length that triggers a trim.
	DisplayCap int
	// TrimTo is how many of the newest events a trim keeps.
	TrimTo int
	// BacklogCap bounds events posted but not yet drained. Once full,
	// each new post evicts the oldest pending event.
	BacklogCap int
}

// DefaultConfig returns the stock display and backlog bounds.
func DefaultConfig() Config {
	return Config{DisplayCap: 1000, TrimTo: 800, BacklogCap: 10000}
}

// Funnel is a many-producer, single-owner event queue.
type Funnel struct {
	cfg Config

	mu      sync.Mutex
	pending []Event
	dropped atomic.Uint64

	displayMu sync.RWMutex
	display   []Event

	bus *bus
}

// New creates a funnel. Zero or inconsistent bounds fall back to
// [DefaultConfig] values.
func New(cfg Config) *Funnel {
	def := DefaultConfig()
	if cfg.DisplayCap <= 0 {
		cfg.DisplayCap = def.DisplayCap
	}
	if cfg.TrimTo <= 0 || cfg.TrimTo > cfg.DisplayCap {
		cfg.TrimTo = min(def.TrimTo, cfg.DisplayCap)
	}
	if cfg.BacklogCap <= 0 {
		cfg.BacklogCap = def.BacklogCap
	}
	return &Funnel{cfg: cfg, bus: newBus()}
}

// Post enqueues e. It never blocks on the owner and never fails; when
// the backlog is full the oldest pending event is dropped.
func (f *Funnel) Post(e Event) {
	if f == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.Lock()
	if len(f.pending) >= f.cfg.BacklogCap {
		n := len(f.pending) - f.cfg.BacklogCap + 1
		clear(f.pending[:n])
		f.pending = f.pending[n:]
		f.dropped.Add(uint64(n))
	}
	f.pending = append(f.pending, e)
	f.mu.Unlock()
}

// Dropped returns how many events were evicted from a full backlog.
func (f *Funnel) Dropped() uint64 {
	return f.dropped.Load()
}

// Pending returns the number of posted events awaiting a drain.
func (f *Funnel) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Drain moves every pending event into the display buffer, trims it
// if it grew past the cap, and hands the events to subscribers. It
// returns the number of events moved. Only the owner calls Drain.
func (f *Funnel) Drain() int {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	f.displayMu.Lock()
	f.display = append(f.display, batch...)
	if len(f.display) > f.cfg.DisplayCap {
		kept := make([]Event, f.cfg.TrimTo, f.cfg.DisplayCap)
		copy(kept, f.display[len(f.display)-f.cfg.TrimTo:])
		f.display = kept
	}
	f.displayMu.Unlock()

	for _, e := range batch {
		f.bus.publish(e)
	}
	return len(batch)
}

// Run drains every cadence until ctx is done, then drains once more
// so nothing posted before cancellation is lost.
func (f *Funnel) Run(ctx context.Context, cadence time.Duration) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.Drain()
			return
		case <-ticker.C:
			f.Drain()
		}
	}
}

// Events returns a copy of the display buffer, oldest first.
func (f *Funnel) Events() []Event {
	f.displayMu.RLock()
	defer f.displayMu.RUnlock()
	return append([]Event(nil), f.display...)
}

// Lines returns the display buffer rendered with [Event.Line].
func (f *Funnel) Lines() []string {
	f.displayMu.RLock()
	defer f.displayMu.RUnlock()
	lines := make([]string, len(f.display))
	for i, e := range f.display {
		lines[i] = e.Line()
	}
	return lines
}

// Subscribe returns a channel that receives every drained event. Slow
// subscribers miss events rather than stalling the owner. The caller
// must call [Funnel.Unsubscribe] when done.
func (f *Funnel) Subscribe(bufSize int) <-chan Event {
	return f.bus.subscribe(bufSize)
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Funnel) Unsubscribe(ch <-chan Event) {
	f.bus.unsubscribe(ch)
}

// Subscribers returns the number of live subscriptions.
func (f *Funnel) Subscribers() int {
	return f.bus.count()
}
