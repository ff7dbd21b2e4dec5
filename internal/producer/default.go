package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/sensorpub/internal/arbiter"
	"github.com/nugget/sensorpub/internal/baseline"
	"github.com/nugget/sensorpub/internal/sensor"
	"github.com/nugget/sensorpub/internal/telemetry"
)

// DefaultPeriod is the default producer's tick interval when none is
// configured.
const DefaultPeriod = time.Second

const defaultName = "default"

// Default publishes synthetic readings for every eligible key of every
// domain on each tick: keys claimed by a manual producer are skipped,
// as are keys outside a non-empty allow-list.
type Default struct {
	state  *arbiter.State
	source baseline.Source
	model  *telemetry.Model
	target Target
	period time.Duration
	opts   Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDefault creates a stopped default producer. A period below 1 ms
// selects [DefaultPeriod].
func NewDefault(state *arbiter.State, source baseline.Source, model *telemetry.Model, target Target, period time.Duration, opts Options) *Default {
	if period < time.Millisecond {
		period = DefaultPeriod
	}
	return &Default{
		state:  state,
		source: source,
		model:  model,
		target: target,
		period: period,
		opts:   opts.withDefaults(defaultName),
	}
}

// Period returns the tick interval.
func (p *Default) Period() time.Duration { return p.period }

// Start launches the tick loop. The loop runs until Stop is called or
// ctx is cancelled.
func (p *Default) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeLocked() {
		return fmt.Errorf("%w: default producer", ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go p.loop(ctx, done)

	p.opts.Reporter.Infof("default start: every %s", p.period)
	return nil
}

// Stop cancels the loop and waits up to the join timeout for it to
// exit. Stop on a stopped producer is a no-op. A loop that outlives the
// timeout still counts as running, and blocks Start, until it exits.
func (p *Default) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	if err := join(ctx, done, p.opts.JoinTimeout); err != nil {
		p.opts.Reporter.Warnf("default stop: loop did not exit in %s, abandoned", p.opts.JoinTimeout)
		return fmt.Errorf("stop default producer: %w", err)
	}

	p.mu.Lock()
	if p.done == done {
		p.cancel, p.done = nil, nil
	}
	p.mu.Unlock()
	p.opts.Reporter.Infof("default stop")
	return nil
}

// Running reports whether a loop is live: started and not yet exited.
func (p *Default) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

// activeLocked reports whether a loop is live, forgetting one that has
// exited since an abandoned Stop. p.mu must be held.
func (p *Default) activeLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		p.cancel, p.done = nil, nil
		return false
	default:
		return true
	}
}

func (p *Default) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one production pass over every domain and returns how many
// payloads each domain published. A failing domain is logged and
// skipped; the others still run.
func (p *Default) Tick(ctx context.Context) map[sensor.Domain]int {
	counts := make(map[sensor.Domain]int, len(sensor.Domains))
	for _, d := range sensor.Domains {
		counts[d] = p.tickDomain(ctx, d)
	}
	return counts
}

func (p *Default) tickDomain(ctx context.Context, d sensor.Domain) (sent int) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Observer.TickRecovered(defaultName)
			p.opts.Reporter.Errorf("%s default tick panic: %v", d, r)
		}
	}()

	row, err := p.source.Nearest(ctx, d)
	if err != nil {
		p.opts.Observer.BaselineUnavailable(d)
		p.opts.Reporter.Warnf("%s default skipped: %v", d, err)
		return 0
	}

	// The snapshot is taken after baseline I/O so the arbiter lock is
	// never held across it, and is used for the whole pass.
	snap := p.state.Snapshot(d)
	pubCtx := context.WithoutCancel(ctx)
	now := p.opts.Now()

	var failed int
	for _, k := range sensor.Universe(d) {
		if !snap.Eligible(k) {
			continue
		}
		payload, err := p.model.Synthesize(k, row.Fields, now)
		if err != nil {
			p.opts.Reporter.Errorf("%s default failed: %v", d, err)
			break
		}
		if err := p.target.publish(pubCtx, k, payload); err != nil {
			failed++
			p.opts.Reporter.Warnf("%s publish failed: %v", k, err)
			continue
		}
		sent++
	}

	p.opts.Observer.Published(d, defaultName, sent)
	if failed > 0 {
		p.opts.Observer.PublishFailed(d, defaultName, failed)
	}
	if sent > 0 {
		p.opts.Reporter.Infof("[%s] %s default %d sent", row.At.Format("15:04:05"), d, sent)
	}
	return sent
}
