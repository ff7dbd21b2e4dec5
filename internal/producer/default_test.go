package producer

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/nugget/sensorpub/internal/arbiter"
	"github.com/nugget/sensorpub/internal/baseline"
	"github.com/nugget/sensorpub/internal/config"
	"github.com/nugget/sensorpub/internal/sensor"
	"github.com/nugget/sensorpub/internal/telemetry"
)

func newTestDefault(t *testing.T, state *arbiter.State, src baseline.Source, s *recordSink, obs Observer) *Default {
	t.Helper()
	model := telemetry.NewModel(config.DefaultTuning(), rand.New(rand.NewPCG(7, 7)))
	p := NewDefault(state, src, model, Target{Sink: s, BaseTopic: testBase}, 5*time.Millisecond, Options{Observer: obs})
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

func TestDefault_TickCoversUniverse(t *testing.T) {
	s := &recordSink{}
	p := newTestDefault(t, arbiter.New(), fakeSource{}, s, nil)

	counts := p.Tick(context.Background())
	want := map[sensor.Domain]int{sensor.Power: 20, sensor.Water: 10, sensor.Energy: 34}
	for d, n := range want {
		if counts[d] != n {
			t.Errorf("Tick() %s = %d, want %d", d, counts[d], n)
		}
	}
	if got := len(s.topics()); got != 64 {
		t.Errorf("published %d payloads, want 64", got)
	}
}

func TestDefault_AllowListSingleKey(t *testing.T) {
	state := arbiter.New()
	state.ReplaceAllowList(sensor.Power, []sensor.Key{sensor.PowerKey(3, "A")})
	s := &recordSink{}
	p := newTestDefault(t, state, fakeSource{}, s, nil)

	p.Tick(context.Background())

	if got := s.count(testBase + "/power/"); got != 1 {
		t.Fatalf("power publishes = %d, want 1", got)
	}
	payload := s.decode(t, testBase+"/power/F3/A")
	if payload["section"] != "A" || payload["floor"] != float64(3) {
		t.Errorf("payload = %v", payload)
	}
	if got := s.count(testBase + "/water/"); got != 10 {
		t.Errorf("water publishes = %d, want 10 (allow-list is per domain)", got)
	}
}

func TestDefault_SkipsManualClaim(t *testing.T) {
	state := arbiter.New()
	s := &recordSink{}
	m := NewManual(sensor.Power, state, Target{Sink: &recordSink{}, BaseTopic: testBase}, Options{})
	t.Cleanup(func() { m.Stop(context.Background()) })
	if err := m.Start(powerConfig("1000", "F3/A")); err != nil {
		t.Fatal(err)
	}

	p := newTestDefault(t, state, fakeSource{}, s, nil)
	p.Tick(context.Background())

	for _, topic := range s.topics() {
		if topic == testBase+"/power/F3/A" {
			t.Fatal("default producer published a manually claimed key")
		}
	}
	if got := s.count(testBase + "/power/"); got != 19 {
		t.Errorf("power publishes = %d, want 19", got)
	}
}

func TestDefault_NeverEmitsOverriddenKeys(t *testing.T) {
	state := arbiter.New()
	s := &recordSink{}
	p := newTestDefault(t, state, fakeSource{}, s, nil)

	r := rand.New(rand.NewPCG(3, 4))
	for range 20 {
		claimed := map[sensor.Domain][]sensor.Key{}
		for _, d := range sensor.Domains {
			for _, k := range sensor.Universe(d) {
				if r.IntN(3) == 0 {
					claimed[d] = append(claimed[d], k)
				}
			}
			if err := state.Claim(d, claimed[d]); err != nil {
				t.Fatal(err)
			}
		}

		s.reset()
		p.Tick(context.Background())

		emitted := map[string]bool{}
		for _, topic := range s.topics() {
			emitted[topic] = true
		}
		for d, keys := range claimed {
			for _, k := range keys {
				if emitted[k.Topic(testBase)] {
					t.Fatalf("overridden %v was emitted", k)
				}
			}
			state.Release(d, keys)
		}
	}
}

func TestDefault_BaselineFailureSkipsOnlyThatDomain(t *testing.T) {
	s := &recordSink{}
	obs := newCountingObserver()
	p := newTestDefault(t, arbiter.New(), fakeSource{fail: map[sensor.Domain]bool{sensor.Water: true}}, s, obs)

	counts := p.Tick(context.Background())
	if counts[sensor.Water] != 0 {
		t.Errorf("water = %d, want 0", counts[sensor.Water])
	}
	if counts[sensor.Power] != 20 || counts[sensor.Energy] != 34 {
		t.Errorf("other domains = %v, want unaffected", counts)
	}
	if obs.baseline != 1 {
		t.Errorf("BaselineUnavailable calls = %d, want 1", obs.baseline)
	}
}

type panicSource struct{ fakeSource }

func (p panicSource) Nearest(ctx context.Context, d sensor.Domain) (baseline.Row, error) {
	if d == sensor.Power {
		panic("corrupt row")
	}
	return p.fakeSource.Nearest(ctx, d)
}

func TestDefault_PanicIsContained(t *testing.T) {
	s := &recordSink{}
	obs := newCountingObserver()
	p := newTestDefault(t, arbiter.New(), panicSource{}, s, obs)

	counts := p.Tick(context.Background())
	if counts[sensor.Power] != 0 || counts[sensor.Water] != 10 {
		t.Errorf("Tick() = %v, want power 0 and water 10", counts)
	}
	if obs.recovered != 1 {
		t.Errorf("TickRecovered calls = %d, want 1", obs.recovered)
	}
}

func TestDefault_PublishFailuresCounted(t *testing.T) {
	s := &recordSink{failOn: map[string]bool{testBase + "/water/F1": true}}
	obs := newCountingObserver()
	p := newTestDefault(t, arbiter.New(), fakeSource{}, s, obs)

	counts := p.Tick(context.Background())
	if counts[sensor.Water] != 9 {
		t.Errorf("water = %d, want 9", counts[sensor.Water])
	}
	if obs.failed[sensor.Water] != 1 || obs.published[sensor.Water] != 9 {
		t.Errorf("observer water published/failed = %d/%d", obs.published[sensor.Water], obs.failed[sensor.Water])
	}
}

func TestDefault_StartStop(t *testing.T) {
	s := &recordSink{}
	p := newTestDefault(t, arbiter.New(), fakeSource{}, s, nil)
	ctx := context.Background()

	if p.Running() {
		t.Fatal("new producer should not be running")
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	waitFor(t, "two default ticks", func() bool { return len(s.topics()) >= 128 })

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.Running() {
		t.Error("Running() after Stop = true")
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	settled := len(s.topics())
	time.Sleep(20 * time.Millisecond)
	if got := len(s.topics()); got != settled {
		t.Errorf("published %d more payloads after Stop", got-settled)
	}
}

// stuckSource blocks every Nearest call until release is closed,
// ignoring cancellation.
type stuckSource struct {
	fakeSource
	entered chan struct{}
	release chan struct{}
}

func (s stuckSource) Nearest(ctx context.Context, d sensor.Domain) (baseline.Row, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.fakeSource.Nearest(ctx, d)
}

func TestDefault_AbandonedLoopBlocksRestart(t *testing.T) {
	src := stuckSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(src.release) }) }

	model := telemetry.NewModel(config.DefaultTuning(), rand.New(rand.NewPCG(7, 7)))
	p := NewDefault(arbiter.New(), src, model, Target{Sink: &recordSink{}, BaseTopic: testBase},
		5*time.Millisecond, Options{JoinTimeout: 20 * time.Millisecond})
	t.Cleanup(func() {
		release()
		p.Stop(context.Background())
	})

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-src.entered

	if err := p.Stop(ctx); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Stop() error = %v, want ErrShutdownTimeout", err)
	}
	if !p.Running() {
		t.Error("Running() = false while the abandoned loop is still in a tick")
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() during abandoned loop error = %v, want ErrAlreadyRunning", err)
	}

	release()
	waitFor(t, "abandoned loop to exit", func() bool { return !p.Running() })

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() after loop exit error = %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestNewDefault_PeriodFloor(t *testing.T) {
	p := NewDefault(arbiter.New(), fakeSource{}, telemetry.NewModel(config.DefaultTuning(), nil), Target{Sink: &recordSink{}}, 0, Options{})
	if p.Period() != DefaultPeriod {
		t.Errorf("Period() = %v, want %v", p.Period(), DefaultPeriod)
	}
}
