package arbiter

import (
	"errors"
	"sync"
	"testing"

	"github.com/nugget/sensorpub/internal/sensor"
)

func TestIsAllowed_EmptyAllowListPermitsEverything(t *testing.T) {
	s := New()
	for _, d := range sensor.Domains {
		for _, k := range sensor.Universe(d) {
			if !s.IsAllowed(d, k) {
				t.Fatalf("IsAllowed(%s, %v) = false with empty allow-list", d, k)
			}
		}
	}
}

func TestIsAllowed_Membership(t *testing.T) {
	s := New()
	s.ReplaceAllowList(sensor.Power, []sensor.Key{sensor.PowerKey(3, "A")})

	for _, k := range sensor.Universe(sensor.Power) {
		want := k == sensor.PowerKey(3, "A")
		if got := s.IsAllowed(sensor.Power, k); got != want {
			t.Errorf("IsAllowed(power, %v) = %v, want %v", k, got, want)
		}
	}

	// Other domains are unaffected.
	if !s.IsAllowed(sensor.Water, sensor.WaterKey(1)) {
		t.Error("water should remain unrestricted")
	}

	s.ClearAllowList(sensor.Power)
	if !s.IsAllowed(sensor.Power, sensor.PowerKey(9, "B")) {
		t.Error("ClearAllowList should lift the restriction")
	}
}

func TestClaimReleaseSymmetry(t *testing.T) {
	s := New()
	pre := sensor.PowerKey(1, "A")
	if err := s.Claim(sensor.Power, []sensor.Key{pre}); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	before := s.Overrides(sensor.Power)

	keys := []sensor.Key{sensor.PowerKey(3, "A"), sensor.PowerKey(3, "B")}
	if err := s.Claim(sensor.Power, keys); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got := len(s.Overrides(sensor.Power)); got != 3 {
		t.Fatalf("override count = %d, want 3", got)
	}

	s.Release(sensor.Power, keys)
	after := s.Overrides(sensor.Power)
	if len(after) != len(before) || !after.Has(pre) {
		t.Errorf("overrides after release = %v, want %v", after, before)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	s := New()
	keys := []sensor.Key{sensor.WaterKey(2), sensor.WaterKey(4)}
	if err := s.Claim(sensor.Water, keys); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	s.Release(sensor.Water, keys)
	once := s.Overrides(sensor.Water)
	s.Release(sensor.Water, keys)
	twice := s.Overrides(sensor.Water)

	if len(once) != 0 || len(twice) != 0 {
		t.Errorf("overrides after releases = %v / %v, want empty", once, twice)
	}
}

func TestClaim_ConflictIsAllOrNothing(t *testing.T) {
	s := New()
	if err := s.Claim(sensor.Power, []sensor.Key{sensor.PowerKey(3, "A")}); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	err := s.Claim(sensor.Power, []sensor.Key{sensor.PowerKey(2, "A"), sensor.PowerKey(3, "A")})
	if !errors.Is(err, ErrKeyConflict) {
		t.Fatalf("Claim() error = %v, want ErrKeyConflict", err)
	}

	ov := s.Overrides(sensor.Power)
	if ov.Has(sensor.PowerKey(2, "A")) {
		t.Error("failed claim left a partial registration")
	}
	if len(ov) != 1 {
		t.Errorf("override count = %d, want 1", len(ov))
	}
}

func TestClaim_RejectsForeignDomainKey(t *testing.T) {
	s := New()
	err := s.Claim(sensor.Power, []sensor.Key{sensor.WaterKey(1)})
	if !errors.Is(err, sensor.ErrInvalidKey) {
		t.Fatalf("Claim() error = %v, want ErrInvalidKey", err)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New()
	k := sensor.EnergyKey(3, "3203")
	snap := s.Snapshot(sensor.Energy)

	if err := s.Claim(sensor.Energy, []sensor.Key{k}); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if snap.Overridden.Has(k) {
		t.Error("snapshot observed a later claim")
	}
	if !snap.Eligible(k) {
		t.Error("key should be eligible in the earlier snapshot")
	}

	snap = s.Snapshot(sensor.Energy)
	if snap.Eligible(k) {
		t.Error("claimed key should not be eligible")
	}

	snap.Overridden[sensor.EnergyKey(1, "1209")] = struct{}{}
	if s.Overrides(sensor.Energy).Has(sensor.EnergyKey(1, "1209")) {
		t.Error("mutating a snapshot leaked into shared state")
	}
}

func TestSnapshot_EligibleCombinesBoth(t *testing.T) {
	s := New()
	a, b := sensor.PowerKey(3, "A"), sensor.PowerKey(3, "B")
	s.ReplaceAllowList(sensor.Power, []sensor.Key{a, b})
	if err := s.Claim(sensor.Power, []sensor.Key{a}); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	snap := s.Snapshot(sensor.Power)
	if snap.Eligible(a) {
		t.Error("overridden key must not be eligible even when allowed")
	}
	if !snap.Eligible(b) {
		t.Error("allowed, unclaimed key should be eligible")
	}
	if snap.Eligible(sensor.PowerKey(4, "A")) {
		t.Error("key outside allow-list should not be eligible")
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	s := New()
	keys := []sensor.Key{sensor.WaterKey(5)}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Claim(sensor.Water, keys)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrKeyConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}
