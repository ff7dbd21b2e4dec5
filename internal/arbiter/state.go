// Package arbiter holds the process-wide arbitration state shared by
// the manual and default producers: the override registry (keys
// claimed by running manual producers) and the per-domain allow-list
// that restricts default production.
//
// Both structures live behind one mutex. The mutex guards only the
// in-memory mutation or copy; callers never hold it across a publish
// or a baseline lookup. Readers always receive copies.
package arbiter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nugget/sensorpub/internal/sensor"
)

// ErrKeyConflict is returned by [State.Claim] when a requested key is
// already claimed by another manual producer.
var ErrKeyConflict = errors.New("key already claimed")

// KeySet is an unordered set of sensor keys.
type KeySet map[sensor.Key]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...sensor.Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s KeySet) Has(k sensor.Key) bool {
	_, ok := s[k]
	return ok
}

func (s KeySet) clone() KeySet {
	c := make(KeySet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// State is the override registry plus allow-list for every domain.
// The zero value is not usable; call [New].
type State struct {
	mu        sync.Mutex
	overrides map[sensor.Domain]KeySet
	allow     map[sensor.Domain]KeySet
}

// New returns empty arbitration state: nothing claimed, no allow-list
// restriction in any domain.
func New() *State {
	s := &State{
		overrides: make(map[sensor.Domain]KeySet, len(sensor.Domains)),
		allow:     make(map[sensor.Domain]KeySet, len(sensor.Domains)),
	}
	for _, d := range sensor.Domains {
		s.overrides[d] = KeySet{}
		s.allow[d] = KeySet{}
	}
	return s
}

// Claim registers keys as overridden in domain d. The claim is all or
// nothing: if any key is already claimed, or belongs to a different
// domain, nothing is registered and the error wraps [ErrKeyConflict]
// or [sensor.ErrInvalidKey].
func (s *State) Claim(d sensor.Domain, keys []sensor.Key) error {
	for _, k := range keys {
		if k.Domain != d {
			return fmt.Errorf("%w: %v is not a %s key", sensor.ErrInvalidKey, k, d)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.overrides[d]
	for _, k := range keys {
		if set.Has(k) {
			return fmt.Errorf("%w: %v", ErrKeyConflict, k)
		}
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return nil
}

// Release removes exactly keys from domain d's override set. Removing
// a key that is not claimed is a no-op, so Release is idempotent.
func (s *State) Release(d sensor.Domain, keys []sensor.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.overrides[d]
	for _, k := range keys {
		delete(set, k)
	}
}

// ReplaceAllowList replaces domain d's allow-list wholesale. An empty
// key list lifts the restriction. The change is seen by the next
// default producer tick.
func (s *State) ReplaceAllowList(d sensor.Domain, keys []sensor.Key) {
	next := NewKeySet(keys...)

	s.mu.Lock()
	s.allow[d] = next
	s.mu.Unlock()
}

// ClearAllowList lifts domain d's allow-list restriction.
func (s *State) ClearAllowList(d sensor.Domain) {
	s.ReplaceAllowList(d, nil)
}

// IsAllowed reports whether default production may emit k: true when
// the domain's allow-list is empty, otherwise set membership.
func (s *State) IsAllowed(d sensor.Domain, k sensor.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return allowed(s.allow[d], k)
}

// Overrides returns a copy of domain d's override set.
func (s *State) Overrides(d sensor.Domain) KeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides[d].clone()
}

// AllowList returns a copy of domain d's allow-list.
func (s *State) AllowList(d sensor.Domain) KeySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allow[d].clone()
}

// Snapshot returns both sets for domain d, copied under a single lock
// acquisition so the pair is coherent.
func (s *State) Snapshot(d sensor.Domain) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Overridden: s.overrides[d].clone(),
		Allowed:    s.allow[d].clone(),
	}
}

// Snapshot is a point-in-time copy of one domain's arbitration state.
type Snapshot struct {
	Overridden KeySet
	Allowed    KeySet
}

// Eligible reports whether default production may emit k under this
// snapshot: not overridden, and allowed.
func (s Snapshot) Eligible(k sensor.Key) bool {
	return !s.Overridden.Has(k) && allowed(s.Allowed, k)
}

func allowed(allow KeySet, k sensor.Key) bool {
	return len(allow) == 0 || allow.Has(k)
}
