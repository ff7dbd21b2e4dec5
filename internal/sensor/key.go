// Package sensor defines the building key space: the three telemetry
// domains, the sensor keys within each domain, the per-floor energy
// catalog, and the broker topic every key publishes to.
//
// Keys are plain comparable structs. They are safe to use as map keys
// and to copy between goroutines.
package sensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidKey is returned when a key or key expression does not name
// a sensor that exists in the building.
var ErrInvalidKey = errors.New("invalid sensor key")

// Domain identifies one telemetry family, each with its own key shape
// and payload schema.
type Domain string

const (
	// Power keys are floor × section (A or B).
	Power Domain = "power"
	// Water keys are floor only.
	Water Domain = "water"
	// Energy keys are floor × id from the per-floor catalog. Energy is
	// the air-quality family (CO₂, temperature, humidity).
	Energy Domain = "energy"
)

// Domains lists every domain in the order producers visit them.
var Domains = []Domain{Power, Water, Energy}

// ParseDomain converts a case-insensitive name to a [Domain].
func ParseDomain(s string) (Domain, error) {
	switch Domain(strings.ToLower(strings.TrimSpace(s))) {
	case Power:
		return Power, nil
	case Water:
		return Water, nil
	case Energy:
		return Energy, nil
	default:
		return "", fmt.Errorf("unknown domain %q (valid: power, water, energy)", s)
	}
}

// Floor range of the simulated building.
const (
	MinFloor = 1
	MaxFloor = 10
)

// NeutralFloor is the reference floor for floor bias: readings on this
// floor are unbiased, floors above skew up and floors below skew down.
const NeutralFloor = 6

// Key identifies a single sensor. Only the fields relevant to the
// domain are set: Section for power, ID for energy, neither for water.
type Key struct {
	Domain  Domain
	Floor   int
	Section string
	ID      string
}

// PowerKey returns the key of a power meter.
func PowerKey(floor int, section string) Key {
	return Key{Domain: Power, Floor: floor, Section: strings.ToUpper(section)}
}

// WaterKey returns the key of a floor's water meter.
func WaterKey(floor int) Key {
	return Key{Domain: Water, Floor: floor}
}

// EnergyKey returns the key of an air-quality sensor.
func EnergyKey(floor int, id string) Key {
	return Key{Domain: Energy, Floor: floor, ID: id}
}

// String renders the key as "power/F3/A", "water/F3" or
// "energy/F3/3203".
func (k Key) String() string {
	switch k.Domain {
	case Power:
		return fmt.Sprintf("power/F%d/%s", k.Floor, k.Section)
	case Energy:
		return fmt.Sprintf("energy/F%d/%s", k.Floor, k.ID)
	default:
		return fmt.Sprintf("%s/F%d", k.Domain, k.Floor)
	}
}

// Topic returns the broker topic for the key under base. A trailing
// slash on base is ignored.
func (k Key) Topic(base string) string {
	base = strings.TrimRight(base, "/")
	switch k.Domain {
	case Power:
		return fmt.Sprintf("%s/power/F%d/%s", base, k.Floor, k.Section)
	case Water:
		return fmt.Sprintf("%s/water/F%d", base, k.Floor)
	default:
		return fmt.Sprintf("%s/energy/F%d/%s", base, k.Floor, k.ID)
	}
}

// Validate reports whether the key names a sensor in the building.
func (k Key) Validate() error {
	if k.Floor < MinFloor || k.Floor > MaxFloor {
		return fmt.Errorf("%w: floor %d out of range %d-%d", ErrInvalidKey, k.Floor, MinFloor, MaxFloor)
	}
	switch k.Domain {
	case Power:
		if k.Section != "A" && k.Section != "B" {
			return fmt.Errorf("%w: power section %q must be A or B", ErrInvalidKey, k.Section)
		}
		if k.ID != "" {
			return fmt.Errorf("%w: power key carries an energy id", ErrInvalidKey)
		}
	case Water:
		if k.Section != "" || k.ID != "" {
			return fmt.Errorf("%w: water keys are floor only", ErrInvalidKey)
		}
	case Energy:
		if k.Section != "" {
			return fmt.Errorf("%w: energy key carries a section", ErrInvalidKey)
		}
		if !HasEnergyID(k.Floor, k.ID) {
			return fmt.Errorf("%w: energy id %q not installed on F%d", ErrInvalidKey, k.ID, k.Floor)
		}
	default:
		return fmt.Errorf("%w: unknown domain %q", ErrInvalidKey, k.Domain)
	}
	return nil
}

// ParseKey parses a key expression for domain d. Accepted forms, with
// or without the leading "F":
//
//	power:  "F3/A", "3/b"
//	water:  "F3", "3"
//	energy: "F3/3203"
//
// The parsed key is validated against the building catalog.
func ParseKey(d Domain, s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	floor, err := parseFloor(parts[0])
	if err != nil {
		return Key{}, err
	}

	var k Key
	switch d {
	case Power:
		if len(parts) != 2 {
			return Key{}, fmt.Errorf("%w: power key %q must be floor/section", ErrInvalidKey, s)
		}
		k = PowerKey(floor, strings.TrimSpace(parts[1]))
	case Water:
		if len(parts) != 1 {
			return Key{}, fmt.Errorf("%w: water key %q must be a floor", ErrInvalidKey, s)
		}
		k = WaterKey(floor)
	case Energy:
		if len(parts) != 2 {
			return Key{}, fmt.Errorf("%w: energy key %q must be floor/id", ErrInvalidKey, s)
		}
		k = EnergyKey(floor, strings.TrimSpace(parts[1]))
	default:
		return Key{}, fmt.Errorf("%w: unknown domain %q", ErrInvalidKey, d)
	}

	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// ParseKeys parses every expression in exprs, stopping at the first
// error.
func ParseKeys(d Domain, exprs []string) ([]Key, error) {
	keys := make([]Key, 0, len(exprs))
	for _, e := range exprs {
		k, err := ParseKey(d, e)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseFloor(s string) (int, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "F")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: floor %q is not a number", ErrInvalidKey, s)
	}
	if n < MinFloor || n > MaxFloor {
		return 0, fmt.Errorf("%w: floor %d out of range %d-%d", ErrInvalidKey, n, MinFloor, MaxFloor)
	}
	return n, nil
}
