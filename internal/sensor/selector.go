package sensor

import "fmt"

// Selector describes the keys a manual producer targets. Either Keys
// lists explicit key expressions, or the remaining fields describe an
// expansion: one floor or all floors, crossed with one section or both
// (power), or one energy id or every id on the floor (energy).
type Selector struct {
	Keys []string `json:"keys,omitempty"`

	Floor     int  `json:"floor,omitempty"`
	AllFloors bool `json:"all_floors,omitempty"`

	Section     string `json:"section,omitempty"`
	AllSections bool   `json:"all_sections,omitempty"`

	ID     string `json:"id,omitempty"`
	AllIDs bool   `json:"all_ids,omitempty"`
}

// Expand resolves the selector into a deduplicated key list for
// domain d. Explicit keys keep their input order; expansions follow
// [Universe] order. An expansion that yields no keys is an error.
func (s Selector) Expand(d Domain) ([]Key, error) {
	if len(s.Keys) > 0 {
		keys, err := ParseKeys(d, s.Keys)
		if err != nil {
			return nil, err
		}
		return dedup(keys), nil
	}

	floors, err := s.floors()
	if err != nil {
		return nil, err
	}

	var keys []Key
	switch d {
	case Power:
		sections := Sections
		if !s.AllSections {
			sections = []string{s.Section}
		}
		for _, f := range floors {
			for _, sec := range sections {
				k := PowerKey(f, sec)
				if err := k.Validate(); err != nil {
					return nil, err
				}
				keys = append(keys, k)
			}
		}
	case Water:
		for _, f := range floors {
			keys = append(keys, WaterKey(f))
		}
	case Energy:
		for _, f := range floors {
			if s.AllIDs {
				for _, id := range energyCatalog[f] {
					keys = append(keys, EnergyKey(f, id))
				}
				continue
			}
			// A single id only exists on one floor; with all floors
			// selected the id picks its own floor.
			if HasEnergyID(f, s.ID) {
				keys = append(keys, EnergyKey(f, s.ID))
			} else if !s.AllFloors {
				return nil, fmt.Errorf("%w: energy id %q not installed on F%d", ErrInvalidKey, s.ID, f)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown domain %q", ErrInvalidKey, d)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: selector matches no %s sensors", ErrInvalidKey, d)
	}
	return dedup(keys), nil
}

func (s Selector) floors() ([]int, error) {
	if s.AllFloors {
		return Floors(), nil
	}
	if s.Floor < MinFloor || s.Floor > MaxFloor {
		return nil, fmt.Errorf("%w: floor %d out of range %d-%d", ErrInvalidKey, s.Floor, MinFloor, MaxFloor)
	}
	return []int{s.Floor}, nil
}

func dedup(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
