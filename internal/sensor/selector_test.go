package sensor

import (
	"errors"
	"testing"
)

func TestSelector_Expand(t *testing.T) {
	tests := []struct {
		name    string
		domain  Domain
		sel     Selector
		want    int
		wantErr bool
	}{
		{"power single", Power, Selector{Floor: 3, Section: "A"}, 1, false},
		{"power both sections", Power, Selector{Floor: 3, AllSections: true}, 2, false},
		{"power all floors one section", Power, Selector{AllFloors: true, Section: "B"}, 10, false},
		{"power everything", Power, Selector{AllFloors: true, AllSections: true}, 20, false},
		{"power bad section", Power, Selector{Floor: 3, Section: "Z"}, 0, true},
		{"power missing floor", Power, Selector{Section: "A"}, 0, true},
		{"water one floor", Water, Selector{Floor: 4}, 1, false},
		{"water all floors", Water, Selector{AllFloors: true}, 10, false},
		{"energy all ids", Energy, Selector{Floor: 7, AllIDs: true}, 6, false},
		{"energy one id", Energy, Selector{Floor: 3, ID: "3203"}, 1, false},
		{"energy id on wrong floor", Energy, Selector{Floor: 4, ID: "3203"}, 0, true},
		{"energy all floors one id", Energy, Selector{AllFloors: true, ID: "3203"}, 1, false},
		{"energy floor without sensors", Energy, Selector{Floor: 5, AllIDs: true}, 0, true},
		{"explicit keys dedup", Power, Selector{Keys: []string{"F3/A", "3/a", "F4/B"}}, 2, false},
		{"explicit bad key", Water, Selector{Keys: []string{"F3", "F99"}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := tt.sel.Expand(tt.domain)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("Expand() error = %v, want ErrInvalidKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expand() error = %v", err)
			}
			if len(keys) != tt.want {
				t.Errorf("Expand() = %d keys %v, want %d", len(keys), keys, tt.want)
			}
			for _, k := range keys {
				if k.Domain != tt.domain {
					t.Errorf("key %v has domain %q, want %q", k, k.Domain, tt.domain)
				}
			}
		})
	}
}

func TestSelector_ExplicitKeysKeepOrder(t *testing.T) {
	keys, err := Selector{Keys: []string{"F9", "F2", "F9"}}.Expand(Water)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != WaterKey(9) || keys[1] != WaterKey(2) {
		t.Errorf("Expand() = %v, want [water/F9 water/F2]", keys)
	}
}
