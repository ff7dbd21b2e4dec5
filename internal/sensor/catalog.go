package sensor

import "slices"

// Sections are the two power distribution sections on every floor.
var Sections = []string{"A", "B"}

// energyCatalog lists the air-quality sensor ids installed per floor.
// Floor 5 has none.
var energyCatalog = map[int][]string{
	1:  {"1209", "1221", "1225", "1128"},
	2:  {"2210", "2221"},
	3:  {"3203", "3208", "3210", "3120"},
	4:  {"4204", "4218"},
	5:  {},
	6:  {"6203", "6210", "6221", "6225"},
	7:  {"7208", "7210", "7117", "7122", "7221", "7225"},
	8:  {"8206", "8221", "8123", "8128"},
	9:  {"9210", "9221"},
	10: {"10206", "10210", "10114", "10117", "10221", "10225"},
}

// Floors returns every floor number in ascending order.
func Floors() []int {
	floors := make([]int, 0, MaxFloor-MinFloor+1)
	for f := MinFloor; f <= MaxFloor; f++ {
		floors = append(floors, f)
	}
	return floors
}

// EnergyIDs returns a copy of the energy sensor ids installed on floor.
func EnergyIDs(floor int) []string {
	return slices.Clone(energyCatalog[floor])
}

// HasEnergyID reports whether id is installed on floor.
func HasEnergyID(floor int, id string) bool {
	return id != "" && slices.Contains(energyCatalog[floor], id)
}

// Universe returns every key of domain d in a stable order: floors
// ascending, then sections or catalog ids in catalog order.
func Universe(d Domain) []Key {
	var keys []Key
	for _, f := range Floors() {
		switch d {
		case Power:
			for _, s := range Sections {
				keys = append(keys, PowerKey(f, s))
			}
		case Water:
			keys = append(keys, WaterKey(f))
		case Energy:
			for _, id := range energyCatalog[f] {
				keys = append(keys, EnergyKey(f, id))
			}
		}
	}
	return keys
}
