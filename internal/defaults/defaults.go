// Package defaults provides embedded copies of the default configuration
// and sample baseline files for the sensorpub init subcommand.
package defaults

import "embed"

//go:generate sh -c "cp ../../examples/config.example.yaml . && mkdir -p data && cp ../../examples/data/*.csv data/"

//go:embed config.example.yaml
var ConfigYAML []byte

// Data holds power_data.csv, water_data.csv and energy_data.csv under
// data/.
//
//go:embed data/*.csv
var Data embed.FS
