package config

// TuningConfig holds the bias and jitter constants of the synthetic
// reading model. Percentages are in percent (3 means ±3%); steps and
// deltas are in the unit of the field they adjust.
type TuningConfig struct {
	Power  PowerTuning  `yaml:"power"`
	Water  WaterTuning  `yaml:"water"`
	Energy EnergyTuning `yaml:"energy"`
}

// PowerTuning shapes power meter readings.
type PowerTuning struct {
	BiasPct   float64 `yaml:"bias_pct"`
	JitterPct float64 `yaml:"jitter_pct"`

	TempStep       float64 `yaml:"temp_step"`
	TempJitter     float64 `yaml:"temp_jitter"`
	HumidityStep   float64 `yaml:"humidity_step"`
	HumidityJitter float64 `yaml:"humidity_jitter"`
	PFJitter       float64 `yaml:"power_factor_jitter"`

	// Section B runs slightly hotter and heavier than section A.
	SectionBScale    float64 `yaml:"section_b_scale"`
	SectionBTemp     float64 `yaml:"section_b_temp"`
	SectionBHumidity float64 `yaml:"section_b_humidity"`
}

// WaterTuning shapes water meter readings.
type WaterTuning struct {
	FlowBiasPct   float64 `yaml:"flow_bias_pct"`
	FlowJitterPct float64 `yaml:"flow_jitter_pct"`
	SumBiasPct    float64 `yaml:"sum_bias_pct"`
}

// EnergyTuning shapes air-quality readings.
type EnergyTuning struct {
	TempStep       float64 `yaml:"temp_step"`
	TempJitter     float64 `yaml:"temp_jitter"`
	HumidityStep   float64 `yaml:"humidity_step"`
	HumidityJitter float64 `yaml:"humidity_jitter"`
	CO2Step        float64 `yaml:"co2_step"`
	CO2Jitter      float64 `yaml:"co2_jitter"`
}

// DefaultTuning returns the constants the simulator ships with.
func DefaultTuning() TuningConfig {
	return TuningConfig{
		Power: PowerTuning{
			BiasPct:          3.0,
			JitterPct:        2.0,
			TempStep:         0.2,
			TempJitter:       0.3,
			HumidityStep:     0.6,
			HumidityJitter:   1.5,
			PFJitter:         0.02,
			SectionBScale:    1.01,
			SectionBTemp:     0.1,
			SectionBHumidity: 0.2,
		},
		Water: WaterTuning{
			FlowBiasPct:   2.0,
			FlowJitterPct: 5.0,
			SumBiasPct:    1.0,
		},
		Energy: EnergyTuning{
			TempStep:       0.2,
			TempJitter:     0.3,
			HumidityStep:   0.5,
			HumidityJitter: 1.0,
			CO2Step:        15,
			CO2Jitter:      25,
		},
	}
}
