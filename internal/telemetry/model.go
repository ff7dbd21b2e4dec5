package telemetry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/sensorpub/internal/config"
	"github.com/nugget/sensorpub/internal/sensor"
)

// Baseline columns each domain's synthesis reads.
var baselineFields = map[sensor.Domain][]string{
	sensor.Power: {
		"temp", "humi", "total_power_factor",
		"active_electric_energy", "total_active_power",
		"total_reactive_power", "total_apparent_power",
	},
	sensor.Water: {
		"inst_flow",
		"neg_dec_data", "neg_sum_data",
		"pos_dec_data", "pos_sum_data",
		"plain_dec_data", "plain_sum_data",
		"today_value",
	},
	sensor.Energy: {"temp", "humi", "co2"},
}

// Clamp bounds applied after bias and jitter.
const (
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
	MinPowerFactor = 0.0
	MaxPowerFactor = 1.0
	MinCO2         = 350.0
)

// BaselineFields returns the baseline columns synthesis of domain d
// requires.
func BaselineFields(d sensor.Domain) []string {
	return append([]string(nil), baselineFields[d]...)
}

// BiasScale returns the multiplicative floor bias: 1 on the neutral
// floor, growing by pct percent per floor above it and shrinking by the
// same per floor below.
func BiasScale(floor int, pct float64) float64 {
	return 1 + float64(floor-sensor.NeutralFloor)*pct/100
}

// FloorOffset returns the additive floor bias for a per-floor step.
func FloorOffset(floor int, step float64) float64 {
	return float64(floor-sensor.NeutralFloor) * step
}

// Clamp limits v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// FloorCO2 applies the CO₂ lower bound. NaN maps to the bound and +Inf
// is held at the largest value an int32 reading can carry.
func FloorCO2(v float64) float64 {
	return Clamp(v, MinCO2, math.MaxInt32)
}

// Model synthesizes default readings from a baseline sample. A Model
// is safe for concurrent use.
type Model struct {
	tuning config.TuningConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewModel creates a model with the given tuning. A nil rng selects a
// randomly seeded source; tests pass a seeded one for repeatable
// jitter.
func NewModel(tuning config.TuningConfig, rng *rand.Rand) *Model {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Model{tuning: tuning, rng: rng}
}

// uniform returns a value drawn uniformly from [-span, span].
func (m *Model) uniform(span float64) float64 {
	if span == 0 {
		return 0
	}
	m.mu.Lock()
	r := m.rng.Float64()
	m.mu.Unlock()
	return (r*2 - 1) * span
}

// JitterMul returns a random multiplier within ±pct percent of 1.
func (m *Model) JitterMul(pct float64) float64 {
	return 1 + m.uniform(pct)/100
}

// JitterAdd returns a random offset within ±delta.
func (m *Model) JitterAdd(delta float64) float64 {
	return m.uniform(delta)
}

// Synthesize builds the default payload for key k from a baseline
// sample. It fails only if a column the domain needs is missing or not
// finite.
func (m *Model) Synthesize(k sensor.Key, base map[string]float64, now time.Time) (any, error) {
	for _, name := range baselineFields[k.Domain] {
		v, ok := base[name]
		if !ok {
			return nil, fmt.Errorf("baseline sample for %s missing column %q", k.Domain, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("baseline sample for %s has non-finite %q", k.Domain, name)
		}
	}

	date := now.Format(DateLayout)
	switch k.Domain {
	case sensor.Power:
		return m.power(k, base, date), nil
	case sensor.Water:
		return m.water(k, base, date), nil
	case sensor.Energy:
		return m.energy(k, base, date), nil
	default:
		return nil, fmt.Errorf("%w: unknown domain %q", sensor.ErrInvalidKey, k.Domain)
	}
}

func (m *Model) power(k sensor.Key, base map[string]float64, date string) PowerReading {
	t := m.tuning.Power

	bias := BiasScale(k.Floor, t.BiasPct) * m.JitterMul(t.JitterPct)
	temp := base["temp"] + FloorOffset(k.Floor, t.TempStep) + m.JitterAdd(t.TempJitter)
	humi := Clamp(base["humi"]+FloorOffset(k.Floor, t.HumidityStep)+m.JitterAdd(t.HumidityJitter), MinHumidity, MaxHumidity)
	if k.Section == "B" {
		bias *= t.SectionBScale
		temp += t.SectionBTemp
		humi = Clamp(humi+t.SectionBHumidity, MinHumidity, MaxHumidity)
	}
	pf := Clamp(base["total_power_factor"]+m.JitterAdd(t.PFJitter), MinPowerFactor, MaxPowerFactor)

	return PowerReading{
		Date:                 date,
		Floor:                k.Floor,
		Section:              k.Section,
		Temp:                 temp,
		Humi:                 humi,
		ActiveElectricEnergy: base["active_electric_energy"] * bias,
		TotalActivePower:     base["total_active_power"] * bias,
		TotalReactivePower:   base["total_reactive_power"] * bias,
		TotalApparentPower:   base["total_apparent_power"] * bias,
		TotalPowerFactor:     pf,
	}
}

func (m *Model) water(k sensor.Key, base map[string]float64, date string) WaterReading {
	t := m.tuning.Water

	flow := BiasScale(k.Floor, t.FlowBiasPct) * m.JitterMul(t.FlowJitterPct)
	sum := BiasScale(k.Floor, t.SumBiasPct)

	return WaterReading{
		Date:         date,
		Floor:        k.Floor,
		Section:      waterSection,
		InstFlow:     base["inst_flow"] * flow,
		NegDecData:   base["neg_dec_data"] * sum,
		NegSumData:   base["neg_sum_data"] * sum,
		PosDecData:   base["pos_dec_data"] * sum,
		PosSumData:   base["pos_sum_data"] * sum,
		PlainDecData: base["plain_dec_data"] * sum,
		PlainSumData: base["plain_sum_data"] * sum,
		TodayValue:   base["today_value"] * sum,
	}
}

// energy reports temperature and humidity in whole units, unlike the
// manual path which sends tenths.
func (m *Model) energy(k sensor.Key, base map[string]float64, date string) EnergyReading {
	t := m.tuning.Energy

	temp := base["temp"] + FloorOffset(k.Floor, t.TempStep) + m.JitterAdd(t.TempJitter)
	humi := Clamp(base["humi"]+FloorOffset(k.Floor, t.HumidityStep)+m.JitterAdd(t.HumidityJitter), MinHumidity, MaxHumidity)
	co2 := FloorCO2(base["co2"] + FloorOffset(k.Floor, t.CO2Step) + m.JitterAdd(t.CO2Jitter))

	return EnergyReading{
		Date:        date,
		Floor:       k.Floor,
		Section:     k.ID,
		CO2:         int(co2),
		Temperature: int(temp),
		Humidity:    int(humi),
		ErrCode:     EnergyErrCode,
	}
}
