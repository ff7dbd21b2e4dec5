// Package telemetry defines the wire payloads for each domain and the
// two ways they are produced: fixed transforms of operator-entered
// values (manual producers) and the floor-bias plus jitter model over a
// baseline sample (default producer).
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/sensorpub/internal/sensor"
)

// DateLayout is the timestamp format carried in every payload's "date"
// field, in local time with millisecond precision.
const DateLayout = "2006-01-02 15:04:05.000"

// EnergyErrCode is the fixed errcode value air-quality payloads carry.
const EnergyErrCode = 123456

// ErrInvalidField is returned when an operator-entered field is missing
// or not a number.
var ErrInvalidField = errors.New("invalid field value")

// PowerReading is the payload of a power meter.
type PowerReading struct {
	Date                 string  `json:"date"`
	Floor                int     `json:"floor"`
	Section              string  `json:"section"`
	Temp                 float64 `json:"temp"`
	Humi                 float64 `json:"humi"`
	ActiveElectricEnergy float64 `json:"active_electric_energy"`
	TotalActivePower     float64 `json:"total_active_power"`
	TotalReactivePower   float64 `json:"total_reactive_power"`
	TotalApparentPower   float64 `json:"total_apparent_power"`
	TotalPowerFactor     float64 `json:"total_power_factor"`
}

// WaterReading is the payload of a water meter. Section is always "A";
// each floor has a single meter.
type WaterReading struct {
	Date         string  `json:"date"`
	Floor        int     `json:"floor"`
	Section      string  `json:"section"`
	InstFlow     float64 `json:"inst_flow"`
	NegDecData   float64 `json:"neg_dec_data"`
	NegSumData   float64 `json:"neg_sum_data"`
	PosDecData   float64 `json:"pos_dec_data"`
	PosSumData   float64 `json:"pos_sum_data"`
	PlainDecData float64 `json:"plain_dec_data"`
	PlainSumData float64 `json:"plain_sum_data"`
	TodayValue   float64 `json:"today_value"`
}

// EnergyReading is the payload of an air-quality sensor. Section holds
// the sensor id. Particulate and VOC channels are not simulated and
// are always zero.
type EnergyReading struct {
	Date        string `json:"date"`
	Floor       int    `json:"floor"`
	Section     string `json:"section"`
	CO2         int    `json:"co2"`
	Temperature int    `json:"temperature"`
	Humidity    int    `json:"humidity"`
	PM1         int    `json:"pm1_0"`
	PM25        int    `json:"pm2_5"`
	PM10        int    `json:"pm10"`
	VOC         int    `json:"voc"`
	TempImage   int    `json:"tempimage"`
	ErrCode     int    `json:"errcode"`
}

// waterSection is the section every water payload reports.
const waterSection = "A"

// manualFields lists the operator-entered values each domain requires.
var manualFields = map[sensor.Domain][]string{
	sensor.Power:  {"total_active_power"},
	sensor.Water:  {"inst_flow"},
	sensor.Energy: {"co2", "temp", "humi"},
}

// ManualFields returns the field names a manual producer of domain d
// must be given.
func ManualFields(d sensor.Domain) []string {
	return append([]string(nil), manualFields[d]...)
}

// ParseManualFields validates raw operator input for domain d and
// converts every required field to a float. Unknown extra fields are
// ignored.
func ParseManualFields(d sensor.Domain, raw map[string]string) (map[string]float64, error) {
	required, ok := manualFields[d]
	if !ok {
		return nil, fmt.Errorf("%w: unknown domain %q", ErrInvalidField, d)
	}
	out := make(map[string]float64, len(required))
	for _, name := range required {
		s, ok := raw[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s is required", ErrInvalidField, name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a number, got %q", ErrInvalidField, name, s)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s must be finite, got %q", ErrInvalidField, name, s)
		}
		out[name] = v
	}
	return out, nil
}

// Manual builds the payload for key k from operator values already
// checked by [ParseManualFields]. Only the entered channels carry data;
// the rest are zero. Air-quality temperature and humidity are sent
// scaled by ten and truncated, CO₂ truncated.
func Manual(k sensor.Key, values map[string]float64, now time.Time) any {
	date := now.Format(DateLayout)
	switch k.Domain {
	case sensor.Power:
		p := values["total_active_power"]
		return PowerReading{
			Date:                 date,
			Floor:                k.Floor,
			Section:              k.Section,
			ActiveElectricEnergy: p,
			TotalActivePower:     p,
		}
	case sensor.Water:
		return WaterReading{
			Date:     date,
			Floor:    k.Floor,
			Section:  waterSection,
			InstFlow: values["inst_flow"],
		}
	default:
		return EnergyReading{
			Date:        date,
			Floor:       k.Floor,
			Section:     k.ID,
			CO2:         int(values["co2"]),
			Temperature: int(values["temp"] * 10),
			Humidity:    int(values["humi"] * 10),
			ErrCode:     EnergyErrCode,
		}
	}
}
