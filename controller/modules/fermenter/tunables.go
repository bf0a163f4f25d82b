package fermenter

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fermpi/fermpi/controller/modules/chiller"
	"github.com/fermpi/fermpi/controller/modules/dutycycle"
	"github.com/fermpi/fermpi/controller/modules/pid"
)

const tunablesKey = "tunables"

// Tunables are the runtime control parameters. A snapshot is immutable; an
// update swaps in a new one.
type Tunables struct {
	Hysteresis          float64       `json:"hysteresis" yaml:"hysteresis"`
	BathHysteresis      float64       `json:"bath_hysteresis" yaml:"bath_hysteresis"`
	BathOffset          float64       `json:"bath_offset" yaml:"bath_offset"`
	MinBathTemp         float64       `json:"min_bath_temp" yaml:"min_bath_temp"`
	DefaultBathTarget   float64       `json:"default_bath_target" yaml:"default_bath_target"`
	DynamicBathSetpoint bool          `json:"dynamic_bath_setpoint" yaml:"dynamic_bath_setpoint"`
	Kp                  float64       `json:"kp" yaml:"kp"`
	Ki                  float64       `json:"ki" yaml:"ki"`
	Kd                  float64       `json:"kd" yaml:"kd"`
	DutyCycle           time.Duration `json:"duty_cycle" yaml:"duty_cycle"`
	ChillerMinOn        time.Duration `json:"chiller_min_on" yaml:"chiller_min_on"`
	ChillerMinOff       time.Duration `json:"chiller_min_off" yaml:"chiller_min_off"`
	GuardThresholdMode  bool          `json:"guard_threshold_mode" yaml:"guard_threshold_mode"`
}

func DefaultTunables() Tunables {
	gains := pid.DefaultConfig()
	return Tunables{
		Hysteresis:          0.5,
		BathHysteresis:      1.0,
		BathOffset:          5.0,
		MinBathTemp:         -5,
		DefaultBathTarget:   2.0,
		DynamicBathSetpoint: true,
		Kp:                  gains.Kp,
		Ki:                  gains.Ki,
		Kd:                  gains.Kd,
		DutyCycle:           dutycycle.DefaultCycle,
		ChillerMinOn:        chiller.DefaultMinOn,
		ChillerMinOff:       chiller.DefaultMinOff,
	}
}

func (t Tunables) Validate() error {
	for name, v := range map[string]float64{
		"hysteresis":          t.Hysteresis,
		"bath_hysteresis":     t.BathHysteresis,
		"bath_offset":         t.BathOffset,
		"min_bath_temp":       t.MinBathTemp,
		"default_bath_target": t.DefaultBathTarget,
		"kp":                  t.Kp,
		"ki":                  t.Ki,
		"kd":                  t.Kd,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a number", ErrInvalidConfig, name)
		}
	}
	switch {
	case t.Hysteresis < 0 || t.BathHysteresis < 0:
		return fmt.Errorf("%w: hysteresis must be >= 0", ErrInvalidConfig)
	case t.BathOffset < 0:
		return fmt.Errorf("%w: bath_offset must be >= 0", ErrInvalidConfig)
	case t.Kp < 0 || t.Ki < 0 || t.Kd < 0:
		return fmt.Errorf("%w: pid gains must be >= 0", ErrInvalidConfig)
	case t.DutyCycle < time.Second:
		return fmt.Errorf("%w: duty_cycle must be at least 1s", ErrInvalidConfig)
	case t.ChillerMinOn < 0 || t.ChillerMinOff < 0:
		return fmt.Errorf("%w: chiller dwell times must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// MarshalJSON writes durations as seconds.
func (t Tunables) MarshalJSON() ([]byte, error) {
	type plain Tunables
	return json.Marshal(struct {
		plain
		DutyCycle     float64 `json:"duty_cycle"`
		ChillerMinOn  float64 `json:"chiller_min_on"`
		ChillerMinOff float64 `json:"chiller_min_off"`
	}{
		plain:         plain(t),
		DutyCycle:     t.DutyCycle.Seconds(),
		ChillerMinOn:  t.ChillerMinOn.Seconds(),
		ChillerMinOff: t.ChillerMinOff.Seconds(),
	})
}

// UnmarshalJSON reads durations as seconds. Absent fields keep their value.
func (t *Tunables) UnmarshalJSON(b []byte) error {
	type plain Tunables
	aux := struct {
		*plain
		DutyCycle     *float64 `json:"duty_cycle"`
		ChillerMinOn  *float64 `json:"chiller_min_on"`
		ChillerMinOff *float64 `json:"chiller_min_off"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	for _, d := range []struct {
		in  *float64
		out *time.Duration
	}{
		{aux.DutyCycle, &t.DutyCycle},
		{aux.ChillerMinOn, &t.ChillerMinOn},
		{aux.ChillerMinOff, &t.ChillerMinOff},
	} {
		if d.in != nil {
			*d.out = time.Duration(*d.in * float64(time.Second))
		}
	}
	return nil
}

// DynamicBathTarget picks the coolant setpoint from the heaviest cooling
// demand: the harder vessels pull, the colder the bath.
func DynamicBathTarget(maxCooling, lowestTarget, baseOffset, minBath float64) float64 {
	var target float64
	switch {
	case maxCooling == 0:
		target = lowestTarget + 5
	case maxCooling < 30:
		target = lowestTarget - 2
	case maxCooling < 70:
		target = lowestTarget - 4
	default:
		target = lowestTarget - baseOffset
	}
	return math.Max(minBath, target)
}

// FixedBathTarget keeps the coolant a fixed offset below the lowest target.
func FixedBathTarget(lowestTarget, baseOffset, minBath float64) float64 {
	return math.Max(lowestTarget-baseOffset, minBath)
}
