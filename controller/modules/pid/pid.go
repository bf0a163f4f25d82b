// Package pid implements the per-vessel PID loop. Output is a signed demand:
// positive asks for heating, negative for cooling.
package pid

import (
	"time"
)

// integral bound used when Ki is zero
const maxIntegralNoKi = 1000.0

type Config struct {
	Kp        float64 `json:"kp"`
	Ki        float64 `json:"ki"`
	Kd        float64 `json:"kd"`
	MinOutput float64 `json:"min_output"`
	MaxOutput float64 `json:"max_output"`
}

func DefaultConfig() Config {
	return Config{
		Kp:        20.0,
		Ki:        0.5,
		Kd:        5.0,
		MinOutput: -100,
		MaxOutput: 100,
	}
}

// State is the controller memory carried between calls.
type State struct {
	Integral  float64   `json:"integral"`
	LastError float64   `json:"last_error"`
	LastTime  time.Time `json:"last_time"` // zero until the first Compute
}

// Components are the terms of the last computation.
type Components struct {
	P float64 `json:"p"`
	I float64 `json:"i"`
	D float64 `json:"d"`
}

type Controller struct {
	cfg   Config
	state State
	last  Components
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// SetGains replaces the tuning without touching accumulated state.
func (c *Controller) SetGains(kp, ki, kd float64) {
	c.cfg.Kp, c.cfg.Ki, c.cfg.Kd = kp, ki, kd
}

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) State() State { return c.state }

func (c *Controller) Components() Components { return c.last }

func (c *Controller) Reset() {
	c.state = State{}
	c.last = Components{}
}

// Compute returns the demand in [MinOutput, MaxOutput]. dt is measured in
// seconds and falls back to one second on the first call or when the clock
// did not advance.
func (c *Controller) Compute(setpoint, measurement float64, now time.Time) float64 {
	dt := 1.0
	if !c.state.LastTime.IsZero() {
		if d := now.Sub(c.state.LastTime).Seconds(); d > 0 {
			dt = d
		}
	}

	err := setpoint - measurement
	p := c.cfg.Kp * err

	bound := maxIntegralNoKi
	if c.cfg.Ki != 0 {
		bound = (c.cfg.MaxOutput - c.cfg.MinOutput) / (2 * c.cfg.Ki)
	}
	c.state.Integral = clamp(c.state.Integral+err*dt, -bound, bound)
	i := c.cfg.Ki * c.state.Integral

	// derivative on error
	d := c.cfg.Kd * (err - c.state.LastError) / dt

	c.state.LastError = err
	c.state.LastTime = now
	c.last = Components{P: p, I: i, D: d}

	return clamp(p+i+d, c.cfg.MinOutput, c.cfg.MaxOutput)
}

// Split turns a signed demand into heating and cooling duty percentages.
// At most one of them is non-zero.
func Split(output float64) (heating, cooling float64) {
	switch {
	case output > 0:
		return output, 0
	case output < 0:
		return 0, -output
	default:
		return 0, 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
