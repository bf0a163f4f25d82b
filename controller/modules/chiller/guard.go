// Package chiller protects the compressor against short-cycling.
package chiller

import (
	"time"
)

const (
	DefaultMinOn  = 300 * time.Second
	DefaultMinOff = 180 * time.Second
)

// Guard is a two state machine. It starts OFF with a zero last change so
// the very first request is honoured immediately.
type Guard struct {
	MinOn  time.Duration `json:"min_on"`
	MinOff time.Duration `json:"min_off"`

	on         bool
	lastChange time.Time
}

func New(minOn, minOff time.Duration) *Guard {
	return &Guard{MinOn: minOn, MinOff: minOff}
}

func (g *Guard) IsOn() bool { return g.on }

func (g *Guard) LastChange() time.Time { return g.lastChange }

// ShouldTurnOn evaluates the hysteresis request and returns the state the
// compressor must be in. A request against a dwell time that has not yet
// elapsed is held and honoured on a later call.
func (g *Guard) ShouldTurnOn(current, target, hysteresis float64, now time.Time) bool {
	wantsOn := current > target+hysteresis
	wantsOff := current < target-hysteresis
	dwell := now.Sub(g.lastChange)

	switch {
	case g.on && wantsOff && dwell >= g.MinOn:
		g.on = false
		g.lastChange = now
	case !g.on && wantsOn && dwell >= g.MinOff:
		g.on = true
		g.lastChange = now
	}
	return g.on
}

// ForceOff records a stop the guard did not decide, such as a lost bath
// reading. The minimum off time runs from now.
func (g *Guard) ForceOff(now time.Time) {
	if g.on {
		g.on = false
		g.lastChange = now
	}
}

// Sync adopts the relay state when another rule drove the compressor, so the
// dwell times keep counting from the real last change.
func (g *Guard) Sync(on bool, since time.Time) {
	g.on = on
	g.lastChange = since
}

// Hysteresis is the unguarded threshold rule: on above target+h, off below
// target-h, otherwise unchanged.
func Hysteresis(on bool, current, target, hysteresis float64) bool {
	if current > target+hysteresis {
		return true
	}
	if current < target-hysteresis {
		return false
	}
	return on
}
