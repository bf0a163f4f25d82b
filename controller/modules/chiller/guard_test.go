package chiller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestFirstTransitionIsImmediate(t *testing.T) {
	g := New(DefaultMinOn, DefaultMinOff)
	assert.False(t, g.IsOn())
	assert.True(t, g.ShouldTurnOn(5, 2, 1, t0))
	assert.Equal(t, t0, g.LastChange())
}

func TestMinOnHoldsState(t *testing.T) {
	g := New(DefaultMinOn, DefaultMinOff)
	g.ShouldTurnOn(5, 2, 1, t0)

	// toggling faster than min_on never turns it off
	for s := 2; s < 300; s += 2 {
		want := s%4 == 0
		temp := 5.0
		if !want {
			temp = 0
		}
		assert.True(t, g.ShouldTurnOn(temp, 2, 1, t0.Add(time.Duration(s)*time.Second)))
	}
	assert.Equal(t, t0, g.LastChange())

	// pending off request honoured once the dwell elapses
	assert.False(t, g.ShouldTurnOn(0, 2, 1, t0.Add(DefaultMinOn)))
	assert.Equal(t, t0.Add(DefaultMinOn), g.LastChange())
}

func TestMinOffHoldsState(t *testing.T) {
	g := New(DefaultMinOn, DefaultMinOff)
	g.ShouldTurnOn(5, 2, 1, t0)
	off := t0.Add(DefaultMinOn)
	g.ShouldTurnOn(0, 2, 1, off)

	assert.False(t, g.ShouldTurnOn(5, 2, 1, off.Add(time.Minute)))
	assert.False(t, g.ShouldTurnOn(5, 2, 1, off.Add(179*time.Second)))
	assert.True(t, g.ShouldTurnOn(5, 2, 1, off.Add(DefaultMinOff)))
}

func TestDeadbandHolds(t *testing.T) {
	g := New(0, 0)
	assert.False(t, g.ShouldTurnOn(2.5, 2, 1, t0))
	g.ShouldTurnOn(4, 2, 1, t0)
	assert.True(t, g.ShouldTurnOn(1.5, 2, 1, t0.Add(time.Second)))
	assert.False(t, g.ShouldTurnOn(0.9, 2, 1, t0.Add(2*time.Second)))
}

func TestHysteresis(t *testing.T) {
	cases := []struct {
		on      bool
		current float64
		want    bool
	}{
		{false, 3.5, true},
		{false, 2.5, false},
		{true, 2.5, true},
		{true, 0.5, false},
		{true, 1.0, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Hysteresis(c.on, c.current, 2, 1), "on=%v current=%v", c.on, c.current)
	}
}

func TestForceOffStartsMinOff(t *testing.T) {
	g := New(DefaultMinOn, DefaultMinOff)
	g.ShouldTurnOn(5, 2, 1, t0)
	g.ForceOff(t0.Add(2 * time.Second))
	assert.False(t, g.IsOn())
	assert.Equal(t, t0.Add(2*time.Second), g.LastChange())

	assert.False(t, g.ShouldTurnOn(5, 2, 1, t0.Add(4*time.Second)))
	assert.True(t, g.ShouldTurnOn(5, 2, 1, t0.Add(2*time.Second+DefaultMinOff)))

	// already off: the last change is kept
	g = New(DefaultMinOn, DefaultMinOff)
	g.ForceOff(t0)
	assert.True(t, g.LastChange().IsZero())
}

func TestSyncAdoptsRelayState(t *testing.T) {
	g := New(DefaultMinOn, DefaultMinOff)
	g.Sync(true, t0)
	assert.True(t, g.IsOn())
	assert.True(t, g.ShouldTurnOn(0, 2, 1, t0.Add(time.Minute)), "min_on counts from the adopted change")
	assert.False(t, g.ShouldTurnOn(0, 2, 1, t0.Add(DefaultMinOn)))
}
