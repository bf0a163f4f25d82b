package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func crashProfile() Profile {
	return Profile{
		ID:   "test",
		Name: "Test",
		Steps: []Step{
			{Name: "Pitch", TargetTemp: 18},
			{Name: "Primary", TargetTemp: 18, DurationHours: 72},
			{Name: "Crash", TargetTemp: 2, DurationHours: 48, RampHours: 12},
		},
	}
}

func at(hours float64) time.Time {
	return start.Add(time.Duration(hours * float64(time.Hour)))
}

func TestEvaluate(t *testing.T) {
	p := crashProfile()
	cases := []struct {
		hours float64
		want  Position
	}{
		{0, Position{Step: 0, Target: 18, Remaining: 0}},
		{10, Position{Step: 1, Target: 18, Remaining: 62}},
		{72, Position{Step: 1, Target: 18, Remaining: 0}},
		{78, Position{Step: 2, Target: 10, Remaining: 54}},
		{90, Position{Step: 2, Target: 2, Remaining: 42}},
		{1000, Position{Step: 2, Target: 2, Remaining: 0}},
	}
	for _, c := range cases {
		got, ok := Evaluate(p, start, at(c.hours))
		require.True(t, ok)
		assert.Equal(t, c.want.Step, got.Step, "elapsed %vh", c.hours)
		assert.InDelta(t, c.want.Target, got.Target, 1e-9, "elapsed %vh", c.hours)
		assert.InDelta(t, c.want.Remaining, got.Remaining, 1e-6, "elapsed %vh", c.hours)
	}
}

func TestEvaluateBeforeStart(t *testing.T) {
	got, ok := Evaluate(crashProfile(), start, start.Add(-time.Hour))
	require.True(t, ok)
	assert.Equal(t, Position{Step: 0, Target: 18}, got)
}

func TestEvaluateRampRounding(t *testing.T) {
	ale := Defaults()[0]
	// 5h into the 24h free rise ramp from 18 to 22
	got, ok := Evaluate(ale, start, at(77))
	require.True(t, ok)
	assert.Equal(t, 2, got.Step)
	assert.Equal(t, 18.8, got.Target)
}

func TestEvaluateRampOnlyStep(t *testing.T) {
	var sour Profile
	for _, p := range Defaults() {
		if p.ID == "sour-kettle" {
			sour = p
		}
	}
	got, ok := Evaluate(sour, start, at(49))
	require.True(t, ok)
	assert.Equal(t, 1, got.Step)
	assert.Equal(t, 26.5, got.Target)
	assert.InDelta(t, 1.0, got.Remaining, 1e-6)
}

func TestEvaluateFirstStepRamp(t *testing.T) {
	p := Profile{Steps: []Step{{Name: "Warm", TargetTemp: 20, DurationHours: 10, RampHours: 4}}}
	got, ok := Evaluate(p, start, at(2))
	require.True(t, ok)
	assert.Equal(t, 20.0, got.Target)
}

func TestEvaluateEmpty(t *testing.T) {
	_, ok := Evaluate(Profile{}, start, start)
	assert.False(t, ok)
}

func TestEvaluateIdempotent(t *testing.T) {
	p := Defaults()[1]
	now := at(200)
	first, _ := Evaluate(p, start, now)
	for i := 0; i < 5; i++ {
		got, _ := Evaluate(p, start, now)
		assert.Equal(t, first, got)
	}
}

func TestHours(t *testing.T) {
	p := crashProfile()
	assert.Equal(t, 132.0, p.TotalHours())
	assert.Equal(t, 0.0, p.HoursThrough(0))
	assert.Equal(t, 72.0, p.HoursThrough(1))
	assert.Equal(t, 132.0, p.HoursThrough(2))
	assert.Equal(t, 132.0, p.HoursThrough(10))
}

func TestSkipLandsOnNextStep(t *testing.T) {
	p := crashProfile()
	now := at(10)
	// skip from Primary: rewind the start past the end of step 1
	rewound := now.Add(-time.Duration(p.HoursThrough(1)*float64(time.Hour)) - time.Second)
	got, ok := Evaluate(p, rewound, now)
	require.True(t, ok)
	assert.Equal(t, 2, got.Step)
	assert.Equal(t, 18.0, got.Target)
}

func TestDefaults(t *testing.T) {
	defaults := Defaults()
	require.Len(t, defaults, 5)
	for _, p := range defaults {
		assert.NoError(t, Validate(p), p.ID)
	}
	assert.Equal(t, 204.0, defaults[0].TotalHours())
}
