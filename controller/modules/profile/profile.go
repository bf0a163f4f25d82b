// Package profile evaluates multi-day fermentation schedules and keeps the
// library of named profiles.
package profile

import (
	"math"
	"time"
)

type Step struct {
	Name          string  `json:"name"`
	TargetTemp    float64 `json:"target_temp"`
	DurationHours float64 `json:"duration_hours"`
	RampHours     float64 `json:"ramp_hours"`
}

// Marker reports a zero-length step. It only anchors the previous target of
// the following ramp.
func (s Step) Marker() bool {
	return s.DurationHours == 0 && s.RampHours == 0
}

func (s Step) Hours() float64 {
	return s.DurationHours + s.RampHours
}

type Profile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}

// Position is where a schedule stands at a given time.
type Position struct {
	Step      int     `json:"step"`
	Target    float64 `json:"target"`
	Remaining float64 `json:"remaining_hours"`
}

// TotalHours is the full length of the schedule.
func (p Profile) TotalHours() float64 {
	total := 0.0
	for _, s := range p.Steps {
		total += s.Hours()
	}
	return total
}

// HoursThrough sums duration and ramp of steps 0..step inclusive.
func (p Profile) HoursThrough(step int) float64 {
	total := 0.0
	for i := 0; i <= step && i < len(p.Steps); i++ {
		total += p.Steps[i].Hours()
	}
	return total
}

// Evaluate resolves the step, target and remaining hours of p at now for a
// schedule started at start. It returns false when p has no steps.
// Time before start counts as zero elapsed.
func Evaluate(p Profile, start, now time.Time) (Position, bool) {
	if len(p.Steps) == 0 {
		return Position{}, false
	}
	elapsed := now.Sub(start).Hours()
	if elapsed < 0 {
		elapsed = 0
	}

	cumulative := 0.0
	for i, step := range p.Steps {
		if step.Marker() {
			if elapsed <= cumulative {
				return Position{Step: i, Target: step.TargetTemp}, true
			}
			continue
		}
		end := cumulative + step.Hours()
		// the end boundary belongs to the step that is finishing
		if elapsed <= end {
			pos := Position{Step: i, Target: step.TargetTemp, Remaining: end - elapsed}
			inStep := elapsed - cumulative
			if step.RampHours > 0 && inStep < step.RampHours {
				from := step.TargetTemp
				if i > 0 {
					from = p.Steps[i-1].TargetTemp
				}
				pos.Target = round1(from + (step.TargetTemp-from)*inStep/step.RampHours)
			}
			return pos, true
		}
		cumulative = end
	}

	last := len(p.Steps) - 1
	return Position{Step: last, Target: p.Steps[last].TargetTemp}, true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Defaults are the built-in profiles seeded into an empty library.
func Defaults() []Profile {
	return []Profile{
		{
			ID:          "ale-standard",
			Name:        "Standard Ale",
			Description: "Classic ale fermentation with free rise and cold crash",
			Steps: []Step{
				{Name: "Pitch", TargetTemp: 18},
				{Name: "Primary", TargetTemp: 18, DurationHours: 72},
				{Name: "Free Rise", TargetTemp: 22, DurationHours: 48, RampHours: 24},
				{Name: "Cold Crash", TargetTemp: 2, DurationHours: 48, RampHours: 12},
			},
		},
		{
			ID:          "lager-standard",
			Name:        "Standard Lager",
			Description: "Traditional lager fermentation with D-rest and extended cold conditioning",
			Steps: []Step{
				{Name: "Pitch", TargetTemp: 10},
				{Name: "Primary", TargetTemp: 10, DurationHours: 168},
				{Name: "D-Rest", TargetTemp: 18, DurationHours: 48, RampHours: 24},
				{Name: "Cold Crash", TargetTemp: 0, DurationHours: 168, RampHours: 24},
			},
		},
		{
			ID:          "saison",
			Name:        "Saison",
			Description: "High-temperature saison fermentation for phenolic and fruity character",
			Steps: []Step{
				{Name: "Pitch", TargetTemp: 20},
				{Name: "Primary", TargetTemp: 25, DurationHours: 72, RampHours: 24},
				{Name: "Free Rise", TargetTemp: 32, DurationHours: 96, RampHours: 48},
				{Name: "Cold Crash", TargetTemp: 4, DurationHours: 48, RampHours: 24},
			},
		},
		{
			ID:          "kveik",
			Name:        "Kveik",
			Description: "Hot and fast Kveik fermentation",
			Steps: []Step{
				{Name: "Pitch", TargetTemp: 30},
				{Name: "Primary", TargetTemp: 35, DurationHours: 48, RampHours: 6},
				{Name: "Cold Crash", TargetTemp: 2, DurationHours: 24, RampHours: 12},
			},
		},
		{
			ID:          "sour-kettle",
			Name:        "Kettle Sour",
			Description: "Lactobacillus acidification followed by clean ale fermentation",
			Steps: []Step{
				{Name: "Acidification", TargetTemp: 35, DurationHours: 48},
				{Name: "Pitch", TargetTemp: 18, RampHours: 2},
				{Name: "Primary", TargetTemp: 20, DurationHours: 72, RampHours: 12},
				{Name: "Cold Crash", TargetTemp: 2, DurationHours: 48, RampHours: 12},
			},
		},
	}
}
