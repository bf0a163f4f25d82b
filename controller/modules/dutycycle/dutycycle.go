// Package dutycycle time-proportions an on/off actuator. A duty percentage is
// turned into an on window at the start of every fixed-length cycle.
package dutycycle

import (
	"time"
)

const DefaultCycle = 60 * time.Second

// Scheduler keeps a fixed phase: the reference time is set once and cycles
// repeat from it forever.
type Scheduler struct {
	cycle time.Duration
	ref   time.Time
}

func New(cycle time.Duration, ref time.Time) *Scheduler {
	if cycle <= 0 {
		cycle = DefaultCycle
	}
	return &Scheduler{cycle: cycle, ref: ref}
}

func (s *Scheduler) Cycle() time.Duration { return s.cycle }

func (s *Scheduler) Reference() time.Time { return s.ref }

// SetCycle changes the window length. The phase reference is kept.
func (s *Scheduler) SetCycle(cycle time.Duration) {
	if cycle > 0 {
		s.cycle = cycle
	}
}

// ShouldBeOn reports whether the actuator is inside the on window of the
// current cycle.
func (s *Scheduler) ShouldBeOn(duty float64, now time.Time) bool {
	if duty <= 0 {
		return false
	}
	if duty >= 100 {
		return true
	}
	elapsed := now.Sub(s.ref) % s.cycle
	if elapsed < 0 {
		elapsed += s.cycle
	}
	onTime := time.Duration(float64(s.cycle) * duty / 100)
	return elapsed < onTime
}
