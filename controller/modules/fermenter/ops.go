package fermenter

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fermpi/fermpi/controller/modules/profile"
)

const (
	MinTarget = -10.0
	MaxTarget = 50.0

	// skipNudge moves a skipped schedule just past the end of the current
	// step, which otherwise still owns its end boundary.
	skipNudge = time.Second
)

type Status struct {
	Timestamp string         `json:"timestamp"`
	Mode      Mode           `json:"control_mode"`
	Bath      BathStatus     `json:"bath"`
	Vessels   []VesselStatus `json:"vessels"`
}

type BathStatus struct {
	CurrentTemp *float64  `json:"current_temp"`
	TargetTemp  *float64  `json:"target_temp"`
	ChillerOn   bool      `json:"chiller_on"`
	PumpOn      bool      `json:"pump_on"`
	GuardOn     bool      `json:"guard_on"`
	GuardSince  time.Time `json:"guard_last_change"`
}

type VesselStatus struct {
	ID          int            `json:"id"`
	Name        string         `json:"name"`
	CurrentTemp *float64       `json:"current_temp"`
	TargetTemp  float64        `json:"target_temp"`
	Active      bool           `json:"active"`
	Sensor      string         `json:"sensor"`
	HeaterOn    bool           `json:"heater_on"`
	ValveOpen   bool           `json:"cooling_valve_open"`
	PIDOutput   float64        `json:"pid_output"`
	HeatingDuty float64        `json:"heating_duty"`
	CoolingDuty float64        `json:"cooling_duty"`
	Profile     *ProfileStatus `json:"profile"`
}

type ProfileStatus struct {
	ID             string    `json:"profile_id"`
	Name           string    `json:"profile_name"`
	Step           int       `json:"current_step"`
	StepName       string    `json:"current_step_name"`
	RemainingHours float64   `json:"time_remaining_hours"`
	StartTime      time.Time `json:"start_time"`
	Started        string    `json:"started"`
	Offset         float64   `json:"offset"`
	ProfileTarget  float64   `json:"profile_target"`
}

// Snapshot is a consistent read of the whole aggregate.
func (m *Controller) Snapshot() Status {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Status{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Mode:      m.mode,
		Bath: BathStatus{
			CurrentTemp: copyTemp(m.bath.currentTemp),
			TargetTemp:  copyTemp(m.bath.target),
			ChillerOn:   m.bath.chillerOn,
			PumpOn:      m.bath.pumpOn,
			GuardOn:     m.guard.IsOn(),
			GuardSince:  m.guard.LastChange(),
		},
	}
	for i := range m.vessels {
		s.Vessels = append(s.Vessels, m.vesselStatus(i, now))
	}
	return s
}

// Vessel returns the status of one vessel.
func (m *Controller) Vessel(i int) (VesselStatus, error) {
	if err := m.checkIndex(i); err != nil {
		return VesselStatus{}, err
	}
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vesselStatus(i, now), nil
}

// vesselStatus builds one vessel entry. Caller holds mu.
func (m *Controller) vesselStatus(i int, now time.Time) VesselStatus {
	v := m.vessels[i]
	vs := VesselStatus{
		ID:          i,
		Name:        m.vesselName(i),
		CurrentTemp: copyTemp(v.currentTemp),
		TargetTemp:  v.target,
		Active:      v.active,
		Sensor:      v.sensor,
		HeaterOn:    v.heaterOn,
		ValveOpen:   v.valveOpen,
		PIDOutput:   v.pidOutput,
		HeatingDuty: v.heatingDuty,
		CoolingDuty: v.coolingDuty,
	}
	if p, pos, ok := m.position(v, now); ok {
		vs.Profile = &ProfileStatus{
			ID:             p.ID,
			Name:           p.Name,
			Step:           pos.Step,
			StepName:       p.Steps[pos.Step].Name,
			RemainingHours: math.Round(pos.Remaining*10) / 10,
			StartTime:      v.profileStart,
			Started:        humanize.Time(v.profileStart),
			Offset:         v.offset,
			ProfileTarget:  pos.Target,
		}
	}
	return vs
}

func (m *Controller) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Controller) SetMode(mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	m.mu.Lock()
	old := m.mode
	m.mode = mode
	m.mu.Unlock()
	m.save()
	m.kickLoop()
	if old != mode {
		m.log.Infof("control mode changed from %s to %s", old, mode)
		m.appendLog("Control mode changed from %s to %s", old, mode)
	}
	return nil
}

// SetTarget sets the manual target. While a profile runs, the request is
// turned into an offset on top of the profile target instead.
func (m *Controller) SetTarget(i int, target float64) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	if math.IsNaN(target) || math.IsInf(target, 0) || target < MinTarget || target > MaxTarget {
		return fmt.Errorf("%w: %v must be within [%v, %v]", ErrInvalidTarget, target, MinTarget, MaxTarget)
	}
	now := m.now()
	ok, offset := func() (bool, float64) {
		m.mu.Lock()
		defer m.mu.Unlock()
		v := m.vessels[i]
		_, pos, ok := m.position(v, now)
		if ok {
			v.step = pos.Step
			v.offset = target - pos.Target
		}
		v.target = target
		return ok, v.offset
	}()
	m.save()
	m.kickLoop()

	if ok {
		m.log.Infof("%s: profile offset %+.1f (target %.1f)", m.vesselName(i), offset, target)
		m.appendLog("%s: profile offset set to %+.1f", m.vesselName(i), offset)
	} else {
		m.log.Infof("%s: target set to %.1f", m.vesselName(i), target)
		m.appendLog("%s: target set to %.1f", m.vesselName(i), target)
	}
	return nil
}

// SetActive includes or excludes a vessel from control. Outputs of a
// deactivated vessel go off on the tick this triggers.
func (m *Controller) SetActive(i int, active bool) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	m.mu.Lock()
	v := m.vessels[i]
	v.active = active
	if !active {
		v.heaterOn = false
		v.valveOpen = false
	}
	m.mu.Unlock()
	m.save()
	m.kickLoop()
	m.appendLog("%s: %s", m.vesselName(i), map[bool]string{true: "activated", false: "deactivated"}[active])
	return nil
}

// AssignProfile starts profile id on vessel i from now and activates it.
func (m *Controller) AssignProfile(i int, id string) (profile.Profile, error) {
	if err := m.checkIndex(i); err != nil {
		return profile.Profile{}, err
	}
	if m.profiles == nil {
		return profile.Profile{}, fmt.Errorf("%s: %w", id, profile.ErrNotFound)
	}
	p, err := m.profiles.Get(id)
	if err != nil {
		return profile.Profile{}, err
	}
	now := m.now()
	m.mu.Lock()
	v := m.vessels[i]
	v.profile = p.ID
	v.profileStart = now
	v.step = 0
	v.offset = 0
	v.active = true
	m.mu.Unlock()
	m.save()
	m.kickLoop()
	m.log.Infof("%s: started profile %s", m.vesselName(i), p.Name)
	m.appendLog("%s: profile '%s' started", m.vesselName(i), p.Name)
	return p, nil
}

// UnassignProfile stops the running profile and deactivates the vessel.
func (m *Controller) UnassignProfile(i int) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	m.mu.Lock()
	v := m.vessels[i]
	v.clearProfile()
	v.active = false
	v.heaterOn = false
	v.valveOpen = false
	m.mu.Unlock()
	m.save()
	m.kickLoop()
	m.appendLog("%s: profile stopped", m.vesselName(i))
	return nil
}

// SkipStep jumps to the beginning of the next step by moving the start time
// back. It returns the step that is now running.
func (m *Controller) SkipStep(i int) (profile.Step, error) {
	if err := m.checkIndex(i); err != nil {
		return profile.Step{}, err
	}
	next, err := m.skipLocked(i, m.now())
	if err != nil {
		return profile.Step{}, err
	}
	m.save()
	m.kickLoop()
	m.log.Infof("%s: skipped to step '%s'", m.vesselName(i), next.Name)
	m.appendLog("%s: skipped to step '%s'", m.vesselName(i), next.Name)
	return next, nil
}

func (m *Controller) skipLocked(i int, now time.Time) (profile.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.vessels[i]
	if !v.hasProfile() {
		return profile.Step{}, ErrNoProfile
	}
	if m.profiles == nil {
		return profile.Step{}, fmt.Errorf("%s: %w", v.profile, profile.ErrNotFound)
	}
	p, err := m.profiles.Get(v.profile)
	if err != nil {
		return profile.Step{}, err
	}
	if v.step < 0 {
		v.step = 0
	}
	if v.step >= len(p.Steps)-1 {
		return profile.Step{}, ErrLastStep
	}
	elapsed := time.Duration(p.HoursThrough(v.step) * float64(time.Hour))
	v.profileStart = now.Add(-elapsed - skipNudge)
	v.offset = 0
	return p.Steps[v.step+1], nil
}

func (m *Controller) Tunables() Tunables {
	return *m.tunables.Load()
}

// UpdateTunables validates and swaps in a new parameter snapshot, then
// persists it.
func (m *Controller) UpdateTunables(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.applyTunables(t)
	m.mu.Unlock()
	m.tunables.Store(&t)
	if err := m.c.Store().Update(Bucket, tunablesKey, &t); err != nil {
		return err
	}
	m.appendLog("Control parameters updated")
	return nil
}

// applyTunables pushes gains, cycle length and dwell times into the
// controller instances. Caller holds mu.
func (m *Controller) applyTunables(t Tunables) {
	for _, v := range m.vessels {
		v.pid.SetGains(t.Kp, t.Ki, t.Kd)
		v.duty.SetCycle(t.DutyCycle)
	}
	m.guard.MinOn = t.ChillerMinOn
	m.guard.MinOff = t.ChillerMinOff
}

func (m *Controller) NumVessels() int {
	return len(m.vessels)
}

func (m *Controller) checkIndex(i int) error {
	if i < 0 || i >= len(m.vessels) {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidVessel, i+1, len(m.vessels))
	}
	return nil
}

func copyTemp(t *float64) *float64 {
	if t == nil {
		return nil
	}
	return ptr(*t)
}
