package fermenter

import (
	"fmt"
	"math"
	"time"

	"github.com/fermpi/fermpi/controller/modules/chiller"
	"github.com/fermpi/fermpi/controller/modules/pid"
	"github.com/fermpi/fermpi/controller/modules/profile"
	"github.com/fermpi/fermpi/controller/modules/rtd"
)

type reading struct {
	temp float64
	err  error
}

type outputs struct {
	heaters []bool
	valves  []bool
	pump    bool
	chiller bool
}

// Tick runs one control cycle: read every sensor, decide under the lock,
// then drive the relays. A panic anywhere is logged and the next tick runs
// as usual.
func (m *Controller) Tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("control tick panicked: %v", r)
		}
	}()

	var bathTemp *float64
	if t, err := readProbe(m.hw.Bath); err == nil {
		bathTemp = ptr(t)
	} else {
		m.log.WithError(err).Debug("bath sensor unavailable")
	}
	readings := make([]reading, len(m.vessels))
	for i := range m.vessels {
		t, err := readProbe(m.hw.Probes[i])
		readings[i] = reading{temp: t, err: err}
	}

	out := m.decideLocked(now, bathTemp, readings)
	m.apply(out)

	if m.history != nil {
		for i, r := range readings {
			if r.err == nil {
				m.history.Record(i, now, r.temp)
			}
		}
	}
	if m.heartbeat != nil {
		m.heartbeat()
	}
}

// readProbe isolates one sensor so its failure only affects its vessel.
func readProbe(p Probe) (temp float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: probe panicked: %v", rtd.ErrNotConnected, r)
		}
	}()
	temp, err = p.Read()
	if err == nil && (math.IsNaN(temp) || math.IsInf(temp, 0)) {
		err = rtd.ErrConversion
	}
	return temp, err
}

func (m *Controller) decideLocked(now time.Time, bathTemp *float64, readings []reading) outputs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decide(now, bathTemp, readings)
}

// decide updates the aggregate and returns the relay states. Caller holds mu.
func (m *Controller) decide(now time.Time, bathTemp *float64, readings []reading) outputs {
	t := m.tunables.Load()
	m.bath.currentTemp = bathTemp

	out := outputs{
		heaters: make([]bool, len(m.vessels)),
		valves:  make([]bool, len(m.vessels)),
	}
	var activeTargets []float64
	maxCooling := 0.0

	for i, v := range m.vessels {
		r := readings[i]
		if r.err != nil {
			if v.active {
				m.log.WithError(r.err).Warnf("%s: sensor fault, deactivating", m.vesselName(i))
				m.appendLog("%s: sensor %s, vessel deactivated", m.vesselName(i), rtd.StatusOf(r.err))
			}
			v.currentTemp = nil
			v.active = false
			v.sensor = rtd.StatusOf(r.err).String()
		} else {
			v.currentTemp = ptr(math.Round(r.temp*100) / 100)
			v.sensor = rtd.Ok.String()
		}

		heaterWas, valveWas := v.heaterOn, v.valveOpen
		if !v.active || v.currentTemp == nil {
			v.idle()
			m.logTransitions(i, heaterWas, valveWas, false)
			continue
		}

		temp := *v.currentTemp
		target := m.resolveTarget(i, v, now)
		activeTargets = append(activeTargets, target)
		canCool := m.bath.currentTemp != nil && *m.bath.currentTemp < temp

		if m.mode == PID {
			m.pidControl(v, temp, target, canCool, now)
		} else {
			bangBang(v, temp, target, t.Hysteresis, canCool)
		}
		maxCooling = math.Max(maxCooling, v.coolingDuty)
		m.logTransitions(i, heaterWas, valveWas, m.mode == BangBang)

		out.heaters[i] = v.heaterOn
		out.valves[i] = v.valveOpen
	}

	m.bath.pumpOn = false
	for _, open := range out.valves {
		if open {
			m.bath.pumpOn = true
			break
		}
	}
	out.pump = m.bath.pumpOn

	m.bath.target = nil
	if len(activeTargets) > 0 {
		lowest := activeTargets[0]
		for _, target := range activeTargets[1:] {
			lowest = math.Min(lowest, target)
		}
		if m.mode == PID && t.DynamicBathSetpoint {
			m.bath.target = ptr(DynamicBathTarget(maxCooling, lowest, t.BathOffset, t.MinBathTemp))
		} else {
			m.bath.target = ptr(FixedBathTarget(lowest, t.BathOffset, t.MinBathTemp))
		}
	}

	chillerWas := m.bath.chillerOn
	switch {
	case m.bath.currentTemp == nil || m.bath.target == nil:
		m.bath.chillerOn = false
		m.guard.ForceOff(now)
	case m.mode == PID || t.GuardThresholdMode:
		if m.guard.IsOn() != m.bath.chillerOn {
			m.guard.Sync(m.bath.chillerOn, m.bath.chillerSince)
		}
		m.bath.chillerOn = m.guard.ShouldTurnOn(*m.bath.currentTemp, *m.bath.target, t.BathHysteresis, now)
	default:
		m.bath.chillerOn = chiller.Hysteresis(m.bath.chillerOn, *m.bath.currentTemp, *m.bath.target, t.BathHysteresis)
	}
	if m.bath.chillerOn != chillerWas {
		m.bath.chillerSince = now
		m.log.Infof("chiller %s", onOff(m.bath.chillerOn))
		m.appendLog("Chiller %s", onOff(m.bath.chillerOn))
	}
	out.chiller = m.bath.chillerOn
	return out
}

func (m *Controller) pidControl(v *vessel, temp, target float64, canCool bool, now time.Time) {
	v.pidOutput = v.pid.Compute(target, temp, now)
	v.heatingDuty, v.coolingDuty = pid.Split(v.pidOutput)
	switch {
	case v.coolingDuty > 0 && canCool:
		v.valveOpen = v.duty.ShouldBeOn(v.coolingDuty, now)
		v.heaterOn = false
	case v.heatingDuty > 0:
		v.heaterOn = v.duty.ShouldBeOn(v.heatingDuty, now)
		v.valveOpen = false
	default:
		v.heaterOn = false
		v.valveOpen = false
	}
}

// bangBang applies the hysteresis rules. Heating wins over cooling.
func bangBang(v *vessel, temp, target, hysteresis float64, canCool bool) {
	v.pidOutput, v.heatingDuty, v.coolingDuty = 0, 0, 0
	if temp > target+hysteresis && canCool {
		v.valveOpen = true
		v.heaterOn = false
	} else if temp < target {
		v.valveOpen = false
	}
	if temp < target-hysteresis {
		v.heaterOn = true
		v.valveOpen = false
	} else if temp > target {
		v.heaterOn = false
	}
}

// resolveTarget applies the assigned profile, if any. Caller holds mu.
func (m *Controller) resolveTarget(i int, v *vessel, now time.Time) float64 {
	p, pos, ok := m.position(v, now)
	if !ok {
		return v.target
	}
	if pos.Step != v.step {
		if v.offset != 0 {
			m.log.Infof("%s: step changed, resetting offset %+.1f", m.vesselName(i), v.offset)
		}
		v.offset = 0
		v.step = pos.Step
		m.appendLog("%s: %s step %d (%s)", m.vesselName(i), p.Name, pos.Step+1, p.Steps[pos.Step].Name)
		m.markDirty()
	}
	v.target = pos.Target + v.offset
	return v.target
}

// position evaluates the vessel's profile. Caller holds mu.
func (m *Controller) position(v *vessel, now time.Time) (profile.Profile, profile.Position, bool) {
	if !v.hasProfile() || m.profiles == nil {
		return profile.Profile{}, profile.Position{}, false
	}
	p, err := m.profiles.Get(v.profile)
	if err != nil {
		return profile.Profile{}, profile.Position{}, false
	}
	pos, ok := profile.Evaluate(p, v.profileStart, now)
	return p, pos, ok
}

func (m *Controller) logTransitions(i int, heaterWas, valveWas, info bool) {
	v := m.vessels[i]
	logf := m.log.Debugf
	if info {
		logf = m.log.Infof
	}
	if v.valveOpen != valveWas {
		logf("%s: cooling %s (T=%s, target=%.1f)", m.vesselName(i), onOff(v.valveOpen), fmtTemp(v.currentTemp), v.target)
		if info {
			m.appendLog("%s: cooling %s", m.vesselName(i), onOff(v.valveOpen))
		}
	}
	if v.heaterOn != heaterWas {
		logf("%s: heating %s (T=%s, target=%.1f)", m.vesselName(i), onOff(v.heaterOn), fmtTemp(v.currentTemp), v.target)
		if info {
			m.appendLog("%s: heating %s", m.vesselName(i), onOff(v.heaterOn))
		}
	}
}

func (m *Controller) apply(out outputs) {
	for i := range out.heaters {
		m.write(m.hw.Heaters[i], out.heaters[i], "heater", i)
		m.write(m.hw.Valves[i], out.valves[i], "valve", i)
	}
	m.write(m.hw.Pump, out.pump, "pump", -1)
	m.write(m.hw.Chiller, out.chiller, "chiller", -1)
}

// write drives one relay. A failed write is logged; the decided state stays
// in memory.
func (m *Controller) write(o Output, on bool, what string, i int) {
	if err := o.Write(on); err != nil {
		entry := m.log.WithError(err).WithField("output", what)
		if i >= 0 {
			entry = entry.WithField("vessel", i+1)
		}
		entry.Errorf("failed to switch %s %s", what, onOff(on))
	}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func fmtTemp(t *float64) string {
	if t == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *t)
}
