package fermenter

import (
	"fmt"
	"time"

	"github.com/fermpi/fermpi/controller/modules/dutycycle"
	"github.com/fermpi/fermpi/controller/modules/pid"
)

// Mode selects the vessel actuation strategy.
type Mode string

const (
	BangBang Mode = "bangbang"
	PID      Mode = "pid"
)

func (m Mode) Valid() bool {
	return m == BangBang || m == PID
}

func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q, must be %q or %q", ErrInvalidMode, s, BangBang, PID)
	}
	return m, nil
}

// vessel is one fermenter. Its controller instances are owned by it and only
// touched by the control task.
type vessel struct {
	name        string
	currentTemp *float64
	sensor      string
	active      bool
	target      float64

	profile      string
	profileStart time.Time
	step         int
	offset       float64

	heaterOn  bool
	valveOpen bool

	pidOutput   float64
	heatingDuty float64
	coolingDuty float64

	pid  *pid.Controller
	duty *dutycycle.Scheduler
}

func (v *vessel) hasProfile() bool {
	return v.profile != "" && !v.profileStart.IsZero()
}

// idle forces actuators off and clears the controller memory.
func (v *vessel) idle() {
	v.heaterOn = false
	v.valveOpen = false
	v.pid.Reset()
	v.pidOutput = 0
	v.heatingDuty = 0
	v.coolingDuty = 0
}

func (v *vessel) clearProfile() {
	v.profile = ""
	v.profileStart = time.Time{}
	v.step = 0
	v.offset = 0
}

type bath struct {
	currentTemp  *float64
	target       *float64
	chillerOn    bool
	chillerSince time.Time // last relay change
	pumpOn       bool
}

func ptr(v float64) *float64 { return &v }
