package hardware

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/fermpi/fermpi/controller/modules/rtd"
)

const (
	waterHeatCapacity = 4186.0 // J/(kg·K)
	maxSimStep        = 10 * time.Second

	vesselAmbientRate = 0.0002 // 1/s
	coilExchangeRate  = 0.002
	bathAmbientRate   = 0.0005
	bathLoadRate      = 0.0005
	chillerRate       = 0.02 // K/s
)

type SimVessel struct {
	Temp        float64
	VolumeLiter float64
	HeaterWatts float64
}

type simVessel struct {
	SimVessel
	heater, valve bool
}

// Board is a simulated dev board: one MAX31865 per vessel, a bath probe and
// relays, all driven by a first-order thermal model.
type Board struct {
	mu      sync.Mutex
	vessels []*simVessel
	bath    float64
	ambient float64
	chiller bool
	pump    bool
	last    time.Time
	now     func() time.Time
}

func NewBoard(vessels []SimVessel, bath, ambient float64) *Board {
	b := &Board{bath: bath, ambient: ambient, now: time.Now}
	for _, v := range vessels {
		if v.VolumeLiter <= 0 {
			v.VolumeLiter = 20
		}
		b.vessels = append(b.vessels, &simVessel{SimVessel: v})
	}
	b.last = b.now()
	return b
}

// advance integrates the model up to now. Caller holds mu.
func (b *Board) advance() {
	now := b.now()
	for now.Sub(b.last) > 0 {
		dt := now.Sub(b.last)
		if dt > maxSimStep {
			dt = maxSimStep
		}
		b.step(dt.Seconds())
		b.last = b.last.Add(dt)
	}
}

func (b *Board) step(dt float64) {
	bathLoad := 0.0
	for _, v := range b.vessels {
		dT := vesselAmbientRate * (b.ambient - v.Temp)
		if v.heater {
			dT += v.HeaterWatts / (v.VolumeLiter * waterHeatCapacity)
		}
		if v.valve && b.pump {
			exchange := coilExchangeRate * (b.bath - v.Temp)
			dT += exchange
			bathLoad += bathLoadRate * (v.Temp - b.bath)
		}
		v.Temp += dT * dt
	}
	dBath := bathAmbientRate*(b.ambient-b.bath) + bathLoad
	if b.chiller {
		dBath -= chillerRate
	}
	b.bath += dBath * dt
}

func (b *Board) VesselTemp(i int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.vessels[i].Temp
}

func (b *Board) BathTemp() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.bath
}

// RTD returns an emulated MAX31865 wired to vessel i.
func (b *Board) RTD(i int, nominal, reference float64) rtd.Conn {
	return &max31865Emulator{board: b, vessel: i, nominal: nominal, reference: reference}
}

func (b *Board) BathProbe() Probe { return bathProbe{b} }

// Relay lines. Each one is meant to be wrapped by NewRelay.
func (b *Board) HeaterLine(i int) Line { return b.line(func(on bool) { b.vessels[i].heater = on }) }
func (b *Board) ValveLine(i int) Line { return b.line(func(on bool) { b.vessels[i].valve = on }) }
func (b *Board) ChillerLine() Line { return b.line(func(on bool) { b.chiller = on }) }
func (b *Board) PumpLine() Line { return b.line(func(on bool) { b.pump = on }) }
func (b *Board) line(set func(bool)) Line { return simLine{b, set} }

type simLine struct {
	board *Board
	set   func(on bool)
}

func (l simLine) Out(level gpio.Level) error {
	l.board.mu.Lock()
	defer l.board.mu.Unlock()
	l.board.advance()
	l.set(level == gpio.Low)
	return nil
}

type bathProbe struct{ board *Board }

func (p bathProbe) Read() (float64, error) {
	return p.board.BathTemp(), nil
}

type max31865Emulator struct {
	board     *Board
	vessel    int
	nominal   float64
	reference float64
	config    byte
}

func (e *max31865Emulator) Tx(w, r []byte) error {
	if len(w) == 0 || len(r) < len(w) {
		return fmt.Errorf("max31865 emulator: bad transfer")
	}
	reg := w[0]
	if reg&0x80 != 0 {
		if reg&^0x80 == rtd.RegConfig && len(w) > 1 {
			e.config = w[1]
		}
		return nil
	}
	if reg == rtd.RegRTDMSB && len(w) >= 3 {
		res := rtd.ResistanceAt(e.board.VesselTemp(e.vessel), e.nominal)
		raw := uint16(res/e.reference*32768) << 1
		if e.config&rtd.ConfigBias == 0 {
			raw = 0x0001
		}
		r[1], r[2] = byte(raw>>8), byte(raw)
	}
	return nil
}
