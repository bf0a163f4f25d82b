// Package rtd reads platinum resistance thermometers (PT100/PT1000) through a
// MAX31865 front-end.
package rtd

import (
	"errors"
	"math"
	"sync"
	"time"
)

// MAX31865 registers and configuration bits
const (
	RegConfig = 0x00
	RegRTDMSB = 0x01

	ConfigBias     = 0x80
	ConfigAuto     = 0x40
	ConfigOneShot  = 0x20
	Config3Wire    = 0x10
	ConfigFaultClr = 0x02
	ConfigFilter50 = 0x01

	writeFlag  = 0x80
	baseConfig = ConfigFilter50 | Config3Wire | ConfigBias | ConfigFaultClr
)

const (
	DefaultNominal   = 100.0
	DefaultReference = 430.0

	fullScale     = 32768.0
	historySize   = 10
	minResistance = 10.0
	maxResistance = 400.0
	callendarA    = 3.9083e-3
	callendarB    = -5.775e-7
)

var (
	ErrNotConnected = errors.New("rtd: not connected")
	ErrConversion   = errors.New("rtd: math error")
)

// Status is the outcome of a single read.
type Status int

const (
	Ok Status = iota
	NotConnected
	MathError
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "OK"
	case NotConnected:
		return "NOT CONNECTED"
	case MathError:
		return "MATH ERROR"
	default:
		return "UNKNOWN"
	}
}

// StatusOf maps a Read error back to its Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Ok
	case errors.Is(err, ErrConversion):
		return MathError
	default:
		return NotConnected
	}
}

// Conn is a full duplex register exchange with the chip. periph.io spi.Conn
// satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

type Config struct {
	Nominal           float64 // resistance at 0°C
	ReferenceResistor float64
	SettleDelay       time.Duration
	ConversionDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Nominal:           DefaultNominal,
		ReferenceResistor: DefaultReference,
		SettleDelay:       10 * time.Millisecond,
		ConversionDelay:   70 * time.Millisecond,
	}
}

// Sensor owns one chip and its moving-average buffer.
type Sensor struct {
	conn    Conn
	cfg     Config
	sleep   func(time.Duration)
	mu      sync.Mutex
	history [historySize]float64
	next    int
	count   int
}

// New writes the initial configuration to the chip.
func New(conn Conn, cfg Config) (*Sensor, error) {
	if cfg.Nominal <= 0 {
		cfg.Nominal = DefaultNominal
	}
	if cfg.ReferenceResistor <= 0 {
		cfg.ReferenceResistor = DefaultReference
	}
	s := &Sensor{conn: conn, cfg: cfg, sleep: time.Sleep}
	if err := s.writeRegister(RegConfig, baseConfig); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sensor) writeRegister(reg, val byte) error {
	w := []byte{reg | writeFlag, val}
	return s.conn.Tx(w, make([]byte, len(w)))
}

func (s *Sensor) readRegister16(reg byte) (uint16, error) {
	w := []byte{reg &^ writeFlag, 0x00, 0x00}
	r := make([]byte, len(w))
	if err := s.conn.Tx(w, r); err != nil {
		return 0, err
	}
	return uint16(r[1])<<8 | uint16(r[2]), nil
}

// Read runs one conversion and returns the moving average of valid samples.
func (s *Sensor) Read() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeRegister(RegConfig, baseConfig); err != nil {
		return 0, errors.Join(ErrNotConnected, err)
	}
	s.sleep(s.cfg.SettleDelay)
	if err := s.writeRegister(RegConfig, baseConfig|ConfigOneShot); err != nil {
		return 0, errors.Join(ErrNotConnected, err)
	}
	s.sleep(s.cfg.ConversionDelay)
	raw, err := s.readRegister16(RegRTDMSB)
	if err != nil {
		return 0, errors.Join(ErrNotConnected, err)
	}

	if raw&0x01 != 0 {
		return 0, ErrNotConnected
	}
	res := Resistance(raw, s.cfg.ReferenceResistor)
	if res < minResistance || res > maxResistance {
		return 0, ErrNotConnected
	}
	temp, err := Temperature(res, s.cfg.Nominal)
	if err != nil {
		return 0, err
	}
	return s.push(temp), nil
}

func (s *Sensor) push(temp float64) float64 {
	s.history[s.next] = temp
	s.next = (s.next + 1) % historySize
	if s.count < historySize {
		s.count++
	}
	sum := 0.0
	for i := 0; i < s.count; i++ {
		sum += s.history[i]
	}
	return sum / float64(s.count)
}

// Resistance converts the raw RTD register (fault bit included) to ohms.
func Resistance(raw uint16, reference float64) float64 {
	return float64(raw>>1) / fullScale * reference
}

// Temperature inverts the quadratic Callendar-Van Dusen equation.
func Temperature(resistance, nominal float64) (float64, error) {
	z1 := -callendarA
	z2 := callendarA*callendarA - 4*callendarB
	z3 := 4 * callendarB / nominal
	z4 := 2 * callendarB
	temp := (math.Sqrt(z2+z3*resistance) + z1) / z4
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return 0, ErrConversion
	}
	return temp, nil
}

// ResistanceAt is the forward quadratic equation, the inverse of Temperature.
func ResistanceAt(temp, nominal float64) float64 {
	return nominal * (1 + callendarA*temp + callendarB*temp*temp)
}
