package hardware

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/reef-pi/hal"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Line is the part of a GPIO pin a relay needs.
type Line interface {
	Out(l gpio.Level) error
}

// Relay is an active-low relay channel: on pulls the line low.
type Relay struct {
	name   string
	number int
	line   Line

	mu   sync.Mutex
	last bool
}

var _ hal.DigitalOutputPin = (*Relay)(nil)

// NewRelay wraps line and switches the relay off.
func NewRelay(name string, number int, line Line) (*Relay, error) {
	r := &Relay{name: name, number: number, line: line}
	if err := r.Write(false); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenRelay looks up a BCM GPIO number through periph.
func OpenRelay(name string, number int) (*Relay, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("periph init: %w", err)
	}
	p := gpioreg.ByName(strconv.Itoa(number))
	if p == nil {
		return nil, fmt.Errorf("%s: unknown gpio %d", name, number)
	}
	return NewRelay(name, number, p)
}

func (r *Relay) Name() string { return r.name }
func (r *Relay) Number() int  { return r.number }

func (r *Relay) Write(on bool) error {
	level := gpio.High
	if on {
		level = gpio.Low
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.line.Out(level); err != nil {
		return fmt.Errorf("%s (gpio %d): %w", r.name, r.number, err)
	}
	r.last = on
	return nil
}

func (r *Relay) LastState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Close switches the relay off.
func (r *Relay) Close() error {
	return r.Write(false)
}
