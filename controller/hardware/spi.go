// Package hardware binds the control loop to the Raspberry Pi: MAX31865
// front-ends on SPI, relays and chip selects on GPIO, and the 1-Wire bath
// probe.
package hardware

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	host "periph.io/x/host/v3"
)

const spiSpeed = 500 * physic.KiloHertz

var (
	initOnce sync.Once
	initErr  error

	// busMu serializes transfers so manual chip selects never overlap.
	busMu sync.Mutex
)

// Init loads the periph host drivers. It is safe to call more than once.
func Init() error {
	initOnce.Do(func() {
		_, initErr = host.Init()
	})
	return initErr
}

type SPIConfig struct {
	Port      string   // periph port name, e.g. "/dev/spidev0.0"
	CSPin     string   // manual chip select GPIO, empty for the native CE line
	QuietPins []string // chip selects held high around every transfer
}

// SPIConn is a MAX31865 connection. With a manual chip select the line is
// driven low only for the duration of a transfer.
type SPIConn struct {
	port  spi.PortCloser
	conn  spi.Conn
	cs    gpio.PinOut
	quiet []gpio.PinOut
}

func OpenSPI(cfg SPIConfig) (*SPIConn, error) {
	if err := Init(); err != nil {
		return nil, fmt.Errorf("periph init: %w", err)
	}
	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open spi %s: %w", cfg.Port, err)
	}
	conn, err := port.Connect(spiSpeed, spi.Mode1, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect spi %s: %w", cfg.Port, err)
	}
	c := &SPIConn{port: port, conn: conn}
	if cfg.CSPin != "" {
		if c.cs, err = outputPin(cfg.CSPin); err != nil {
			port.Close()
			return nil, err
		}
	}
	for _, name := range cfg.QuietPins {
		p, err := outputPin(name)
		if err != nil {
			port.Close()
			return nil, err
		}
		c.quiet = append(c.quiet, p)
	}
	return c, nil
}

func outputPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown gpio %s", name)
	}
	if err := p.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("gpio %s: %w", name, err)
	}
	return p, nil
}

func (c *SPIConn) Tx(w, r []byte) error {
	busMu.Lock()
	defer busMu.Unlock()
	if c.cs == nil {
		return c.conn.Tx(w, r)
	}
	for _, p := range c.quiet {
		if err := p.Out(gpio.High); err != nil {
			return err
		}
	}
	if err := c.cs.Out(gpio.Low); err != nil {
		return err
	}
	err := c.conn.Tx(w, r)
	if csErr := c.cs.Out(gpio.High); err == nil {
		err = csErr
	}
	return err
}

func (c *SPIConn) Close() error {
	if c.cs != nil {
		c.cs.Out(gpio.High)
	}
	return c.port.Close()
}
