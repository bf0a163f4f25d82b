package daemon

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/fermpi/fermpi/controller/config"
	"github.com/fermpi/fermpi/controller/hardware"
	"github.com/fermpi/fermpi/controller/modules/fermenter"
	"github.com/fermpi/fermpi/controller/modules/rtd"
	"github.com/fermpi/fermpi/controller/modules/telemetry"
)

const (
	simStartTemp = 20.0
	simBathTemp  = 10.0
	simAmbient   = 20.0
)

// boardIO is the opened hardware plus everything that must be released on
// shutdown, in open order.
type boardIO struct {
	hw      fermenter.Hardware
	closers []io.Closer
	sim     *hardware.Board
}

func (b *boardIO) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type relayOpener func(name string, pin int) (*hardware.Relay, error)

// openHardware binds every vessel, the bath probe and the relays. In dev mode
// the relays and RTD front-ends are backed by a simulated board.
func openHardware(cfg config.Config, hub *telemetry.Hub, logger *logrus.Logger) (*boardIO, error) {
	b := &boardIO{}
	log := logger.WithField("module", "hardware")

	var openRelay relayOpener = hardware.OpenRelay
	openRTD := func(i int, s config.Sensor) (rtd.Conn, error) {
		conn, err := hardware.OpenSPI(hardware.SPIConfig{Port: s.SPI, CSPin: s.CSPin, QuietPins: s.QuietPins})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, conn)
		return conn, nil
	}
	b.hw.Bath = hardware.NewDS18B20(cfg.Bath.W1Dir, cfg.Bath.SensorID)

	if cfg.DevMode {
		sims := make([]hardware.SimVessel, len(cfg.Vessels))
		for i, v := range cfg.Vessels {
			sims[i] = hardware.SimVessel{Temp: simStartTemp, VolumeLiter: v.VolumeLiters, HeaterWatts: v.HeaterWatts}
		}
		board := hardware.NewBoard(sims, simBathTemp, simAmbient)
		b.sim = board
		lines := map[int]hardware.Line{
			cfg.Bath.ChillerPin: board.ChillerLine(),
			cfg.Bath.PumpPin:    board.PumpLine(),
		}
		for i, v := range cfg.Vessels {
			lines[v.HeaterPin] = board.HeaterLine(i)
			lines[v.ValvePin] = board.ValveLine(i)
		}
		openRelay = func(name string, pin int) (*hardware.Relay, error) {
			return hardware.NewRelay(name, pin, lines[pin])
		}
		openRTD = func(i int, s config.Sensor) (rtd.Conn, error) {
			return board.RTD(i, s.RTDNominal, s.RefResistor), nil
		}
		b.hw.Bath = board.BathProbe()
		log.Warn("dev mode: using the simulated board")
	}

	relay := func(name string, pin int) (fermenter.Output, error) {
		r, err := openRelay(name, pin)
		if err != nil {
			return nil, fmt.Errorf("relay %s on gpio %d: %w", name, pin, err)
		}
		b.closers = append(b.closers, r)
		return r, nil
	}

	for i, v := range cfg.Vessels {
		probe, err := openProbe(i, v, hub, openRTD)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("%s sensor: %w", v.Name, err)
		}
		heater, err := relay(v.Name+" heater", v.HeaterPin)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		valve, err := relay(v.Name+" valve", v.ValvePin)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.hw.Probes = append(b.hw.Probes, probe)
		b.hw.Heaters = append(b.hw.Heaters, heater)
		b.hw.Valves = append(b.hw.Valves, valve)
		log.Infof("%s: %s sensor, heater gpio %d, valve gpio %d", v.Name, v.Sensor.Type, v.HeaterPin, v.ValvePin)
	}

	var err error
	if b.hw.Chiller, err = relay("chiller", cfg.Bath.ChillerPin); err != nil {
		_ = b.Close()
		return nil, err
	}
	if b.hw.Pump, err = relay("pump", cfg.Bath.PumpPin); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func openProbe(i int, v config.Vessel, hub *telemetry.Hub, openRTD func(int, config.Sensor) (rtd.Conn, error)) (fermenter.Probe, error) {
	var probe hardware.Probe
	switch v.Sensor.Type {
	case config.SensorRemote:
		probe = hub.Probe(v.Sensor.RemoteID)
	default:
		conn, err := openRTD(i, v.Sensor)
		if err != nil {
			return nil, err
		}
		rc := rtd.DefaultConfig()
		rc.Nominal = v.Sensor.RTDNominal
		rc.ReferenceResistor = v.Sensor.RefResistor
		s, err := rtd.New(conn, rc)
		if err != nil {
			return nil, err
		}
		probe = s
	}
	if v.Sensor.Calibration == "" {
		return probe, nil
	}
	return hardware.NewCalibrated(probe, v.Sensor.Calibration)
}
