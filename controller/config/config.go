// Package config loads the static daemon and hardware configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/fermpi/fermpi/controller/hardware"
	"github.com/fermpi/fermpi/controller/modules/fermenter"
	"github.com/fermpi/fermpi/controller/modules/rtd"
	"github.com/fermpi/fermpi/controller/modules/telemetry"
	"github.com/fermpi/fermpi/controller/modules/templog"
)

const DefaultPath = "fermpi.yml"

const (
	SensorRTD    = "rtd"
	SensorRemote = "remote"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Address       string               `yaml:"address"`
	Database      string               `yaml:"database"`
	LogDatabase   string               `yaml:"log_database"`
	LogLevel      string               `yaml:"log_level"`
	DevMode       bool                 `yaml:"dev_mode"`
	Interval      time.Duration        `yaml:"interval"`
	ControlMode   string               `yaml:"control_mode"`
	Vessels       []Vessel             `yaml:"vessels"`
	Bath          Bath                 `yaml:"bath"`
	Control       fermenter.Tunables   `yaml:"control"`
	LogRetention  time.Duration        `yaml:"log_retention"`
	PurgeSchedule string               `yaml:"purge_schedule"`
	MQTT          telemetry.MQTTConfig `yaml:"mqtt"`
	Remote        Remote               `yaml:"remote"`
}

type Vessel struct {
	Name         string  `yaml:"name"`
	Sensor       Sensor  `yaml:"sensor"`
	HeaterPin    int     `yaml:"heater_pin"`
	ValvePin     int     `yaml:"valve_pin"`
	VolumeLiters float64 `yaml:"volume_liters"`
	HeaterWatts  float64 `yaml:"heater_watts"`
}

type Sensor struct {
	Type        string   `yaml:"type"`
	SPI         string   `yaml:"spi"`
	CSPin       string   `yaml:"cs_pin"`
	QuietPins   []string `yaml:"quiet_pins"`
	RTDNominal  float64  `yaml:"rtd_nominal"`
	RefResistor float64  `yaml:"ref_resistor"`
	RemoteID    string   `yaml:"remote_id"`
	Calibration string   `yaml:"calibration"`
}

type Bath struct {
	SensorID   string `yaml:"sensor_id"`
	W1Dir      string `yaml:"w1_dir"`
	ChillerPin int    `yaml:"chiller_pin"`
	PumpPin    int    `yaml:"pump_pin"`
}

type Remote struct {
	UDPAddress string        `yaml:"udp_address"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Default is the three vessel board the daemon was built around.
func Default() Config {
	return Config{
		Address:     ":8080",
		Database:    "fermpi.db",
		LogDatabase: "fermpi-log.db",
		LogLevel:    "info",
		Interval:    fermenter.DefaultInterval,
		ControlMode: string(fermenter.BangBang),
		Vessels: []Vessel{
			{Name: "Fermenter 1", Sensor: Sensor{Type: SensorRTD, SPI: "/dev/spidev0.0"}, HeaterPin: 16, ValvePin: 5},
			{Name: "Fermenter 2", Sensor: Sensor{Type: SensorRTD, SPI: "/dev/spidev0.1"}, HeaterPin: 20, ValvePin: 6},
			{Name: "Fermenter 3", Sensor: Sensor{Type: SensorRTD, SPI: "/dev/spidev0.0", CSPin: "25", QuietPins: []string{"8", "7"}}, HeaterPin: 21, ValvePin: 13},
		},
		Bath: Bath{
			SensorID:   "000000458afe",
			W1Dir:      hardware.DefaultW1Dir,
			ChillerPin: 0,
			PumpPin:    12,
		},
		Control:       fermenter.DefaultTunables(),
		LogRetention:  templog.DefaultRetention,
		PurgeSchedule: templog.DefaultSchedule,
		MQTT: telemetry.MQTTConfig{
			ClientID:        "fermpi",
			Prefix:          "fermpi",
			PublishInterval: telemetry.DefaultPublishInterval,
		},
		Remote: Remote{
			UDPAddress: telemetry.DefaultUDPAddress,
			StaleAfter: telemetry.DefaultStaleAfter,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.applyDefaults()
			return c, c.Validate()
		}
		return c, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.applyDefaults()
	return c, c.Validate()
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.LogRetention <= 0 {
		c.LogRetention = d.LogRetention
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = d.PurgeSchedule
	}
	if c.ControlMode == "" {
		c.ControlMode = d.ControlMode
	}
	if c.Bath.W1Dir == "" {
		c.Bath.W1Dir = d.Bath.W1Dir
	}
	if c.Remote.UDPAddress == "" {
		c.Remote.UDPAddress = d.Remote.UDPAddress
	}
	if c.Remote.StaleAfter <= 0 {
		c.Remote.StaleAfter = d.Remote.StaleAfter
	}
	for i := range c.Vessels {
		v := &c.Vessels[i]
		if v.Name == "" {
			v.Name = fmt.Sprintf("Fermenter %d", i+1)
		}
		if v.Sensor.Type == "" {
			v.Sensor.Type = SensorRTD
		}
		if v.Sensor.RTDNominal <= 0 {
			v.Sensor.RTDNominal = rtd.DefaultNominal
		}
		if v.Sensor.RefResistor <= 0 {
			v.Sensor.RefResistor = rtd.DefaultReference
		}
		if v.VolumeLiters <= 0 {
			v.VolumeLiters = 20
		}
		if v.HeaterWatts <= 0 {
			v.HeaterWatts = 50
		}
	}
}

// Validate checks the structure. Hardware is only opened later.
func (c Config) Validate() error {
	if len(c.Vessels) == 0 {
		return fmt.Errorf("%w: at least one vessel is required", ErrInvalid)
	}
	if _, err := fermenter.ParseMode(c.ControlMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	pins := map[int]string{}
	claim := func(pin int, owner string) error {
		if other, ok := pins[pin]; ok {
			return fmt.Errorf("%w: gpio %d used by both %s and %s", ErrInvalid, pin, other, owner)
		}
		pins[pin] = owner
		return nil
	}
	if err := claim(c.Bath.ChillerPin, "chiller"); err != nil {
		return err
	}
	if err := claim(c.Bath.PumpPin, "pump"); err != nil {
		return err
	}
	for i, v := range c.Vessels {
		if err := claim(v.HeaterPin, v.Name+" heater"); err != nil {
			return err
		}
		if err := claim(v.ValvePin, v.Name+" valve"); err != nil {
			return err
		}
		switch v.Sensor.Type {
		case SensorRTD:
			if v.Sensor.SPI == "" && !c.DevMode {
				return fmt.Errorf("%w: vessel %d: rtd sensor needs an spi port", ErrInvalid, i+1)
			}
		case SensorRemote:
			if v.Sensor.RemoteID == "" {
				return fmt.Errorf("%w: vessel %d: remote sensor needs a remote_id", ErrInvalid, i+1)
			}
		default:
			return fmt.Errorf("%w: vessel %d: unknown sensor type %q", ErrInvalid, i+1, v.Sensor.Type)
		}
	}
	if c.Bath.SensorID == "" && !c.DevMode {
		return fmt.Errorf("%w: bath sensor_id is required", ErrInvalid)
	}
	if c.MQTT.Enable && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt broker is required when mqtt is enabled", ErrInvalid)
	}
	return nil
}

// HasRemoteSensors reports whether any vessel reads from the remote hub.
func (c Config) HasRemoteSensors() bool {
	for _, v := range c.Vessels {
		if v.Sensor.Type == SensorRemote {
			return true
		}
	}
	return false
}

func (c Config) VesselNames() []string {
	names := make([]string, len(c.Vessels))
	for i, v := range c.Vessels {
		names[i] = v.Name
	}
	return names
}
