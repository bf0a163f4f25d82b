package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Len(t, c.Vessels, 3)
	assert.Equal(t, 2*time.Second, c.Interval)
	assert.Equal(t, 2016*time.Hour, c.LogRetention)
	assert.Equal(t, "@daily", c.PurgeSchedule)
	assert.Equal(t, 100.0, c.Vessels[0].Sensor.RTDNominal)
	assert.Equal(t, 430.0, c.Vessels[2].Sensor.RefResistor)
	assert.Equal(t, "25", c.Vessels[2].Sensor.CSPin)
	assert.Equal(t, ":5005", c.Remote.UDPAddress)
	assert.Equal(t, 0.5, c.Control.Hysteresis)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fermpi.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: ":9000"
interval: 5s
control_mode: pid
vessels:
  - name: Conical
    sensor:
      type: remote
      remote_id: esp32-1
    heater_pin: 16
    valve_pin: 5
  - sensor:
      spi: /dev/spidev0.1
      calibration: "temp - 0.3"
    heater_pin: 20
    valve_pin: 6
bath:
  sensor_id: 0000abcd
  chiller_pin: 17
  pump_pin: 12
control:
  kp: 12
  duty_cycle: 120s
mqtt:
  enable: true
  broker: tcp://broker:1883
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", c.Address)
	assert.Equal(t, 5*time.Second, c.Interval)
	assert.Equal(t, "pid", c.ControlMode)
	require.Len(t, c.Vessels, 2)
	assert.Equal(t, "Conical", c.Vessels[0].Name)
	assert.Equal(t, "Fermenter 2", c.Vessels[1].Name)
	assert.Equal(t, SensorRTD, c.Vessels[1].Sensor.Type)
	assert.Equal(t, "temp - 0.3", c.Vessels[1].Sensor.Calibration)
	assert.True(t, c.HasRemoteSensors())
	assert.Equal(t, []string{"Conical", "Fermenter 2"}, c.VesselNames())

	assert.Equal(t, 12.0, c.Control.Kp)
	assert.Equal(t, 0.5, c.Control.Ki)
	assert.Equal(t, 120*time.Second, c.Control.DutyCycle)
	assert.Equal(t, 300*time.Second, c.Control.ChillerMinOn)

	assert.Equal(t, "fermpi", c.MQTT.Prefix)
	assert.Equal(t, "tcp://broker:1883", c.MQTT.Broker)
	assert.Equal(t, "/sys/bus/w1/devices", c.Bath.W1Dir)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"no vessels":     "vessels: []\n",
		"duplicate pin":  "bath:\n  chiller_pin: 16\n",
		"bad mode":       "control_mode: fuzzy\n",
		"bad sensor":     "vessels:\n  - sensor: {type: thermocouple, spi: x}\n    heater_pin: 1\n    valve_pin: 2\n",
		"remote no id":   "vessels:\n  - sensor: {type: remote}\n    heater_pin: 1\n    valve_pin: 2\n",
		"rtd no port":    "vessels:\n  - heater_pin: 1\n    valve_pin: 2\n",
		"bad tunables":   "control:\n  hysteresis: -1\n",
		"mqtt no broker": "mqtt:\n  enable: true\n",
		"unknown field":  "colour: blue\n",
		"not yaml":       "{{",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
}

func TestDevModeRelaxesHardware(t *testing.T) {
	c, err := Parse([]byte("dev_mode: true\nbath:\n  sensor_id: \"\"\nvessels:\n  - heater_pin: 1\n    valve_pin: 2\n"))
	require.NoError(t, err)
	assert.True(t, c.DevMode)
	assert.Len(t, c.Vessels, 1)
}
