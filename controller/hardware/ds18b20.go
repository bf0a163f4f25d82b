package hardware

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fermpi/fermpi/controller/modules/rtd"
)

const DefaultW1Dir = "/sys/bus/w1/devices"

// DS18B20 reads a 1-Wire thermometer through the kernel w1_therm driver.
type DS18B20 struct {
	path string
}

// NewDS18B20 accepts the id with or without the 28- family prefix.
func NewDS18B20(dir, id string) *DS18B20 {
	if dir == "" {
		dir = DefaultW1Dir
	}
	if !strings.HasPrefix(id, "28-") {
		id = "28-" + id
	}
	return &DS18B20{path: filepath.Join(dir, id, "w1_slave")}
}

// Read parses w1_slave: the first line must end with a passed CRC, the
// second carries t=<millidegrees>.
func (d *DS18B20) Read() (float64, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", rtd.ErrNotConnected, err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) < 2 || !bytes.HasSuffix(bytes.TrimSpace(lines[0]), []byte("YES")) {
		return 0, fmt.Errorf("%w: crc check failed on %s", rtd.ErrNotConnected, d.path)
	}
	i := bytes.LastIndex(lines[1], []byte("t="))
	if i < 0 {
		return 0, fmt.Errorf("%w: no reading in %s", rtd.ErrConversion, d.path)
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(lines[1][i+2:])), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", rtd.ErrConversion, err)
	}
	return milli / 1000, nil
}
