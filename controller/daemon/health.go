package daemon

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/shirou/gopsutil/v4/sensors"
	"github.com/sirupsen/logrus"
)

type Health struct {
	CPUPercent    float64            `json:"cpu_percent"`
	MemoryPercent float64            `json:"memory_percent"`
	MemoryUsed    string             `json:"memory_used"`
	ProcessRSS    string             `json:"process_rss"`
	Uptime        string             `json:"uptime"`
	UptimeSeconds uint64             `json:"uptime_seconds"`
	Temperatures  map[string]float64 `json:"temperatures,omitempty"`
	Started       string             `json:"started"`
}

type healthCheck struct {
	log     *logrus.Entry
	started time.Time
}

// collect gathers host stats. Individual probes that are unsupported on the
// host are left empty.
func (h *healthCheck) collect() Health {
	var s Health
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		h.log.Debugf("cpu: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
		s.MemoryUsed = humanize.IBytes(vm.Used)
	} else {
		h.log.Debugf("memory: %v", err)
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfo(); err == nil {
			s.ProcessRSS = humanize.IBytes(info.RSS)
		}
	}
	if up, err := host.Uptime(); err == nil {
		s.UptimeSeconds = up
		s.Uptime = (time.Duration(up) * time.Second).String()
	}
	temps, err := sensors.SensorsTemperatures()
	if err != nil {
		h.log.Debugf("sensors: %v", err)
	}
	for _, t := range temps {
		if s.Temperatures == nil {
			s.Temperatures = make(map[string]float64)
		}
		s.Temperatures[t.SensorKey] = t.Temperature
	}
	s.Started = humanize.Time(h.started)
	return s
}

func (h *healthCheck) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.collect()); err != nil {
		h.log.Errorf("encode health: %v", err)
	}
}
