package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fermpi/fermpi/controller/modules/fermenter"
)

// Collector turns a status snapshot into gauges on every scrape.
type Collector struct {
	snapshot func() fermenter.Status

	vesselTemp   *prometheus.Desc
	vesselTarget *prometheus.Desc
	vesselActive *prometheus.Desc
	heater       *prometheus.Desc
	valve        *prometheus.Desc
	pidOutput    *prometheus.Desc
	bathTemp     *prometheus.Desc
	bathTarget   *prometheus.Desc
	chiller      *prometheus.Desc
	pump         *prometheus.Desc
}

func NewCollector(snapshot func() fermenter.Status) *Collector {
	labels := []string{"vessel", "name"}
	return &Collector{
		snapshot:     snapshot,
		vesselTemp:   prometheus.NewDesc("fermpi_vessel_temperature_celsius", "Current vessel temperature", labels, nil),
		vesselTarget: prometheus.NewDesc("fermpi_vessel_target_celsius", "Effective vessel target temperature", labels, nil),
		vesselActive: prometheus.NewDesc("fermpi_vessel_active", "Whether the vessel is under control", labels, nil),
		heater:       prometheus.NewDesc("fermpi_vessel_heater_on", "Heater relay state", labels, nil),
		valve:        prometheus.NewDesc("fermpi_vessel_cooling_valve_open", "Cooling valve relay state", labels, nil),
		pidOutput:    prometheus.NewDesc("fermpi_vessel_pid_output", "Signed PID demand", labels, nil),
		bathTemp:     prometheus.NewDesc("fermpi_bath_temperature_celsius", "Coolant bath temperature", nil, nil),
		bathTarget:   prometheus.NewDesc("fermpi_bath_target_celsius", "Coolant bath target temperature", nil, nil),
		chiller:      prometheus.NewDesc("fermpi_chiller_on", "Chiller relay state", nil, nil),
		pump:         prometheus.NewDesc("fermpi_pump_on", "Circulation pump relay state", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.vesselTemp, c.vesselTarget, c.vesselActive, c.heater, c.valve,
		c.pidOutput, c.bathTemp, c.bathTarget, c.chiller, c.pump,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	for _, v := range s.Vessels {
		id := strconv.Itoa(v.ID)
		if v.CurrentTemp != nil {
			ch <- prometheus.MustNewConstMetric(c.vesselTemp, prometheus.GaugeValue, *v.CurrentTemp, id, v.Name)
		}
		ch <- prometheus.MustNewConstMetric(c.vesselTarget, prometheus.GaugeValue, v.TargetTemp, id, v.Name)
		ch <- prometheus.MustNewConstMetric(c.vesselActive, prometheus.GaugeValue, gauge(v.Active), id, v.Name)
		ch <- prometheus.MustNewConstMetric(c.heater, prometheus.GaugeValue, gauge(v.HeaterOn), id, v.Name)
		ch <- prometheus.MustNewConstMetric(c.valve, prometheus.GaugeValue, gauge(v.ValveOpen), id, v.Name)
		ch <- prometheus.MustNewConstMetric(c.pidOutput, prometheus.GaugeValue, v.PIDOutput, id, v.Name)
	}
	if s.Bath.CurrentTemp != nil {
		ch <- prometheus.MustNewConstMetric(c.bathTemp, prometheus.GaugeValue, *s.Bath.CurrentTemp)
	}
	if s.Bath.TargetTemp != nil {
		ch <- prometheus.MustNewConstMetric(c.bathTarget, prometheus.GaugeValue, *s.Bath.TargetTemp)
	}
	ch <- prometheus.MustNewConstMetric(c.chiller, prometheus.GaugeValue, gauge(s.Bath.ChillerOn))
	ch <- prometheus.MustNewConstMetric(c.pump, prometheus.GaugeValue, gauge(s.Bath.PumpOn))
}

func gauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
