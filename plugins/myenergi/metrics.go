package myenergi

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

// MetricsCollector reports hub poll state and device readings. It reads
// cached state only; scrapes never reach the hub.
type MetricsCollector struct {
	scheduler *Scheduler
	devices   func() []*host.Device

	pollSuccess  *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
	pollDuration *prometheus.GaugeVec
	polls        *prometheus.Desc
	failures     *prometheus.Desc
	power        *prometheus.GaugeVec
	energy       *prometheus.GaugeVec
	available    *prometheus.GaugeVec
}

func NewMetricsCollector(scheduler *Scheduler, devices func() []*host.Device) *MetricsCollector {
	hubLabels := []string{"client_id", "hubname"}
	deviceLabels := []string{"kind", "serial", "name"}
	return &MetricsCollector{
		scheduler: scheduler,
		devices:   devices,
		pollSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_myenergi_hub_poll_success",
			Help: "Last hub poll success (1=ok, 0=error)",
		}, hubLabels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_myenergi_hub_last_success_timestamp_seconds",
			Help: "Last successful hub poll timestamp (epoch seconds)",
		}, hubLabels),
		pollDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_myenergi_hub_poll_duration_seconds",
			Help: "Duration of the last hub poll",
		}, hubLabels),
		polls: prometheus.NewDesc(
			"gohome_myenergi_hub_polls_total",
			"Hub polls attempted",
			hubLabels, nil,
		),
		failures: prometheus.NewDesc(
			"gohome_myenergi_hub_poll_failures_total",
			"Hub polls that failed",
			hubLabels, nil,
		),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_myenergi_power_watts",
			Help: "Derived power per device",
		}, deviceLabels),
		energy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_myenergi_energy_kwh",
			Help: "Integrated energy per device",
		}, deviceLabels),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_myenergi_device_available_bool",
			Help: "Device availability (1=available, 0=unavailable)",
		}, deviceLabels),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.pollSuccess.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.pollDuration.Describe(ch)
	ch <- c.polls
	ch <- c.failures
	c.power.Describe(ch)
	c.energy.Describe(ch)
	c.available.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.pollSuccess.Reset()
	c.lastSuccess.Reset()
	c.pollDuration.Reset()
	c.power.Reset()
	c.energy.Reset()
	c.available.Reset()

	for _, st := range c.scheduler.Statuses() {
		labels := prometheus.Labels{"client_id": st.ClientID, "hubname": st.Hubname}
		if st.Polls > 0 {
			c.pollSuccess.With(labels).Set(boolToFloat(st.LastError == ""))
		}
		if !st.LastSuccess.IsZero() {
			c.lastSuccess.With(labels).Set(float64(st.LastSuccess.Unix()))
		}
		c.pollDuration.With(labels).Set(st.LastDuration.Seconds())
		ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(st.Polls), st.ClientID, st.Hubname)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.Failures), st.ClientID, st.Hubname)
	}

	if c.devices != nil {
		for _, d := range c.devices() {
			if _, err := ParseKind(d.DriverID()); err != nil {
				continue
			}
			labels := prometheus.Labels{
				"kind":   d.DriverID(),
				"serial": d.DataString("id"),
				"name":   d.Name(),
			}
			c.available.With(labels).Set(boolToFloat(d.Available()))
			if v, ok := d.CapabilityValue("measure_power").(float64); ok {
				c.power.With(labels).Set(v)
			}
			if v, ok := d.CapabilityValue("meter_power").(float64); ok {
				c.energy.With(labels).Set(v)
			}
		}
	}

	c.pollSuccess.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.pollDuration.Collect(ch)
	c.power.Collect(ch)
	c.energy.Collect(ch)
	c.available.Collect(ch)
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
