package host

import "github.com/prometheus/client_golang/prometheus"

var (
	localPersistOK = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gohome_host_state_local_persist_ok",
		Help: "Whether the last local state write succeeded (1=ok, 0=failed)",
	})
	remotePersistOK = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gohome_host_state_remote_persist_ok",
		Help: "Whether the last state mirror operation succeeded (1=ok, 0=failed)",
	})
	flowTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gohome_host_flow_triggers_total",
		Help: "Flow trigger cards fired",
	}, []string{"driver", "card"})
	mqttPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gohome_host_mqtt_publish_errors_total",
		Help: "MQTT publishes that failed",
	})
)

// runtimeCollector reports per-driver device counts at scrape time.
type runtimeCollector struct {
	runtime *Runtime
	devices *prometheus.Desc
}

func newRuntimeCollector(r *Runtime) *runtimeCollector {
	return &runtimeCollector{
		runtime: r,
		devices: prometheus.NewDesc(
			"gohome_host_devices",
			"Paired devices by driver and availability",
			[]string{"driver", "available"},
			nil,
		),
	}
}

func (c *runtimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.devices
}

func (c *runtimeCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[[2]string]int)
	for _, d := range c.runtime.Devices() {
		available := "false"
		if d.Available() {
			available = "true"
		}
		counts[[2]string{d.DriverID(), available}]++
	}
	for key, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(n), key[0], key[1])
	}
}

// Collectors returns the runtime's metrics.
func (r *Runtime) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		newRuntimeCollector(r),
		localPersistOK,
		remotePersistOK,
		flowTriggers,
		mqttPublishErrors,
	}
}
