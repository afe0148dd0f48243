package myenergi

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, c prometheus.Collector) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string][]*dto.Metric, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf.GetMetric()
	}
	return out
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestMetricsCollector(t *testing.T) {
	f := newFixture(t)
	pairZappi(t, f)
	f.pair(t, KindHarvi, fakeHarviSerial)

	f.fake.Fail(errors.New("hub down"))
	f.poll(t)

	metrics := gather(t, f.plugin.Collectors()[0])

	success := metrics["gohome_myenergi_hub_poll_success"]
	require.Len(t, success, 1)
	assert.Equal(t, testClientID, label(success[0], "client_id"))
	assert.Equal(t, 0.0, success[0].GetGauge().GetValue())

	assert.Equal(t, 2.0, metrics["gohome_myenergi_hub_polls_total"][0].GetCounter().GetValue())
	assert.Equal(t, 1.0, metrics["gohome_myenergi_hub_poll_failures_total"][0].GetCounter().GetValue())

	power := map[string]float64{}
	for _, m := range metrics["gohome_myenergi_power_watts"] {
		power[label(m, "kind")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{"zappi": 3600, "harvi": 0}, power)

	available := metrics["gohome_myenergi_device_available_bool"]
	require.Len(t, available, 2)
	for _, m := range available {
		assert.Equal(t, 1.0, m.GetGauge().GetValue())
	}
	assert.Len(t, metrics["gohome_myenergi_energy_kwh"], 2)
}
