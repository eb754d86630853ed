package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("config.yaml")
	collector.IncDispatched("press", "part", 2)
	collector.SetConnectorState("press", "connected")
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("a.yaml")

	family := gather(t, reg, "coupler_config_hot_reload_total")
	requireCounterValue(t, family, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)

	again.IncHotReload("a.yaml")
	requireCounterValue(t, gather(t, reg, "coupler_config_hot_reload_total"), 2)
}

func TestPrometheusCollectorConnectorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncPollTick("press")
	collector.IncDispatched("press", "part", 3)
	collector.IncWrite("press", "ok")
	collector.IncAcquisitionError("press", "translate")
	collector.IncReplayJob("press", "started")
	collector.SetConnectorState("press", "connected")

	requireCounterValue(t, gather(t, reg, "coupler_poll_ticks_total"), 1)
	requireCounterValue(t, gather(t, reg, "coupler_records_dispatched_total"), 1)
	requireCounterValue(t, gather(t, reg, "coupler_callback_deliveries_total"), 3)
	requireCounterValue(t, gather(t, reg, "coupler_writes_total"), 1)
	requireCounterValue(t, gather(t, reg, "coupler_acquisition_errors_total"), 1)
	requireCounterValue(t, gather(t, reg, "coupler_replay_jobs_total"), 1)

	states := gather(t, reg, "coupler_connector_state")
	require.Len(t, states.Metric, len(States))
	active := 0.0
	for _, m := range states.Metric {
		active += m.GetGauge().GetValue()
	}
	require.Equal(t, 1.0, active)
}

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
