package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func resetRegistration() {
	registryMu.Lock()
	evaluationsVec = nil
	cacheHitsVec = nil
	breakerSkipsVec = nil
	sensorsGaugeVec = nil
	registryMu.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncEvaluation("energy", "ok")
	collector.IncCacheHit("energy")
	collector.IncBreakerSkip("energy")
	collector.SetSensorCount("energy", 3)
}

func TestPrometheusCollectorRegistersAndReusesMetrics(t *testing.T) {
	resetRegistration()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncEvaluation("energy", "ok")
	collector.IncCacheHit("energy")
	collector.IncBreakerSkip("energy")
	collector.SetSensorCount("energy", 3)

	metrics, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, metrics, 4)

	require.Equal(t, 1.0, counterValue(t, metrics, "synthsensors_evaluations_total"))
	require.Equal(t, 1.0, counterValue(t, metrics, "synthsensors_cache_hits_total"))
	require.Equal(t, 1.0, counterValue(t, metrics, "synthsensors_breaker_skips_total"))

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.evaluations, again.evaluations)

	again.IncEvaluation("energy", "ok")
	metrics, err = reg.Gather()
	require.NoError(t, err)
	require.Equal(t, 2.0, counterValue(t, metrics, "synthsensors_evaluations_total"))
}

func TestPrometheusCollectorSurvivesDoubleRegistration(t *testing.T) {
	resetRegistration()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	resetRegistration()

	second, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.evaluations, second.evaluations)
	require.Same(t, first.sensors, second.sensors)
}

func counterValue(t *testing.T, families []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.Metric, 1)
		require.NotNil(t, mf.Metric[0].Counter)
		return mf.Metric[0].Counter.GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
