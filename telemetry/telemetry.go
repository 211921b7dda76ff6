// Package telemetry exposes the engine's runtime counters behind a small
// collector interface so hosts may plug in Prometheus or discard metrics.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the evaluator.
//
// Implementations should be inexpensive to call because hooks run inline
// with formula evaluation.
type Collector interface {
	IncEvaluation(sensorSet, result string)
	IncCacheHit(sensorSet string)
	IncBreakerSkip(sensorSet string)
	SetSensorCount(sensorSet string, count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncEvaluation(string, string) {}
func (noopCollector) IncCacheHit(string)           {}
func (noopCollector) IncBreakerSkip(string)        {}
func (noopCollector) SetSensorCount(string, int)   {}

// PrometheusCollector exposes evaluation counters via Prometheus.
type PrometheusCollector struct {
	evaluations  *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	breakerSkips *prometheus.CounterVec
	sensors      *prometheus.GaugeVec
}

var (
	registryMu      sync.Mutex
	evaluationsVec  *prometheus.CounterVec
	cacheHitsVec    *prometheus.CounterVec
	breakerSkipsVec *prometheus.CounterVec
	sensorsGaugeVec *prometheus.GaugeVec
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Registration is idempotent: an already-registered collector
// is reused instead of failing.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	if evaluationsVec == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthsensors_evaluations_total",
			Help: "Number of formula evaluations per sensor set and result state.",
		}, []string{"sensor_set", "result"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		evaluationsVec = registered
	}
	if cacheHitsVec == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthsensors_cache_hits_total",
			Help: "Number of evaluations served from the result cache.",
		}, []string{"sensor_set"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		cacheHitsVec = registered
	}
	if breakerSkipsVec == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthsensors_breaker_skips_total",
			Help: "Number of evaluations skipped by an open circuit breaker.",
		}, []string{"sensor_set"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		breakerSkipsVec = registered
	}
	if sensorsGaugeVec == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthsensors_sensors",
			Help: "Number of synthetic sensors per sensor set.",
		}, []string{"sensor_set"})
		if err := reg.Register(gauge); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
					gauge = existing
				} else {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		sensorsGaugeVec = gauge
	}

	return &PrometheusCollector{
		evaluations:  evaluationsVec,
		cacheHits:    cacheHitsVec,
		breakerSkips: breakerSkipsVec,
		sensors:      sensorsGaugeVec,
	}, nil
}

func registerCounter(reg prometheus.Registerer, counter *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// IncEvaluation counts one evaluation outcome.
func (p *PrometheusCollector) IncEvaluation(sensorSet, result string) {
	if p == nil || p.evaluations == nil {
		return
	}
	p.evaluations.WithLabelValues(sensorSet, result).Inc()
}

// IncCacheHit counts one cache-served evaluation.
func (p *PrometheusCollector) IncCacheHit(sensorSet string) {
	if p == nil || p.cacheHits == nil {
		return
	}
	p.cacheHits.WithLabelValues(sensorSet).Inc()
}

// IncBreakerSkip counts one breaker-suppressed evaluation.
func (p *PrometheusCollector) IncBreakerSkip(sensorSet string) {
	if p == nil || p.breakerSkips == nil {
		return
	}
	p.breakerSkips.WithLabelValues(sensorSet).Inc()
}

// SetSensorCount updates the gauge tracking sensors per set.
func (p *PrometheusCollector) SetSensorCount(sensorSet string, count int) {
	if p == nil || p.sensors == nil {
		return
	}
	p.sensors.WithLabelValues(sensorSet).Set(float64(count))
}
