package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swarmview/mirror/internal/driver"
)

// Collector owns the mirror's Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	effects       *prometheus.CounterVec
	diagnostics   *prometheus.CounterVec
	lastSequence  prometheus.Gauge
	viewers       prometheus.Gauge
	rolls         prometheus.Counter
}

// New registers the mirror metrics on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_cycles_total",
			Help: "Sync cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mirror_cycle_duration_seconds",
			Help:    "Time spent fetching, decoding and reconciling one snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		effects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_effects_total",
			Help: "Lifecycle effects emitted, by kind.",
		}, []string{"kind"}),
		diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_diagnostics_total",
			Help: "Skipped snapshot records, by kind.",
		}, []string{"kind"}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_last_sequence",
			Help: "Sequence of the last applied batch.",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_viewers",
			Help: "Connected viewer websockets.",
		}),
		rolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_replay_rolls_total",
			Help: "Manual replay session rolls.",
		}),
	}
	c.registry.MustRegister(
		c.cycles, c.cycleDuration, c.effects, c.diagnostics,
		c.lastSequence, c.viewers, c.rolls,
		collectors.NewGoCollector(),
	)
	return c
}

// ObserveCycle records one finished driver cycle.
func (c *Collector) ObserveCycle(report driver.Report) {
	c.cycles.WithLabelValues(string(report.Outcome)).Inc()
	c.cycleDuration.Observe(report.Duration.Seconds())
	if report.Outcome != driver.Applied {
		return
	}
	c.lastSequence.Set(float64(report.Batch.Sequence))
	for _, effect := range report.Batch.Effects {
		c.effects.WithLabelValues(string(effect.Kind)).Inc()
	}
	for _, diag := range report.Batch.Diagnostics {
		c.diagnostics.WithLabelValues(string(diag.Kind)).Inc()
	}
}

// SetViewers reports the number of connected viewers.
func (c *Collector) SetViewers(n int) { c.viewers.Set(float64(n)) }

// IncRolls counts a manual session roll.
func (c *Collector) IncRolls() { c.rolls.Inc() }

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
