// Package metrics provides Prometheus metrics collection for macrodeck.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/macrodeck/ports"
)

// Collector holds all Prometheus metrics for macrodeck.
type Collector struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Profile metrics
	ProfileReloads      prometheus.Counter
	ProfileReloadErrors *prometheus.CounterVec
	ProfileLastReload   prometheus.Gauge
	ProfileGeneration   prometheus.Gauge
	CompileDuration     prometheus.Histogram
	Diagnostics         *prometheus.GaugeVec

	// Bundle metrics
	BundleMacros  prometheus.Gauge
	BundleDevices prometheus.Gauge

	// Watch metrics
	ChangeEvents     prometheus.Counter
	CoalescedChanges prometheus.Counter

	// Execution metrics
	MacroExecutions *prometheus.CounterVec
	MacrosInFlight  prometheus.Gauge
	TriggerMisses   prometheus.Counter
	ScriptRuns      *prometheus.CounterVec
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "http_requests_total",
				Help:      "Total number of ops API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "macrodeck",
				Name:      "http_request_duration_seconds",
				Help:      "Ops API request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "route"},
		),

		ProfileReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "profile_reloads_total",
				Help:      "Total number of successful profile loads",
			},
		),
		ProfileReloadErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "profile_reload_errors_total",
				Help:      "Total number of rejected profile loads by failure kind",
			},
			[]string{"kind"},
		),
		ProfileLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "macrodeck",
				Name:      "profile_last_reload_timestamp",
				Help:      "Unix timestamp of last successful profile load",
			},
		),
		ProfileGeneration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "macrodeck",
				Name:      "profile_generation",
				Help:      "Generation of the live bundle",
			},
		),
		CompileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "macrodeck",
				Name:      "profile_compile_duration_seconds",
				Help:      "Time to read, validate and compile the profile",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		Diagnostics: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "macrodeck",
				Name:      "profile_diagnostics",
				Help:      "Diagnostics reported by the last load attempt",
			},
			[]string{"severity"},
		),

		BundleMacros: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "macrodeck",
				Name:      "bundle_macros",
				Help:      "Ready macros in the live bundle",
			},
		),
		BundleDevices: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "macrodeck",
				Name:      "bundle_devices",
				Help:      "Device layouts in the live bundle",
			},
		),

		ChangeEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "watch_events_total",
				Help:      "Relevant profile change notifications received",
			},
		),
		CoalescedChanges: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "watch_coalesced_total",
				Help:      "Change notifications absorbed by an open debounce window",
			},
		),

		MacroExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "macro_executions_total",
				Help:      "Macro executions by macro and outcome",
			},
			[]string{"macro", "outcome"},
		),
		MacrosInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "macrodeck",
				Name:      "macros_in_flight",
				Help:      "Macro executions currently running",
			},
		),
		TriggerMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "trigger_misses_total",
				Help:      "Note events with no bound macro",
			},
		),
		ScriptRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "macrodeck",
				Name:      "script_runs_total",
				Help:      "Script executions by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveReload records a profile load attempt.
func (c *Collector) ObserveReload(r ports.ReloadRecord, took time.Duration) {
	c.CompileDuration.Observe(took.Seconds())
	c.Diagnostics.WithLabelValues("error").Set(float64(r.Errors))
	c.Diagnostics.WithLabelValues("warning").Set(float64(r.Warnings))

	if r.Outcome != ports.OutcomeReloaded {
		c.ProfileReloadErrors.WithLabelValues(r.Kind).Inc()
		return
	}

	c.ProfileReloads.Inc()
	c.ProfileLastReload.Set(float64(r.At.Unix()))
	c.ProfileGeneration.Set(float64(r.Generation))
	c.BundleMacros.Set(float64(r.Macros))
	c.BundleDevices.Set(float64(r.Devices))
}

// ObserveChange records a relevant profile change notification.
func (c *Collector) ObserveChange(coalesced bool) {
	c.ChangeEvents.Inc()
	if coalesced {
		c.CoalescedChanges.Inc()
	}
}

// ExecutionStarted records a macro execution start.
func (c *Collector) ExecutionStarted(string) {
	c.MacrosInFlight.Inc()
}

// ExecutionFinished records a macro execution end.
func (c *Collector) ExecutionFinished(macro, outcome string) {
	c.MacrosInFlight.Dec()
	c.MacroExecutions.WithLabelValues(macro, outcome).Inc()
}

// TriggerMissed records a note with no bound macro.
func (c *Collector) TriggerMissed(uint8) {
	c.TriggerMisses.Inc()
}

// ScriptFinished records a script run.
func (c *Collector) ScriptFinished(_ string, outcome string) {
	c.ScriptRuns.WithLabelValues(outcome).Inc()
}
