// Package metrics provides Prometheus metrics for a procrun run.
//
// Every Collector owns its registry, so a run's metrics never mix with
// another run's, and the same families can be served over HTTP while the
// run is in progress and dumped to a textfile after it.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "procrun"

// Collector manages all Prometheus metrics for one run.
type Collector struct {
	registry *prometheus.Registry

	// --- Run overview ---
	info       *prometheus.GaugeVec
	procsTotal prometheus.Gauge
	liveProcs  prometheus.Gauge

	// --- Process lifecycle ---
	started      prometheus.Counter
	reaped       *prometheus.CounterVec
	procDuration prometheus.Histogram
	procCPU      prometheus.Histogram

	// --- Supervision ---
	errors   *prometheus.CounterVec
	wakeups  *prometheus.CounterVec
	captured prometheus.Counter

	mu        sync.Mutex
	live      int
	peakLive  int
	startTime time.Time
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	RunID   string
	Procs   int

	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool
}

// NewCollector creates a collector on a fresh registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a collector that registers on registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry:  registry,
		startTime: time.Now(),

		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the run (value always 1)",
			},
			[]string{"version", "run_id"},
		),
		procsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "procs",
			Help:      "Processes named by the spec",
		}),
		liveProcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_procs",
			Help:      "Processes forked and not yet reaped",
		}),

		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "procs_started_total",
			Help:      "Processes forked",
		}),
		reaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "procs_reaped_total",
				Help:      "Processes reaped, by outcome (exited, failed, signaled)",
			},
			[]string{"outcome"},
		),
		procDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proc_duration_seconds",
			Help:      "Wall time from fork to reap",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		procCPU: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proc_cpu_seconds",
			Help:      "User plus system CPU time of reaped processes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors recorded in the result, by source",
			},
			[]string{"source"},
		),
		wakeups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "select_wakeups_total",
				Help:      "Returns from the readiness wait, by result (ok, interrupted, error)",
			},
			[]string{"result"},
		),
		captured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_bytes_total",
			Help:      "Bytes collected by capture descriptors",
		}),
	}

	registry.MustRegister(
		c.info,
		c.procsTotal,
		c.liveProcs,
		c.started,
		c.reaped,
		c.procDuration,
		c.procCPU,
		c.errors,
		c.wakeups,
		c.captured,
	)
	if cfg.RuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	// Set initial values
	c.info.WithLabelValues(cfg.Version, cfg.RunID).Set(1)
	c.procsTotal.Set(float64(cfg.Procs))

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// ProcStarted records a fork.
func (c *Collector) ProcStarted() {
	c.started.Inc()

	c.mu.Lock()
	c.live++
	if c.live > c.peakLive {
		c.peakLive = c.live
	}
	c.liveProcs.Set(float64(c.live))
	c.mu.Unlock()
}

// ProcReaped records a reaped process.
func (c *Collector) ProcReaped(outcome string, elapsed, cpu time.Duration) {
	c.reaped.WithLabelValues(outcome).Inc()
	c.procDuration.Observe(elapsed.Seconds())
	c.procCPU.Observe(cpu.Seconds())

	c.mu.Lock()
	if c.live > 0 {
		c.live--
	}
	c.liveProcs.Set(float64(c.live))
	c.mu.Unlock()
}

// RecordError counts an error recorded in the result.
func (c *Collector) RecordError(source string) {
	c.errors.WithLabelValues(source).Inc()
}

// RecordWakeup counts one return from the readiness wait.
func (c *Collector) RecordWakeup(result string) {
	c.wakeups.WithLabelValues(result).Inc()
}

// RecordCapture counts captured bytes.
func (c *Collector) RecordCapture(n int) {
	if n > 0 {
		c.captured.Add(float64(n))
	}
}

// PeakLive returns the most processes that were live at once.
func (c *Collector) PeakLive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakLive
}

// Elapsed returns the time since the collector was created.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}
