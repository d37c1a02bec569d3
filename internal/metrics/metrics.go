// Package metrics exposes the latest measurement run as Prometheus gauges.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Exporter holds the gauges of the most recent run on its own registry.
type Exporter struct {
	registry *prometheus.Registry

	speed         *prometheus.GaugeVec
	latency       *prometheus.GaugeVec
	jitter        *prometheus.GaugeVec
	loss          *prometheus.GaugeVec
	loadedLatency *prometheus.GaugeVec
	status        *prometheus.GaugeVec
	runs          *prometheus.CounterVec
	lastRun       prometheus.Gauge

	mu     sync.RWMutex
	latest *results.Record
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		speed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedtest_bandwidth_mbps",
			Help: "mean transfer speed in Mbps",
		}, []string{"type", "direction"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedtest_latency_ms",
			Help: "mean idle latency to the selected server in milliseconds",
		}, []string{"type"}),
		jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedtest_jitter_ms",
			Help: "idle latency jitter in milliseconds",
		}, []string{"type"}),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedtest_packet_loss",
			Help: "probe packet loss in percent",
		}, []string{"type"}),
		loadedLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedtest_loaded_latency_ms",
			Help: "mean latency during transfers in milliseconds",
		}, []string{"type"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "speedtest_role_status",
			Help: "1 when a server was selected for the role, 0 when it was skipped",
		}, []string{"type", "direction"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speedtest_runs_total",
			Help: "completed runs by outcome",
		}, []string{"outcome"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_last_run_timestamp_seconds",
			Help: "start time of the most recent run",
		}),
	}
	e.registry.MustRegister(
		e.speed, e.latency, e.jitter, e.loss, e.loadedLatency, e.status, e.runs, e.lastRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Registry is what the HTTP handler gathers from.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Observe publishes a run. Absent values are exported as NaN.
func (e *Exporter) Observe(rec results.Record) {
	for _, p := range rec.Protocols {
		label := string(p)
		for _, dir := range target.Directions {
			e.speed.WithLabelValues(label, string(dir)).Set(value(rec.Results, string(dir), p))
			status := 0.0
			if _, ok := rec.Servers[results.Key(string(dir), p)]; ok {
				status = 1
			}
			e.status.WithLabelValues(label, string(dir)).Set(status)
		}
		e.latency.WithLabelValues(label).Set(value(rec.Results, results.Latency, p))
		e.jitter.WithLabelValues(label).Set(value(rec.Results, results.Jitter, p))
		e.loss.WithLabelValues(label).Set(value(rec.Results, results.PacketLoss, p))
		e.loadedLatency.WithLabelValues(label).Set(value(rec.Results, results.LoadedLatency, p))
	}
	e.lastRun.Set(float64(rec.Timestamp.UnixNano()) / float64(time.Second))

	outcome := "valid"
	if !rec.Valid {
		outcome = "incomplete"
	}
	e.runs.WithLabelValues(outcome).Inc()

	e.mu.Lock()
	e.latest = &rec
	e.mu.Unlock()
}

// Failed counts a run that produced no data.
func (e *Exporter) Failed() {
	e.runs.WithLabelValues("failed").Inc()
}

// Latest returns the most recently observed run.
func (e *Exporter) Latest() (results.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return results.Record{}, false
	}
	return *e.latest, true
}

func value(set results.Set, metric string, p target.Protocol) float64 {
	if v, ok := set.Get(results.Key(metric, p)); ok {
		return v
	}
	return math.NaN()
}
