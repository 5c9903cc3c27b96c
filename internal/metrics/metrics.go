// Package metrics collects build and publish counters for one deploy and
// writes them in the Prometheus text format, for node exporter textfile
// collection on CI runners.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

// Recorder holds the collectors of one invocation. A nil *Recorder is a
// valid no-op recorder.
type Recorder struct {
	registry       *prometheus.Registry
	cacheDecisions *prometheus.CounterVec
	builds         *prometheus.CounterVec
	buildDuration  *prometheus.HistogramVec
	uploads        *prometheus.CounterVec
	locations      *prometheus.CounterVec
}

// New returns a Recorder backed by its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cacheDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pexship",
			Subsystem: "cache",
			Name:      "decisions_total",
			Help:      "Cache decisions per dependency set",
		}, []string{"state"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pexship",
			Subsystem: "build",
			Name:      "bundles_total",
			Help:      "Bundles built, by kind and result",
		}, []string{"kind", "result"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pexship",
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Time spent building bundles",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pexship",
			Subsystem: "publish",
			Name:      "uploads_total",
			Help:      "Bundle upload batches, by result",
		}, []string{"result"}),
		locations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pexship",
			Subsystem: "publish",
			Name:      "locations_total",
			Help:      "Location registrations, by result",
		}, []string{"result"}),
	}
	r.registry.MustRegister(r.cacheDecisions, r.builds, r.buildDuration, r.uploads, r.locations)
	return r
}

// CacheDecision counts one dependency set decision.
func (r *Recorder) CacheDecision(state string) {
	if r == nil {
		return
	}
	r.cacheDecisions.With(prometheus.Labels{"state": state}).Inc()
}

// Build records one bundle build of kind ("deps" or "source").
func (r *Recorder) Build(kind, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.builds.With(prometheus.Labels{"kind": kind, "result": result}).Inc()
	r.buildDuration.With(prometheus.Labels{"kind": kind}).Observe(d.Seconds())
}

// Upload counts one upload batch.
func (r *Recorder) Upload(result string) {
	if r == nil {
		return
	}
	r.uploads.With(prometheus.Labels{"result": result}).Inc()
}

// Location counts one location publish outcome.
func (r *Recorder) Location(result string) {
	if r == nil {
		return
	}
	r.locations.With(prometheus.Labels{"result": result}).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteTextfile writes all metrics to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
